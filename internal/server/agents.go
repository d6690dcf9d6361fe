package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stagehand-ci/stagehand/internal/agentpool"
)

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Snapshot())
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var a agentpool.Agent
	if err := decodeBody(w, r, &a); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := s.pool.Register(a, false); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) heartbeatAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Heartbeat(chi.URLParam(r, "id")); err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeAgent(w http.ResponseWriter, r *http.Request) {
	s.pool.Deregister(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// resolveInput approves or rejects a pending input gate by token. The
// approve field is mandatory so an empty POST cannot silently approve.
func (s *Server) resolveInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve *bool  `json:"approve"`
		Actor   string `json:"actor"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Approve == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("approve field is required"))
		return
	}

	if err := s.engine.ResolveGate(chi.URLParam(r, "token"), *req.Approve, req.Actor); err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
