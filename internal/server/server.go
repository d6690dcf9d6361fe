// Package server exposes the HTTP API: browsing jobs and builds,
// triggering and cancelling, tailing logs, answering input gates,
// managing agents, and receiving webhooks. Handlers translate between
// HTTP and the subsystems; no build logic lives here.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stagehand-ci/stagehand/internal/agentpool"
	"github.com/stagehand-ci/stagehand/internal/buildlog"
	"github.com/stagehand-ci/stagehand/internal/buildstore"
	"github.com/stagehand-ci/stagehand/internal/ctxlog"
	"github.com/stagehand-ci/stagehand/internal/engine"
	"github.com/stagehand-ci/stagehand/internal/job"
	"github.com/stagehand-ci/stagehand/internal/trigger"
)

// Options carry the subsystems the API fronts.
type Options struct {
	Jobs     *job.Store
	Store    *buildstore.Store
	Pool     *agentpool.Pool
	Logs     *buildlog.Manager
	Triggers *trigger.Subsystem
	Engine   *engine.Engine
	Logger   *slog.Logger
}

// Server routes API requests to the subsystems.
type Server struct {
	jobs     *job.Store
	store    *buildstore.Store
	pool     *agentpool.Pool
	logs     *buildlog.Manager
	triggers *trigger.Subsystem
	engine   *engine.Engine
	logger   *slog.Logger
}

// New wires a server. A nil logger falls back to slog's default.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		jobs:     opts.Jobs,
		store:    opts.Store,
		pool:     opts.Pool,
		logs:     opts.Logs,
		triggers: opts.Triggers,
		engine:   opts.Engine,
		logger:   logger,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)
	r.Use(s.recoverPanic)

	r.Get("/healthz", s.health)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/jobs", s.listJobs)
		api.Get("/builds", s.recentBuilds)
		api.Route("/jobs/{job}", func(jr chi.Router) {
			jr.Get("/builds", s.listBuilds)
			jr.Post("/builds", s.triggerBuild)
			jr.Route("/builds/{number}", func(br chi.Router) {
				br.Get("/", s.getBuild)
				br.Get("/log", s.streamLog)
				br.Post("/cancel", s.cancelBuild)
			})
		})
		api.Get("/agents", s.listAgents)
		api.Post("/agents", s.registerAgent)
		api.Post("/agents/{id}/heartbeat", s.heartbeatAgent)
		api.Delete("/agents/{id}", s.removeAgent)
		api.Post("/inputs/{token}", s.resolveInput)
	})

	r.Post("/hooks/{job}", s.webhook)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLog scopes a logger to the request and reports the outcome.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With("method", r.Method, "path", r.URL.Path)
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctxlog.WithLogger(r.Context(), logger)))
		logger.Debug("HTTP request handled.",
			"status", ww.status, "duration", time.Since(start).String())
	})
}

// recoverPanic turns a panicking handler into a 500 instead of a dead
// connection.
func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				ctxlog.FromContext(r.Context()).Error("💥 Handler panicked.", "panic", rec)
				writeError(w, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the response code for the request log. It keeps
// http.Flusher visible so log tailing flushes through it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// An encode error here means the client went away; there is nothing
	// left to tell it.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// respondErr maps subsystem errors onto status codes: 404 for unknown
// names, 409 for operations that lost to an earlier one, 422 for
// definition and parameter problems. Anything unclassified is a 500
// with the detail kept in the log.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, job.ErrUnknownJob),
		errors.Is(err, buildstore.ErrNotFound),
		errors.Is(err, buildlog.ErrNotFound),
		errors.Is(err, agentpool.ErrUnknownAgent),
		errors.Is(err, engine.ErrUnknownGate):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrAlreadyFinished),
		errors.Is(err, engine.ErrGateResolved):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, trigger.ErrMissingParam),
		errors.Is(err, trigger.ErrNoWebhookTrigger):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		ctxlog.FromContext(r.Context()).Error("Request failed.", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

// decodeBody reads a JSON request body into v. Bodies are capped well
// above any legitimate request; an empty body decodes to the zero
// value.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
