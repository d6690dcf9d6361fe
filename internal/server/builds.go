package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stagehand-ci/stagehand/internal/build"
)

// webhookBodyLimit bounds hook payloads. Webhook senders that need
// more than this are sending content, not a notification.
const webhookBodyLimit = 64 << 10

type jobSummary struct {
	Name    string         `json:"name"`
	Version int            `json:"version"`
	Source  string         `json:"source,omitempty"`
	Params  []paramSummary `json:"params,omitempty"`
}

type paramSummary struct {
	Name        string `json:"name"`
	Default     string `json:"default,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

type buildRef struct {
	Job    string `json:"job"`
	Number int64  `json:"number"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	names := s.jobs.Names()
	out := make([]jobSummary, 0, len(names))
	for _, name := range names {
		j, err := s.jobs.Get(name)
		if err != nil {
			continue
		}
		summary := jobSummary{Name: j.Name, Version: j.Version, Source: j.Source}
		for _, p := range j.Definition.Params {
			summary.Params = append(summary.Params, paramSummary{
				Name:        p.Name,
				Default:     p.Default,
				Required:    p.Required,
				Description: p.Description,
			})
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	jobName := chi.URLParam(r, "job")
	if _, err := s.jobs.Get(jobName); err != nil {
		s.respondErr(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)

	states, err := s.store.History(jobName, limit, before)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeStates(w, states)
}

func (s *Server) recentBuilds(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	states, err := s.store.Recent(limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeStates(w, states)
}

// writeStates keeps an empty history an empty array on the wire.
func writeStates(w http.ResponseWriter, states []*build.State) {
	if states == nil {
		states = []*build.State{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) triggerBuild(w http.ResponseWriter, r *http.Request) {
	jobName := chi.URLParam(r, "job")
	var req struct {
		Params map[string]string `json:"params"`
		Actor  string            `json:"actor"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	number, err := s.triggers.FireManual(r.Context(), jobName, req.Params, req.Actor)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, buildRef{Job: jobName, Number: number})
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	jobName, number, ok := buildParams(w, r)
	if !ok {
		return
	}
	st, err := s.store.Get(jobName, number)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// streamLog serves the consolidated build log. A running build tails
// live, flushing as output arrives, until the build finishes or the
// client goes away.
func (s *Server) streamLog(w http.ResponseWriter, r *http.Request) {
	jobName, number, ok := buildParams(w, r)
	if !ok {
		return
	}
	rc, err := s.logs.Reader(r.Context(), jobName, number)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

func (s *Server) cancelBuild(w http.ResponseWriter, r *http.Request) {
	jobName, number, ok := buildParams(w, r)
	if !ok {
		return
	}
	var req struct {
		Actor string `json:"actor"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.engine.Cancel(r.Context(), jobName, number, req.Actor); err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// webhook admits a delivery for a job that declares a webhook trigger.
// Payloads must be flat JSON objects; scalar values are stringified
// and become WEBHOOK_ parameters.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	jobName := chi.URLParam(r, "job")

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	payload := map[string]any{}
	if err := dec.Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Errorf("webhook payload exceeds %d bytes", int(webhookBodyLimit)))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid webhook payload: %w", err))
		return
	}
	flat, err := flattenPayload(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	number, err := s.triggers.FireWebhook(r.Context(), jobName, flat)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	// A zero number means the delivery coalesced into a build admitted
	// moments ago.
	writeJSON(w, http.StatusAccepted, buildRef{Job: jobName, Number: number})
}

// flattenPayload stringifies scalar payload values. Nested objects and
// arrays are rejected; a webhook carries identifiers, not documents.
func flattenPayload(payload map[string]any) (map[string]string, error) {
	flat := make(map[string]string, len(payload))
	for key, value := range payload {
		switch v := value.(type) {
		case string:
			flat[key] = v
		case json.Number:
			flat[key] = v.String()
		case bool:
			flat[key] = strconv.FormatBool(v)
		case nil:
			flat[key] = ""
		default:
			return nil, fmt.Errorf("webhook payload key %q is not a flat value", key)
		}
	}
	return flat, nil
}

// buildParams pulls the job and build number out of the URL. A
// non-numeric number cannot name a build, so it reads as not found.
func buildParams(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	jobName := chi.URLParam(r, "job")
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil || number < 1 {
		writeError(w, http.StatusNotFound, fmt.Errorf("no build %q", chi.URLParam(r, "number")))
		return "", 0, false
	}
	return jobName, number, true
}
