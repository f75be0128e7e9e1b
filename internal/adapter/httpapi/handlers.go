// Package httpapi exposes the deliberation coordinator over a chi REST
// API: blocking and streaming session runs, session retrieval, expert
// statistics, and health probes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/concilium/concilium/internal/adapter/llmexpert"
	"github.com/concilium/concilium/internal/domain/delib"
	"github.com/concilium/concilium/internal/domain/event"
	"github.com/concilium/concilium/internal/port/sessionstore"
	"github.com/concilium/concilium/internal/service"
)

const bodyLimit = 1 << 20

// SessionRunner is the coordinator surface the handlers need.
type SessionRunner interface {
	RunSession(ctx context.Context, c delib.CaseInfo, participants []string) (*delib.Session, error)
	RunSessionStream(ctx context.Context, c delib.CaseInfo, participants []string) (<-chan event.Event, error)
	Status() service.Status
}

// HealthChecker reports reachability of the chat backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// StatsFunc returns the panel's call statistics.
type StatsFunc func() []llmexpert.Stats

// Handlers carries the dependencies shared by all HTTP handlers.
type Handlers struct {
	Log   *slog.Logger
	Coord SessionRunner
	Store sessionstore.Store
	LLM   HealthChecker
	Stats StatsFunc
}

type sessionRequest struct {
	Case         delib.CaseInfo `json:"case"`
	Participants []string       `json:"participants"`
}

// StartSession runs a full deliberation in blocking mode and returns the
// completed session record.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[sessionRequest](w, r, bodyLimit)
	if !ok {
		return
	}

	s, err := h.Coord.RunSession(r.Context(), req.Case, req.Participants)
	if err != nil {
		// A nil session means the run never started.
		if s == nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.Log.Error("session failed", "session_id", s.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "session failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// StreamSession runs a deliberation and streams its events as NDJSON,
// one envelope per line, flushed per event.
func (h *Handlers) StreamSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[sessionRequest](w, r, bodyLimit)
	if !ok {
		return
	}

	events, err := h.Coord.RunSessionStream(r.Context(), req.Case, req.Participants)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range events {
		envelope := struct {
			Type    event.Kind  `json:"type"`
			Payload event.Event `json:"payload"`
		}{Type: ev.EventKind(), Payload: ev}
		if err := enc.Encode(envelope); err != nil {
			h.Log.Debug("stream client gone", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// GetSession returns one persisted session by ID.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.Log.Error("get session failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListSessions returns the IDs of all persisted sessions.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Store.List(r.Context())
	if err != nil {
		h.Log.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
}

// SessionStatus reports the coordinator's live status snapshot.
func (h *Handlers) SessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Coord.Status())
}

// ExpertStats returns per-expert call statistics.
func (h *Handlers) ExpertStats(w http.ResponseWriter, _ *http.Request) {
	stats := []llmexpert.Stats{}
	if h.Stats != nil {
		stats = h.Stats()
	}
	writeJSON(w, http.StatusOK, map[string][]llmexpert.Stats{"experts": stats})
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports readiness including chat backend reachability.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	llmStatus := "ok"
	status := http.StatusOK
	if h.LLM != nil {
		if err := h.LLM.Health(r.Context()); err != nil {
			llmStatus = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]string{"status": "ok", "llm": llmStatus})
}
