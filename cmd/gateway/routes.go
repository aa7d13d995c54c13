package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicedesk/receptionist/internal/fallback"
	"github.com/voicedesk/receptionist/internal/orchestrator"
	"github.com/voicedesk/receptionist/internal/reliability"
	"github.com/voicedesk/receptionist/internal/session"
)

// defaultListLimit is how many records list endpoints return when the
// caller omits the ?limit= query parameter.
const defaultListLimit = 20

type deps struct {
	orch      *orchestrator.Orchestrator
	health    *fallback.Health
	breakers  *reliability.Registry
	events    *session.EventLog
	store     *session.Store
	wsHandler http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/call", d.wsHandler)
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/sessions", d.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", d.handleSessionStatus)
	mux.HandleFunc("DELETE /api/sessions/{id}", d.handleSessionEnd)
	mux.HandleFunc("GET /api/fallbacks", d.handleFallbacks)
	mux.HandleFunc("GET /api/breakers", d.handleBreakers)
	mux.HandleFunc("GET /api/fallback-mode", d.handleFallbackModeGet)
	mux.HandleFunc("POST /api/fallback-mode", d.handleFallbackModeSet)
	mux.HandleFunc("GET /api/history", d.handleHistory)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

func (d deps) handleSessions(w http.ResponseWriter, r *http.Request) {
	snaps := d.orch.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(snaps),
		"sessions": snaps,
	})
}

func (d deps) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := d.orch.Status(r.PathValue("id"))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d deps) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := d.orch.EndSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		slog.Error("end session", "session_id", id, "error", err)
		http.Error(w, "end session failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d deps) handleFallbacks(w http.ResponseWriter, r *http.Request) {
	events := d.events.Recent(queryLimit(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

func (d deps) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": d.breakers.Metrics(),
	})
}

func (d deps) handleFallbackModeGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"global_fallback": d.health.GlobalFallback(),
	})
}

// handleFallbackModeSet flips the operator kill switch. While on, every new
// session starts in pipeline mode regardless of backend health.
func (d deps) handleFallbackModeSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	d.health.SetGlobalFallback(req.Enabled)
	slog.Info("global fallback changed", "enabled", req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{
		"global_fallback": req.Enabled,
	})
}

func (d deps) handleHistory(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		http.Error(w, "persistence not configured", http.StatusNotImplemented)
		return
	}
	records, err := d.store.ListRecent(queryLimit(r))
	if err != nil {
		slog.Error("list session history", "error", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(records),
		"sessions": records,
	})
}
