package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/manaflow-ai/tabrelay/internal/command"
	"github.com/manaflow-ai/tabrelay/internal/history"
)

// Handler serves the local control surface.
func (o *Orchestrator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", o.handleHealth)
	mux.HandleFunc("GET /state", o.handleState)
	mux.HandleFunc("POST /toggle", o.handleToggle)
	mux.HandleFunc("POST /reconnect", o.handleReconnect)
	mux.HandleFunc("POST /activate", o.handleActivate)
	mux.HandleFunc("GET /targets", o.handleTargets)
	mux.HandleFunc("GET /commands", o.handleCommands)
	mux.HandleFunc("GET /history", o.handleHistory)
	mux.HandleFunc("GET /history/stats", o.handleHistoryStats)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": o.opts.Version,
	})
}

func (o *Orchestrator) handleState(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, o.Snapshot())
}

func (o *Orchestrator) handleToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			sendError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	enabled := !o.deps.State.Enabled()
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	if err := o.SetEnabled(enabled); err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
}

func (o *Orchestrator) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := o.Reconnect(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrDisabled) {
			status = http.StatusConflict
		}
		sendError(w, status, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"status": "reconnecting"})
}

func (o *Orchestrator) handleActivate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Target == "" {
		sendError(w, http.StatusBadRequest, "target required")
		return
	}
	if err := o.Activate(r.Context(), body.Target); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"activeTarget": body.Target})
}

func (o *Orchestrator) handleTargets(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, o.deps.Router.Targets())
}

func (o *Orchestrator) handleCommands(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, o.deps.Registry.List())
}

func (o *Orchestrator) handleHistory(w http.ResponseWriter, r *http.Request) {
	if o.deps.History == nil {
		sendError(w, http.StatusNotFound, "history is disabled")
		return
	}
	q := r.URL.Query()
	f := history.Filter{
		Name:   q.Get("command"),
		Status: command.Status(q.Get("status")),
		Limit:  50,
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			sendError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	entries, err := o.deps.History.List(r.Context(), f)
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	sendJSON(w, http.StatusOK, entries)
}

func (o *Orchestrator) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if o.deps.History == nil {
		sendError(w, http.StatusNotFound, "history is disabled")
		return
	}
	stats, err := o.deps.History.Stats(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stats == nil {
		stats = []history.Stat{}
	}
	sendJSON(w, http.StatusOK, stats)
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, msg string) {
	sendJSON(w, status, map[string]any{"error": msg})
}
