package app

import (
	"encoding/json"
	"net/http"
)

func (a *App) serveSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": a.coord.Sessions()})
}

func (a *App) serveSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := a.coord.Snapshot(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session " + id})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// serveBreakers reports the circuit breaker of every configured backend,
// grouped by provider kind.
func (a *App) serveBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stt": a.sttGroup.Statuses(),
		"llm": a.llmGroup.Statuses(),
		"tts": a.ttsGroup.Statuses(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
