package sessionstats

import (
	"encoding/json"
	"net/http"
)

// Register adds the statistics routes to mux:
//
//   - GET /v1/stats returns the [Aggregate] view.
//   - GET /v1/stats/sessions/{id} returns the running [Summary] of a live
//     session, or 404.
func (m *Manager) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stats", m.serveAggregate)
	mux.HandleFunc("GET /v1/stats/sessions/{id}", m.serveSession)
}

func (m *Manager) serveAggregate(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.Aggregate())
}

func (m *Manager) serveSession(w http.ResponseWriter, r *http.Request) {
	sum, ok := m.Session(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
