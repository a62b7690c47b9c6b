package server

import (
	"io"
	"net/http"
)

// handleHealth returns 200 while the process is up. Public: load
// balancers probe it without credentials.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	const status = "healthy"

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, status)
}

// handleReady reports readiness to take traffic.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
