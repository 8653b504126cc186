// Package server wires HTTP handlers into a ServeMux for the chatrelay
// application via routing helpers.
package server

import (
	"net/http"

	"chatrelay/web"
)

// Routes configures all application routes: the static chat client at the
// root document, the WebSocket endpoint, and the health check. Everything is
// wrapped in the access-log middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	return accessLog(s.log, mux)
}

// handleIndex serves the embedded chat client.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.ServeFileFS(w, r, web.FS, "index.html")
}
