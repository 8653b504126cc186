// Package server constructs the chatrelay HTTP service with helpers that
// apply sensible production defaults.
package server

import (
	"net/http"
	"time"
)

// newHTTPServer creates an HTTP server with the given address and handler.
// Timeouts apply to plain HTTP traffic; hijacked WebSocket connections run
// their own deadlines in the client pumps.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
