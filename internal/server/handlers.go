// Package server exposes HTTP handlers, including the WebSocket upgrade
// that admits chat sessions.
package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// handleWebSocket upgrades GET /ws requests and admits the session.
//
// The connect-time auth payload maps to query parameters:
//
//	username     optional display label (unverified)
//	serverOffset optional watermark: highest message id already seen
//	session      optional recovery handle from a previous connection
//
// The server answers with a "session" frame carrying the (possibly new)
// recovery handle and the recovered flag, then either redelivers missed
// messages from the transport backlog (recovered) or replays from the
// message store (not recovered).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, s.hub, s.ingest, s.log, r.RemoteAddr, s.cfg)
	client.username = r.URL.Query().Get("username")
	client.watermark = parseWatermark(r.URL.Query().Get("serverOffset"))

	// Fresh handle; the hub keeps the presented one instead when it can
	// resume it. Resumption itself lives on the hub's run loop so it is
	// atomic with joining the delivery set.
	client.session = uuid.NewString()
	s.hub.Register(client, r.URL.Query().Get("session"))

	select {
	case <-client.registered:
	case <-s.hub.ctx.Done():
		_ = conn.Close()
		return
	}

	if !client.recovered {
		go s.replayer.Replay(s.baseCtx, client)
	}
}

// parseWatermark interprets the serverOffset parameter; anything absent or
// malformed means "nothing seen", i.e. full replay.
func parseWatermark(raw string) int64 {
	if raw == "" {
		return 0
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

// handleHealth provides a simple health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chatrelay server is running!")
}
