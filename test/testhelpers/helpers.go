// Package testhelpers provides common utilities for integration-testing the
// chatrelay server: spinning up a relay over httptest, dialing websocket
// sessions, and reading protocol frames.
package testhelpers

import (
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/logx"
	"chatrelay/internal/server"
)

// Frame is the union of the server-to-client frame shapes, convenient for
// decoding either event.
type Frame struct {
	Event     string `json:"event"`
	Content   string `json:"content"`
	ID        string `json:"id"`
	User      string `json:"user"`
	Session   string `json:"session"`
	Recovered bool   `json:"recovered"`
}

// StartRelay starts a fully wired relay on a throwaway database and an
// httptest listener. Cleanup is registered on t.
func StartRelay(t *testing.T, mutate func(*server.Config)) (*server.Server, *httptest.Server) {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.DatabaseURL = "file:" + filepath.Join(t.TempDir(), "chat.db")
	cfg.AllowedOrigins = []string{"*"}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := server.New(cfg, logx.Nop())
	require.NoError(t, err)
	srv.StartHub()

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown()
	})
	return srv, ts
}

// Dial opens a websocket session against the relay with the given handshake
// parameters (username, serverOffset, session).
func Dial(t *testing.T, serverURL string, params url.Values) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if len(params) > 0 {
		wsURL += "?" + params.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err, "websocket dial failed")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendChat submits one chat message over the session.
func SendChat(t *testing.T, conn *websocket.Conn, content string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{
		"event":   server.EventChat,
		"content": content,
	}))
}

// ReadFrame reads the next frame, failing the test after the timeout.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame), "timed out or failed reading a frame")
	return frame
}

// ReadSession reads the connection's opening session frame.
func ReadSession(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	frame := ReadFrame(t, conn, 2*time.Second)
	require.Equal(t, server.EventSession, frame.Event, "first frame must announce the session")
	return frame
}

// ReadChat reads the next frame and requires it to be a chat event.
func ReadChat(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	frame := ReadFrame(t, conn, 2*time.Second)
	require.Equal(t, server.EventChat, frame.Event)
	return frame
}

// ExpectNoFrame asserts that nothing arrives within wait.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	var frame Frame
	err := conn.ReadJSON(&frame)
	require.Error(t, err, "expected silence, got frame %+v", frame)
}

// CloseWebSocket gracefully closes a session.
func CloseWebSocket(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}
