// Package server defines the wire-level event types exchanged with clients
// and shared helpers reused across client and hub logic.
package server

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Event names on the wire. EventChat is used in both directions; EventSession
// is sent by the server once per connection, before any chat traffic.
const (
	EventChat    = "chat message"
	EventSession = "session"
)

// AnonymousUser is the display label substituted when a client connects
// without a username. A default, not an identity.
const AnonymousUser = "anonymous"

// inboundFrame is the V1 JSON frame read from clients.
type inboundFrame struct {
	Event   string `json:"event"`
	Content string `json:"content"`
}

// ChatFrame is the server-to-client chat event, used for live broadcast and
// replay alike. The id travels as decimal text so very large identifiers
// survive JSON number handling on the client.
type ChatFrame struct {
	Event   string `json:"event"`
	Content string `json:"content"`
	ID      string `json:"id"`
	User    string `json:"user"`
}

// SessionFrame announces the connection's recovery handle and whether the
// transport resumed it without loss.
type SessionFrame struct {
	Event     string `json:"event"`
	Session   string `json:"session"`
	Recovered bool   `json:"recovered"`
}

func chatPayload(content string, id int64, user string) []byte {
	payload, err := json.Marshal(ChatFrame{
		Event:   EventChat,
		Content: content,
		ID:      strconv.FormatInt(id, 10),
		User:    user,
	})
	if err != nil {
		// Marshalling plain strings cannot fail; keep the contract total anyway.
		return nil
	}
	return payload
}

func sessionPayload(session string, recovered bool) []byte {
	payload, _ := json.Marshal(SessionFrame{Event: EventSession, Session: session, Recovered: recovered})
	return payload
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
