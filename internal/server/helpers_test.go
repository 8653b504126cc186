package server

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrelay/internal/logx"
)

// testConfig returns a sanitized config pointing at a throwaway database.
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabaseURL = "file:" + filepath.Join(t.TempDir(), "chat.db")
	return cfg
}

// newTestHub starts a hub and arranges its shutdown.
func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	hub := NewHub(cfg, logx.Nop())
	go hub.Run()
	t.Cleanup(func() {
		_ = hub.Shutdown(time.Second)
	})
	return hub
}

// newTestClient builds a connection-less session for exercising hub and
// replay logic; payloads are read straight off the send queue.
func newTestClient(t *testing.T, hub *Hub, username, session string) *Client {
	t.Helper()
	c := NewClient(nil, hub, nil, logx.Nop(), "127.0.0.1:12345", DefaultConfig())
	c.username = username
	c.session = session
	return c
}

// registerAndWait registers c without a recovery handle and blocks until the
// hub's run loop has admitted it, so a following publish is guaranteed to
// reach it. The session announcement is drained so tests read chat payloads
// only.
func registerAndWait(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.Register(c, "")
	select {
	case <-c.registered:
	case <-time.After(time.Second):
		t.Fatal("hub never admitted the client")
	}
	require.Equal(t, EventSession, recvSession(t, c).Event)
}

func recvSession(t *testing.T, c *Client) SessionFrame {
	t.Helper()
	var frame SessionFrame
	require.NoError(t, json.Unmarshal(recvPayload(t, c), &frame))
	return frame
}

func recvPayload(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case payload, ok := <-c.send:
		require.True(t, ok, "send queue closed while waiting for a payload")
		return payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a payload")
		return nil
	}
}

func recvChat(t *testing.T, c *Client) ChatFrame {
	t.Helper()
	var frame ChatFrame
	require.NoError(t, json.Unmarshal(recvPayload(t, c), &frame))
	require.Equal(t, EventChat, frame.Event)
	return frame
}

func expectNoPayload(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()
	select {
	case payload, ok := <-c.send:
		if ok {
			t.Fatalf("expected no payload, got %s", payload)
		}
	case <-time.After(wait):
	}
}

// fakeStore is an in-memory MessageStore with scriptable failures and call
// counters.
type fakeStore struct {
	mu          sync.Mutex
	msgs        []Message
	nextID      int64
	appendCalls int
	readCalls   int
	failAppend  bool
	failNext    bool
	failRead    bool
}

var errStoreDown = &StorageError{Op: "fake", Err: errors.New("connectivity loss")}

func newFakeStore(msgs ...Message) *fakeStore {
	s := &fakeStore{msgs: msgs}
	for _, m := range msgs {
		if m.ID > s.nextID {
			s.nextID = m.ID
		}
	}
	return s
}

func (s *fakeStore) Append(_ context.Context, content, user string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.failAppend || s.failNext {
		s.failNext = false
		return 0, errStoreDown
	}
	s.nextID++
	s.msgs = append(s.msgs, Message{ID: s.nextID, Content: content, User: user})
	return s.nextID, nil
}

func (s *fakeStore) ReadAfter(_ context.Context, watermark int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	if s.failRead {
		return nil, errStoreDown
	}
	var out []Message
	for _, m := range s.msgs {
		if m.ID > watermark {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCalls
}

func (s *fakeStore) appends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCalls
}
