// Package server coordinates session registration, message broadcast, and
// connection cleanup for the chatrelay WebSocket system via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// broadcastMessage carries one published message through the hub together
// with its store-assigned id.
type broadcastMessage struct {
	id      int64
	payload []byte
}

// registration pairs a connecting session with the recovery handle it
// presented, if any. Resumption must happen on the run loop itself: only
// there is the backlog snapshot serialized with broadcasts, so no message
// can land between the snapshot and the session joining the delivery set.
type registration struct {
	client *Client
	handle string
}

// Hub manages all connected sessions and fans published messages out to
// them. Registration and unregistration are serialized on the Run loop; the
// session set is additionally mutex-guarded so publish-time iteration can
// snapshot it from other goroutines.
type Hub struct {
	log        zerolog.Logger
	clients    map[*Client]bool
	broadcast  chan broadcastMessage
	register   chan registration
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	backlog *messageBacklog
	tracker *recoveryTracker
}

// NewHub creates a Hub with a recovery backlog and disconnect tracker sized
// per the configuration. Run must be started before clients are registered.
func NewHub(cfg Config, log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcastMessage),
		register:   make(chan registration),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		backlog:    newMessageBacklog(cfg.RecoveryBacklog),
		tracker:    newRecoveryTracker(cfg.RecoveryWindow),
	}
}

// Register hands a new session to the hub together with the recovery handle
// it presented (empty for none). The run loop attempts transport-level
// resumption, announces the session, and starts the pumps; c.registered is
// closed once the session is in the delivery set, after which c.session and
// c.recovered reflect the resumption outcome.
func (h *Hub) Register(c *Client, handle string) {
	select {
	case h.register <- registration{client: c, handle: handle}:
	case <-h.ctx.Done():
	}
}

// Unregister removes a session from the delivery set. Safe to call more
// than once; only the first removal closes the send channel.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Publish fans one message out to every session connected at delivery time,
// including the sender. Best-effort per session: a slow recipient is dropped,
// never waited on. There is no delivery guarantee for sessions that connect
// afterwards; they catch up through replay.
func (h *Hub) Publish(id int64, payload []byte) {
	select {
	case h.broadcast <- broadcastMessage{id: id, payload: payload}:
	case <-h.ctx.Done():
	}
}

// Send unicasts one message to a single session with the same best-effort
// semantics as Publish. Reports whether the message was enqueued.
func (h *Hub) Send(c *Client, id int64, payload []byte) bool {
	if !h.safeSend(c, payload) {
		return false
	}
	c.noteDelivered(id)
	return true
}

func (h *Hub) safeSend(client *Client, payload []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn().Interface("panic", r).Msg("recovered from panic in safeSend")
			sent = false
		}
	}()

	// Hold the lock across the send so unregistration cannot close the
	// channel underneath us.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// Run is the hub's main event loop. Call it in its own goroutine; it returns
// when Shutdown is initiated.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case reg := <-h.register:
			client := reg.client
			if client == nil {
				h.log.Warn().Msg("nil client registration; skipping")
				continue
			}

			// Resume, announce, and insert in one loop iteration so no
			// broadcast can fall between the backlog snapshot and the
			// session joining the delivery set.
			missed, recovered := h.resumeFromBacklog(reg.handle)
			if recovered {
				client.session = reg.handle
				client.recovered = true
			}
			client.enqueue(sessionPayload(client.session, client.recovered))
			for _, m := range missed {
				if client.enqueue(m.payload) {
					client.noteDelivered(m.id)
				}
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			close(client.registered)
			h.log.Info().Str("addr", client.addr).Str("session", client.session).
				Bool("recovered", client.recovered).
				Int("clients", clientCount).Msg("client registered")

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closed = true
				clientCount := len(h.clients)
				h.mutex.Unlock()
				close(client.send)
				// Remember where this session left off so a prompt
				// reconnect can resume from the backlog.
				h.tracker.suspend(client.session, client.lastDelivered())
				h.log.Info().Str("addr", client.addr).Str("session", client.session).
					Int("clients", clientCount).Msg("client unregistered")
			} else {
				h.mutex.Unlock()
			}

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) handleBroadcast(msg broadcastMessage) {
	h.backlog.add(msg)

	clients := h.clientSnapshot()
	h.log.Debug().Int64("id", msg.id).Int("clients", len(clients)).Msg("broadcasting message")

	var failed []*Client
	for _, client := range clients {
		if h.safeSend(client, msg.payload) {
			client.noteDelivered(msg.id)
		} else {
			failed = append(failed, client)
		}
	}
	h.removeFailedClients(failed)
}

// clientSnapshot returns a point-in-time copy of the session set so delivery
// iteration tolerates concurrent connects and disconnects.
func (h *Hub) clientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) removeFailedClients(failed []*Client) {
	if len(failed) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range failed {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			h.tracker.suspend(client.session, client.lastDelivered())
			h.log.Warn().Str("addr", client.addr).Msg("client removed due to full send buffer")
		}
	}
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
}

func (h *Hub) shutdownClients() {
	h.log.Info().Msg("shutting down all client connections")

	clients := h.clientSnapshot()
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn().Err(err).Str("addr", client.addr).Msg("error closing client connection")
			}
		}
	}

	h.log.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown initiates graceful shutdown and waits for the Run loop and all
// pump goroutines to finish, or for the timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
