// Package server manages individual WebSocket sessions, handling read/write
// pumps, throttling, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	pongWait      = 60 * time.Second
	pingInterval  = 54 * time.Second
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// Client represents one connected chat session. It carries the connection's
// identity (an unverified display label), the replay watermark supplied at
// connection time, and the transport-level recovery state.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	ingest *Ingest
	log    zerolog.Logger

	addr      string
	username  string
	watermark int64
	session   string
	recovered bool

	closed         bool
	maxMessageSize int64
	limiter        *rate.Limiter

	// Closed by the hub once the session is in the delivery set. Replay
	// waits on it so unicasts cannot race registration.
	registered chan struct{}

	// Highest message id enqueued to this session. Read on disconnect to
	// seed transport-level recovery.
	lastID atomic.Int64
}

// NewClient creates a session around an upgraded connection. The send
// channel is buffered so replay and live delivery never block the hub.
func NewClient(conn *websocket.Conn, hub *Hub, ingest *Ingest, log zerolog.Logger, addr string, cfg Config) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendQueueSize),
		hub:            hub,
		ingest:         ingest,
		log:            log.With().Str("component", "client").Str("addr", addr).Logger(),
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newIngestLimiter(cfg.RateLimit),
		registered:     make(chan struct{}),
	}
}

// SendQueue exposes the outgoing queue for tests.
func (c *Client) SendQueue() <-chan []byte { return c.send }

// enqueue queues a payload before the session is registered with the hub.
// Non-blocking; reports false when the queue is already full.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) noteDelivered(id int64) {
	for {
		prev := c.lastID.Load()
		if id <= prev || c.lastID.CompareAndSwap(prev, id) {
			return
		}
	}
}

func (c *Client) lastDelivered() int64 { return c.lastID.Load() }

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError classifies a read failure and reports whether the read
// loop should stop. Disconnects are lifecycle events, not failures.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.maxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info().Err(err).Msg("client connection closed")
	default:
		c.log.Warn().Err(err).Msg("websocket read error")
	}
	return true
}

// processFrame decodes one inbound frame and routes it. Only chat events
// carry behavior; anything else is ignored after a log line.
func (c *Client) processFrame(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Warn().Err(err).Msg("invalid frame")
		return
	}

	switch frame.Event {
	case EventChat:
		c.ingest.Handle(c, frame.Content)
	default:
		c.log.Debug().Str("event", frame.Event).Msg("ignoring unknown event")
	}
}

func (c *Client) readPump() {
	if c.conn == nil {
		return
	}
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
			continue
		}

		if !c.limiter.Allow() {
			c.log.Warn().Msg("rate limit exceeded; discarding message")
			continue
		}

		c.processFrame(raw)
	}
}

func (c *Client) writePump() {
	if c.conn == nil {
		return
	}
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error closing connection in writePump")
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn().Err(err).Msg("error setting write deadline")
				return
			}
			if !ok {
				// Hub closed the queue.
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
					c.log.Warn().Err(err).Msg("error writing close message")
				}
				return
			}
			if !c.writeFrame(payload) {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn().Err(err).Msg("error setting write deadline for ping")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Warn().Err(err).Msg("error writing ping message")
				}
				return
			}

		case <-c.hub.ctx.Done():
			// Hub shutdown; the connection is being closed underneath us.
			return
		}
	}
}

// writeFrame writes payload and drains anything else already queued, one
// frame per message so clients never have to split buffers.
func (c *Client) writeFrame(payload []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error writing message")
		}
		return false
	}

	for n := len(c.send); n > 0; n-- {
		queued, ok := <-c.send
		if !ok {
			return false
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
			if !isExpectedCloseError(err) {
				c.log.Warn().Err(err).Msg("error writing queued message")
			}
			return false
		}
	}
	return true
}
