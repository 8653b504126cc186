// Package server closes the gap between a reconnecting session's last-seen
// position and the head of the message log.
//
// Two mechanisms cooperate:
//
//   - Transport-level recovery: the hub retains a bounded backlog of
//     published messages and a tracker of recently disconnected sessions.
//     A session that reconnects inside the recovery window, when the backlog
//     still covers everything it missed, is resumed by the transport itself
//     and marked recovered.
//   - Store replay: otherwise the Replayer reads everything after the
//     client-supplied watermark from the durable log and unicasts it.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// messageBacklog is a bounded ring of recently published messages, ordered
// by ascending id. evicted tracks the highest id pushed out of the ring so
// coverage checks can detect gaps.
type messageBacklog struct {
	mu      sync.Mutex
	entries []broadcastMessage
	max     int
	evicted int64
}

func newMessageBacklog(max int) *messageBacklog {
	if max <= 0 {
		max = 1
	}
	return &messageBacklog{max: max}
}

func (b *messageBacklog) add(msg broadcastMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, msg)
	if len(b.entries) > b.max {
		b.evicted = b.entries[0].id
		b.entries = b.entries[1:]
	}
}

// after returns copies of all retained messages with id > watermark, and
// whether the backlog provably contains every message the session missed.
// covered is false when eviction may have opened a gap.
func (b *messageBacklog) after(watermark int64) (missed []broadcastMessage, covered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if watermark < b.evicted {
		return nil, false
	}
	for _, e := range b.entries {
		if e.id > watermark {
			missed = append(missed, e)
		}
	}
	return missed, true
}

type suspendedSession struct {
	lastID int64
	at     time.Time
}

// recoveryTracker remembers where recently disconnected sessions left off.
// Entries expire after the recovery window; expired entries are pruned
// lazily on access.
type recoveryTracker struct {
	mu       sync.Mutex
	window   time.Duration
	sessions map[string]suspendedSession
	now      func() time.Time
}

func newRecoveryTracker(window time.Duration) *recoveryTracker {
	return &recoveryTracker{
		window:   window,
		sessions: make(map[string]suspendedSession),
		now:      time.Now,
	}
}

func (t *recoveryTracker) suspend(session string, lastID int64) {
	if session == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	t.sessions[session] = suspendedSession{lastID: lastID, at: t.now()}
}

// resume consumes the tracker entry for session, if one exists and is still
// inside the recovery window. The entry is removed either way: a session
// handle is good for one resumption attempt.
func (t *recoveryTracker) resume(session string) (lastID int64, ok bool) {
	if session == "" {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.sessions[session]
	if !exists {
		return 0, false
	}
	delete(t.sessions, session)
	if t.now().Sub(entry.at) > t.window {
		return 0, false
	}
	return entry.lastID, true
}

// prune removes expired entries. Caller holds the lock.
func (t *recoveryTracker) prune() {
	cutoff := t.now().Add(-t.window)
	for session, entry := range t.sessions {
		if entry.at.Before(cutoff) {
			delete(t.sessions, session)
		}
	}
}

// resumeFromBacklog attempts transport-level recovery for a reconnecting
// session handle. On success it returns the messages the transport must
// redeliver itself; the caller marks the session recovered and performs no
// store read. Called from the hub's run loop, where the backlog snapshot is
// serialized with broadcasts.
func (h *Hub) resumeFromBacklog(session string) (missed []broadcastMessage, recovered bool) {
	lastID, ok := h.tracker.resume(session)
	if !ok {
		return nil, false
	}
	missed, covered := h.backlog.after(lastID)
	if !covered {
		return nil, false
	}
	return missed, true
}

// Replayer unicasts missed historical messages to freshly connected
// sessions, straight from the message store.
type Replayer struct {
	store MessageStore
	hub   *Hub
	log   zerolog.Logger
}

// NewReplayer creates a Replayer bound to the process-wide store handle.
func NewReplayer(store MessageStore, hub *Hub, log zerolog.Logger) *Replayer {
	return &Replayer{
		store: store,
		hub:   hub,
		log:   log.With().Str("component", "replay").Logger(),
	}
}

// Replay catches a session up on everything after its watermark, in
// ascending id order. Recovered sessions are skipped entirely: the transport
// already guaranteed continuity, so no store read happens. A store failure
// is logged and swallowed; the session stays connected and simply starts
// from live traffic.
func (r *Replayer) Replay(ctx context.Context, c *Client) {
	if c.recovered {
		return
	}

	// Registration is asynchronous; unicasts before the hub admits the
	// session would be dropped.
	select {
	case <-c.registered:
	case <-ctx.Done():
		return
	}

	msgs, err := r.store.ReadAfter(ctx, c.watermark)
	if err != nil {
		r.log.Error().Err(err).Str("session", c.session).Int64("watermark", c.watermark).
			Msg("replay read failed; session continues without catch-up")
		return
	}

	for _, m := range msgs {
		if !r.hub.Send(c, m.ID, chatPayload(m.Content, m.ID, m.User)) {
			r.log.Warn().Str("session", c.session).Int64("id", m.ID).
				Msg("replay delivery stopped; session gone or backlogged")
			return
		}
	}

	if len(msgs) > 0 {
		r.log.Debug().Str("session", c.session).Int64("watermark", c.watermark).
			Int("replayed", len(msgs)).Msg("replay complete")
	}
}
