// Package server turns inbound chat events into durable, broadcast facts.
package server

import (
	"context"

	"github.com/rs/zerolog"
)

// Ingest is the per-session message intake pipeline: resolve the acting
// user, append durably, then publish. At-most-once and non-transactional: a
// message appended but never published is reachable later only through
// replay, which is accepted.
type Ingest struct {
	store MessageStore
	hub   *Hub
	log   zerolog.Logger

	// Appends run on the server's base context, never the connection's: a
	// disconnect must not cancel an append already in flight.
	ctx context.Context
}

// NewIngest creates the intake pipeline around the process-wide store handle.
func NewIngest(ctx context.Context, store MessageStore, hub *Hub, log zerolog.Logger) *Ingest {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Ingest{
		store: store,
		hub:   hub,
		log:   log.With().Str("component", "ingest").Logger(),
		ctx:   ctx,
	}
}

// Handle processes one inbound chat message from c. On append failure the
// message is logged and dropped: no broadcast, no retry, and no error back
// to the sender. One session's failure never affects another's traffic.
func (i *Ingest) Handle(c *Client, content string) {
	user := c.username
	if user == "" {
		user = AnonymousUser
	}

	id, err := i.store.Append(i.ctx, content, user)
	if err != nil {
		i.log.Error().Err(err).Str("session", c.session).Str("user", user).
			Msg("append failed; message dropped")
		return
	}

	i.hub.Publish(id, chatPayload(content, id, user))
}
