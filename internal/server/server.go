// Package server assembles and runs the chatrelay service: the message
// store handle, the broadcast hub, the intake and replay pipelines, and the
// HTTP front end.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server owns the process-lifetime collaborators. The store handle is opened
// once here and injected by reference into ingest and replay.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	store    MessageStore
	hub      *Hub
	ingest   *Ingest
	replayer *Replayer
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	// baseCtx outlives individual connections; in-flight appends and
	// replays are cancelled only at process shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New opens the message store and wires the relay components together. The
// caller owns the returned server and must Shutdown it.
func New(cfg Config, log zerolog.Logger) (*Server, error) {
	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	hub := NewHub(cfg, log)
	origins := newOriginChecker(cfg.AllowedOrigins, log)

	s := &Server{
		cfg:      cfg,
		log:      log,
		store:    store,
		hub:      hub,
		ingest:   NewIngest(baseCtx, store, hub, log),
		replayer: NewReplayer(store, hub, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	return s, nil
}

// StartHub launches the hub event loop. Call before serving traffic.
func (s *Server) StartHub() {
	go s.hub.Run()
	s.log.Info().Msg("hub started and ready to manage websocket connections")
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.httpSrv = newHTTPServer(s.cfg.Addr(), s.Routes())
	s.log.Info().Str("addr", s.cfg.Addr()).Msg("server listening")

	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, drains the hub, and closes the
// store, each bounded by the configured shutdown timeout.
func (s *Server) Shutdown() error {
	s.log.Info().Msg("shutting down")

	var errs []error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("http server shutdown error")
			errs = append(errs, err)
		}
		cancel()
	}

	if err := s.hub.Shutdown(s.cfg.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}

	// Cancel in-flight appends and replays only after the hub drained.
	s.cancel()

	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("store close error")
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		s.log.Info().Msg("shutdown completed")
	}
	return errors.Join(errs...)
}
