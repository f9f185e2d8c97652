// Package api serves collected experiment results over HTTP: a small
// JSON API backed by the store, plus static serving of the artifact
// directory.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/config"
	"github.com/ethpandaops/flakeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error

	// Wait blocks until the server fails or the context is cancelled.
	Wait(ctx context.Context) error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	limiter    *rateLimiterMap
	httpServer *http.Server
	errCh      chan error
}

// NewServer creates a new API server over the given store.
func NewServer(log logrus.FieldLogger, cfg *config.Config, st store.Store) Server {
	return &server{
		log:   log.WithField("component", "api"),
		cfg:   cfg,
		store: st,
		errCh: make(chan error, 1),
	}
}

// Start builds the router and starts listening.
func (s *server) Start(ctx context.Context) error {
	if s.cfg.API.RateLimit.Enabled {
		s.limiter = newRateLimiterMap(s.cfg.API.RateLimit.RequestsPerMinute)
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.WithField("listen", s.cfg.API.Listen).Info("API server listening")

		if err := s.httpServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
	}()

	return nil
}

func (s *server) Wait(ctx context.Context) error {
	select {
	case err := <-s.errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}

	s.log.Debug("API server stopped")

	return nil
}
