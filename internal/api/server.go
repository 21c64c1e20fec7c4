// Package api is the HTTP surface of the dispatcher: batch and single
// enqueue, campaign pause/resume/cancel, queue stats, health. Everything
// except /health sits behind a bearer token.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// Server represents the API server
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
	log     *logger.Logger
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, h *Handlers) *Server {
	return &Server{
		config:  cfg,
		handler: SetupRoutes(h, cfg.AuthToken),
		log:     logger.Component("api"),
	}
}

// ListenAndServe starts the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.GetHost(), s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info("api server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
