// Package server exposes the executor core over HTTP for `hermit serve`.
//
// Routes:
//
//	POST /v1/actions               submit an action and wait for its result
//	GET  /v1/actions/:fingerprint  stored cache entry
//	PUT  /v1/blobs                 add a blob to the content store
//	GET  /v1/blobs/:digest         read a blob
//	GET  /v1/stats                 cache counters
//	GET  /v1/events                WebSocket stream of executor events
//	GET  /metrics                  Prometheus metrics
//	GET  /healthz                  liveness and database health
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/config"
	"github.com/openfroyo/hermit/pkg/engine"
)

// Server serves the executor API.
type Server struct {
	core   *engine.Core
	cfg    config.ServerConfig
	logger zerolog.Logger
	router *gin.Engine
}

// New creates a server for core.
func New(core *engine.Core, cfg config.ServerConfig, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		core:   core,
		cfg:    cfg,
		logger: logger.With().Str("component", "server").Logger(),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery(), requestID(), accessLog(s.logger))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(s.core.Telemetry().Metrics.Handler()))

	v1 := s.router.Group("/v1")
	{
		v1.POST("/actions", s.submit)
		v1.GET("/actions/:fingerprint", s.getEntry)
		v1.PUT("/blobs", s.putBlob)
		v1.GET("/blobs/:digest", s.getBlob)
		v1.GET("/stats", s.stats)
		v1.GET("/events", s.events)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info().Dur("timeout", timeout).Msg("Server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
