// Package status serves liveness and cycle statistics over HTTP.
package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"anomalywatch/internal/service"
	"anomalywatch/internal/version"
)

const shutdownTimeout = 5 * time.Second

// StatsProvider exposes the service statistics served on /status.
type StatsProvider interface {
	Stats() service.Stats
}

// Server is a small gin server with /healthz and /status.
type Server struct {
	addr    string
	engine  *gin.Engine
	stats   StatsProvider
	started time.Time
	logger  zerolog.Logger
}

// New builds the status server. Routes are registered immediately so Handler can be
// used in tests without listening.
func New(addr string, stats StatsProvider, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:    addr,
		engine:  gin.New(),
		stats:   stats,
		started: time.Now().UTC(),
		logger:  logger.With().Str("component", "status_server").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.logRequests())
	s.engine.GET("/healthz", s.getHealth)
	s.engine.GET("/status", s.getStatus)
	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": version.Version,
		"uptime":  time.Since(s.started).Truncate(time.Second).String(),
		"service": s.stats.Stats(),
	})
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(started)).
			Msg("request served")
	}
}
