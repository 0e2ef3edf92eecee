// Package server exposes a read-only HTTP view of pipeline runs and streams
// lifecycle events over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/events"
	"github.com/roach88/speckit/internal/pipeline"
	"github.com/roach88/speckit/internal/store"
)

// Store is the read side the server queries directly.
type Store interface {
	ListRuns(ctx context.Context, specID string, limit int) ([]domain.PipelineState, error)
	QueryByRun(ctx context.Context, runID string) ([]domain.AgentExecution, error)
	QueryBySpecStage(ctx context.Context, specID string, stage domain.Stage) ([]domain.AgentExecution, error)
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + writeWait
)

// Server serves runs, agents, metrics and the event stream.
type Server struct {
	store     Store
	projector *pipeline.Projector
	hub       *events.Hub
	gatherer  prometheus.Gatherer
	engine    *gin.Engine
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer sets the metrics source for /metrics. Defaults to the global
// registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server. hub may be nil, in which case /events is not
// served.
func New(st Store, projector *pipeline.Projector, hub *events.Hub, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:     st,
		projector: projector,
		hub:       hub,
		gatherer:  prometheus.DefaultGatherer,
		engine:    gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	runs := s.engine.Group("/runs")
	{
		runs.GET("", s.listRuns)
		runs.GET("/:run_id", s.getRun)
		runs.GET("/:run_id/agents", s.runAgents)
	}
	s.engine.GET("/specs/:spec_id/stages/:stage/agents", s.stageAgents)

	if s.hub != nil {
		s.engine.GET("/events", s.streamEvents)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) listRuns(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(c.Request.Context(), c.Query("spec"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRun(c *gin.Context) {
	view, err := s.projector.View(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) runAgents(c *gin.Context) {
	rows, err := s.store.QueryByRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": rows})
}

func (s *Server) stageAgents(c *gin.Context) {
	stage, err := domain.ParseStage(c.Param("stage"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := s.store.QueryBySpecStage(c.Request.Context(), c.Param("spec_id"), stage)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": rows})
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}
