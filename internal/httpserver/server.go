// Package httpserver exposes the pipeline over a small JSON API: upload
// and queue work, poll jobs, and read the derived aggregates, findings
// and error groups.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logamizer/logamizer/internal/analytics"
	"github.com/logamizer/logamizer/internal/blob"
	"github.com/logamizer/logamizer/internal/journal"
	"github.com/logamizer/logamizer/internal/model"
	"github.com/logamizer/logamizer/internal/store"
)

// Enqueuer queues journaled pipeline work. The jobs manager implements
// this.
type Enqueuer interface {
	Enqueue(ctx context.Context, req journal.Request) (model.Job, error)
}

// Server provides the HTTP API over the stores and the job queue.
type Server struct {
	addr      string
	meta      *store.Store
	analytics *analytics.Store
	blobs     *blob.Store
	queue     Enqueuer
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, meta *store.Store, an *analytics.Store, blobs *blob.Store, queue Enqueuer) *Server {
	if addr == "" {
		addr = "0.0.0.0:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		meta:      meta,
		analytics: an,
		blobs:     blobs,
		queue:     queue,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/jobs/:id", s.handleGetJob)
	r.POST("/api/sites/:id/ingest", s.handleIngest)
	r.POST("/api/sites/:id/reanalyze", s.handleReanalyze)
	r.POST("/api/files/:id/analyze-errors", s.handleAnalyzeErrors)
	r.GET("/api/sites/:id/aggregates", s.handleAggregates)
	r.GET("/api/sites/:id/findings", s.handleFindings)
	r.GET("/api/sites/:id/errors", s.handleErrorGroups)

	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.router(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	sites, err := s.meta.ListSites(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
		"sites":  len(sites),
	})
}
