// Package api wires the HTTP routes of the bot manager.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-bot-manager/internal/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures the HTTP server wiring.
type Options struct {
	APIToken       string
	GraphQLHandler http.Handler
}

// Server wraps the Gin engine and associated configuration.
type Server struct {
	engine *gin.Engine
}

// NewServer constructs a Server with all HTTP routes configured.
func NewServer(handler *handlers.Handler, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), requestLogger())

	// Health + meta
	engine.GET("/healthz", handler.Health)
	engine.GET("/system/info", handler.SystemInfo)
	engine.GET("/openapi", handler.OpenAPISpec)
	engine.GET("/events", handler.StreamEvents)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/status", handler.GetStatus)

	protected := engine.Group("/")
	protected.Use(authMiddleware(opts.APIToken))

	// Container lifecycle
	protected.POST("/start", handler.StartContainer)
	protected.POST("/stop", handler.StopContainer)
	protected.POST("/restart", handler.RestartContainer)
	protected.POST("/update-data", handler.UpdateData)
	protected.POST("/rebuild", handler.Rebuild)
	protected.GET("/logs", handler.GetLogs)

	// Data files
	protected.GET("/data", handler.ListData)
	protected.GET("/data/*name", handler.GetData)
	protected.DELETE("/data/*name", handler.DeleteData)

	// Jobs + audit trail
	protected.GET("/jobs", handler.ListJobs)
	protected.GET("/jobs/:id", handler.GetJob)
	protected.GET("/jobs/:id/logs", handler.JobLogs)
	protected.DELETE("/jobs", handler.DeleteJobs)
	protected.GET("/history", handler.ListHistory)
	protected.DELETE("/history", handler.ClearHistory)

	if opts.GraphQLHandler != nil {
		protected.GET("/graphql", gin.WrapH(opts.GraphQLHandler))
		protected.POST("/graphql", gin.WrapH(opts.GraphQLHandler))
	}

	return &Server{engine: engine}
}

// Engine exposes the underlying Gin engine for advanced use (testing, etc.).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start launches the HTTP server on the provided address. WriteTimeout is
// left unset: rebuilds and the event stream outlive any fixed deadline.
func (s *Server) Start(addr string, errCh chan<- error) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return srv
}
