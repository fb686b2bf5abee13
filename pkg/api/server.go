// Package api exposes the HTTP surface: search dispatch, the SSE event
// stream, audit log access, health, and metrics.
package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/cascade-search/rlm/pkg/config"
	"github.com/cascade-search/rlm/pkg/services"
	"github.com/cascade-search/rlm/pkg/session"
)

// Server holds the handler dependencies.
type Server struct {
	cfg      *config.Config
	svc      *services.SearchService
	sessions *session.Manager
	metrics  *Metrics
	log      *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, svc *services.SearchService, sessions *session.Manager) *Server {
	return &Server{
		cfg:      cfg,
		svc:      svc,
		sessions: sessions,
		metrics:  NewMetrics(svc),
		log:      slog.Default(),
	}
}

// Router builds the gin engine with all routes registered. Health and
// metrics stay unauthenticated so probes work without credentials.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.Health)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	authed := r.Group("/", s.RequireAPIKey())
	authed.POST("/search", s.StartSearch)
	authed.POST("/search/:id/cancel", s.CancelSearch)
	authed.GET("/search/:id/stream", s.StreamSearch)
	authed.DELETE("/session/:id", s.DeleteSession)
	authed.GET("/logs/recent", s.RecentLogs)
	authed.GET("/logs/:id", s.GetLog)
	authed.DELETE("/logs/:id", s.DeleteLog)

	return r
}
