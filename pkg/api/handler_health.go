package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cascade-search/rlm/pkg/version"
)

// Health handles GET /health. The downstream retrieval API is probed
// with a short timeout; a failed probe degrades the status but keeps
// the response 200 so orchestrators do not restart this process for an
// external outage.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := gin.H{
		"status":          "ok",
		"version":         version.GitCommit,
		"cascade_api":     "ok",
		"cascade_url":     s.svc.CascadeURL(),
		"active_searches": s.svc.ActiveSearches(),
		"sessions":        s.sessions.Count(),
	}
	if err := s.svc.Health(ctx); err != nil {
		resp["status"] = "degraded"
		resp["cascade_api"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
