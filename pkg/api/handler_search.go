package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cascade-search/rlm/pkg/services"
	"github.com/cascade-search/rlm/pkg/session"
)

// SearchRequest is the POST /search body.
type SearchRequest struct {
	Query     string          `json:"query" binding:"required"`
	SessionID string          `json:"session_id"`
	Settings  *SearchSettings `json:"settings"`
}

// SearchSettings are per-search overrides.
type SearchSettings struct {
	MaxIterations int `json:"max_iterations"`
	Context       any `json:"context"`
}

// StartSearch handles POST /search.
func (s *Server) StartSearch(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := services.StartRequest{Query: req.Query, SessionID: req.SessionID}
	if req.Settings != nil {
		start.MaxIterations = req.Settings.MaxIterations
		start.Context = req.Settings.Context
	}

	result, err := s.svc.StartSearch(start)
	switch {
	case errors.Is(err, services.ErrPoolFull):
		s.metrics.Rejected("pool_full")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many active searches"})
		return
	case errors.Is(err, session.ErrUnknown):
		s.metrics.Rejected("unknown_session")
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	case errors.Is(err, session.ErrBusy):
		s.metrics.Rejected("session_busy")
		c.JSON(http.StatusConflict, gin.H{"error": "session has an active search"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.metrics.Started()
	c.JSON(http.StatusOK, result)
}

// CancelSearch handles POST /search/:id/cancel.
func (s *Server) CancelSearch(c *gin.Context) {
	if !s.svc.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown search"})
		return
	}
	s.metrics.Cancelled()
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// DeleteSession handles DELETE /session/:id.
func (s *Server) DeleteSession(c *gin.Context) {
	err := s.sessions.Delete(c.Param("id"))
	switch {
	case errors.Is(err, session.ErrUnknown):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
	case errors.Is(err, session.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "session has an active search"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}
