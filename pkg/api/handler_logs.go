package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cascade-search/rlm/pkg/audit"
)

// RecentLogs handles GET /logs/recent.
func (s *Server) RecentLogs(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	summaries, err := audit.Recent(s.cfg.AuditDir, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": summaries})
}

// GetLog handles GET /logs/:id. The id may be a prefix of a search id.
func (s *Server) GetLog(c *gin.Context) {
	id := c.Param("id")
	if !audit.ValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid log id"})
		return
	}
	lf, err := audit.Load(s.cfg.AuditDir, id)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.JSON(http.StatusNotFound, gin.H{"error": "log not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, lf)
	}
}

// DeleteLog handles DELETE /logs/:id.
func (s *Server) DeleteLog(c *gin.Context) {
	id := c.Param("id")
	if !audit.ValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid log id"})
		return
	}
	deleted, err := audit.Delete(s.cfg.AuditDir, id)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.JSON(http.StatusNotFound, gin.H{"error": "log not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	}
}
