package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(c *gin.Context) {
	queueLen, err := s.db.GetQueueLength()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get queue length"})
		return
	}

	active := s.ctrl.ActiveProjects()
	c.JSON(http.StatusOK, gin.H{
		"queue_length":    queueLen,
		"active_runs":     len(active),
		"active_projects": active,
	})
}
