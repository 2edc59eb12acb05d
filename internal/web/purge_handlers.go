// internal/web/purge_handlers.go
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const purgeTimeout = 60 * time.Second

// POST /api/history/purge - drop expired and orphaned history now instead
// of waiting for the next janitor pass.
func (s *Server) purgeHistory(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), purgeTimeout)
	defer cancel()

	s.logger.Info("History purge requested")

	report, err := s.engine.PurgeHistory(ctx)
	if err != nil {
		s.logger.WithError(err).Error("History purge failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
			"data":  report,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "History purged successfully",
		"data":      report,
		"timestamp": time.Now(),
	})
}
