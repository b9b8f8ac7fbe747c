package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": h.now().Unix()})
}

// Ready checks the store and reports the most recent collection run, if any.
func (h *Handler) Ready(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Readiness check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "database connection failed"})
		return
	}

	body := gin.H{"status": "ready", "time": h.now().Unix()}
	runs, err := h.store.ListRuns(ctx, "", 1)
	if err != nil {
		h.logger.Warn("Failed to read last collection run", zap.Error(err))
	} else if len(runs) > 0 {
		last := runs[0]
		body["last_collection"] = gin.H{
			"organization_id": last.OrganizationID,
			"status":          last.Status,
			"finished_at":     last.FinishedAt,
			"age_seconds":     int64(h.now().Sub(last.FinishedAt) / time.Second),
		}
	}
	c.JSON(http.StatusOK, body)
}
