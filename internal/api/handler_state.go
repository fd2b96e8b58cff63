package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/justinsiek/Maker-Safe/internal/dashboard"
	"github.com/justinsiek/Maker-Safe/internal/logger"
	"github.com/justinsiek/Maker-Safe/internal/source"
)

// GetState returns the current reconciled view.
func (h *Handler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.dashboard.View())
}

// StreamState pushes the view as an SSE "state" event on connect and after every
// change. A "ping" event keeps idle connections open.
func (h *Handler) StreamState(c *gin.Context) {
	updates, unsubscribe := h.dashboard.Hub().Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	c.SSEvent("state", h.dashboard.View())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-updates:
			c.SSEvent("state", h.dashboard.View())
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"time": h.now().UTC()})
			return true
		}
	})
}

// Reset asks the upstream server to reset and, on success, restarts the dashboard.
func (h *Handler) Reset(c *gin.Context) {
	res, err := h.dashboard.Reset(c.Request.Context())
	if err != nil {
		log := logger.WithRequestID(h.log, c)
		var resetErr *source.ResetError
		switch {
		case errors.As(err, &resetErr):
			msg := resetErr.Message
			if msg == "" {
				msg = resetErr.Error()
			}
			log.Warn("upstream rejected reset", zap.Int("status", resetErr.StatusCode), zap.String("error", msg))
			c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": msg})
		case errors.Is(err, source.ErrResetUnavailable), errors.Is(err, dashboard.ErrNotStarted), errors.Is(err, dashboard.ErrClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": err.Error()})
		default:
			log.Error("reset failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": res.Message})
}

// Healthz reports liveness, the load state of the dashboard and database reachability.
func (h *Handler) Healthz(c *gin.Context) {
	view := h.dashboard.View()
	body := gin.H{
		"status":   "ok",
		"loaded":   view.Loaded,
		"revision": view.Revision,
	}

	if h.store != nil {
		sqlDB, err := h.store.DB().DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}

	c.JSON(http.StatusOK, body)
}
