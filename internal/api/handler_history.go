package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/justinsiek/Maker-Safe/internal/format"
	"github.com/justinsiek/Maker-Safe/internal/logger"
	"github.com/justinsiek/Maker-Safe/internal/store"
)

const maxPageSize = 200

// ListViolations returns one page of the archived violation log, newest first.
func (h *Handler) ListViolations(c *gin.Context) {
	page, err := intQuery(c, "page", 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pageSize, err := intQuery(c, "pageSize", 50)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	result, err := h.store.ListViolations(c.Request.Context(), page, pageSize)
	if err != nil {
		logger.WithRequestID(h.log, c).Error("failed to list violations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list violations"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetStationSummaries returns per-station violation and session counts.
func (h *Handler) GetStationSummaries(c *gin.Context) {
	summaries, err := h.store.StationSummaries(c.Request.Context())
	if err != nil {
		logger.WithRequestID(h.log, c).Error("failed to summarize stations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to summarize stations"})
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// GetStationSession reports who held a station at the time given by ?at=
// (RFC 3339, defaults to now).
func (h *Handler) GetStationSession(c *gin.Context) {
	stationID := c.Param("station_id")

	at := h.now()
	if raw := c.Query("at"); raw != "" {
		parsed, err := format.ParseTimestamp(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'at' timestamp"})
			return
		}
		at = parsed
	}

	session, err := h.store.StationHistory(c.Request.Context(), stationID, at)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session at that time"})
		return
	}
	if err != nil {
		logger.WithRequestID(h.log, c).Error("failed to load station session",
			zap.String("station_id", stationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load station session"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("'" + key + "' must be a positive integer")
	}
	return n, nil
}
