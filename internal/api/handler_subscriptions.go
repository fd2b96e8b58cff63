package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/justinsiek/Maker-Safe/internal/logger"
	"github.com/justinsiek/Maker-Safe/internal/model"
)

type putSubscriptionRequest struct {
	Endpoint           string   `json:"endpoint" binding:"required"`
	P256DH             string   `json:"p256dh" binding:"required"`
	Auth               string   `json:"auth" binding:"required"`
	SubscribedStations []string `json:"subscribed_stations"`
}

// PutSubscription handles the creation or replacement of a subscription.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	subscription := model.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	}

	err := h.store.DB().WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(&subscription).Error; err != nil {
			return err
		}

		stations := []*model.Station{}
		if len(req.SubscribedStations) > 0 {
			if err := tx.Where("id IN ?", req.SubscribedStations).Find(&stations).Error; err != nil {
				return err
			}
		}

		return tx.Model(&subscription).Association("Stations").Replace(stations)
	})

	if err != nil {
		logger.WithRequestID(h.log, c).Error("failed to save subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}

	c.Status(http.StatusCreated)
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription handles the deletion of a subscription.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	err := h.store.DB().WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		sub := model.PushSubscription{Endpoint: req.Endpoint}
		if err := tx.Model(&sub).Association("Stations").Clear(); err != nil {
			return err
		}
		return tx.Delete(&sub).Error
	})
	if err != nil {
		logger.WithRequestID(h.log, c).Error("failed to delete subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete subscription"})
		return
	}

	c.Status(http.StatusNoContent)
}

// rawQueryParam returns a query value without URL decoding; push endpoints are
// stored exactly as the browser reported them.
func rawQueryParam(rawQuery, key string) (string, bool) {
	for _, kv := range strings.Split(rawQuery, "&") {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

// GetSubscription returns the stations a subscription receives alerts for.
func (h *Handler) GetSubscription(c *gin.Context) {
	raw, ok := rawQueryParam(c.Request.URL.RawQuery, "endpoint")
	if !ok || raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	var subscription model.PushSubscription
	err := h.store.DB().WithContext(c.Request.Context()).
		Preload("Stations").
		First(&subscription, "endpoint = ?", raw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	if err != nil {
		logger.WithRequestID(h.log, c).Error("failed to load subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load subscription"})
		return
	}

	stationIDs := make([]string, len(subscription.Stations))
	for i, station := range subscription.Stations {
		stationIDs[i] = station.ID
	}

	c.JSON(http.StatusOK, gin.H{"subscribed_stations": stationIDs})
}
