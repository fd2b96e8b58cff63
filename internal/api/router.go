package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/justinsiek/Maker-Safe/config"
	"github.com/justinsiek/Maker-Safe/internal/metrics"
	"github.com/justinsiek/Maker-Safe/internal/mw"
	"github.com/justinsiek/Maker-Safe/internal/store"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg *config.ServerConfig, s store.Store, d Dashboard, webpushOptions *webpush.Options, log *zap.Logger, m *metrics.Metrics) *gin.Engine {
	r := gin.New()
	if cfg.RequestIPHeader != "" {
		r.TrustedPlatform = cfg.RequestIPHeader
	}
	r.Use(gin.Recovery(), mw.RequestID(), mw.AccessLog(log), mw.Metrics(m))

	handler := NewHandler(s, d, webpushOptions, log)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	// Archive queries change slowly; live state is never cached.
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl)

	r.GET("/healthz", handler.Healthz)
	r.GET("/metrics", gin.WrapH(m.Handler()))

	// API group
	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/state", handler.GetState)
		api.GET("/stream", handler.StreamState)
		api.POST("/reset", handler.Reset)

		api.GET("/violations", caching, handler.ListViolations)
		api.GET("/stations/summary", caching, handler.GetStationSummaries)
		api.GET("/stations/:station_id/sessions", caching, handler.GetStationSession)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
