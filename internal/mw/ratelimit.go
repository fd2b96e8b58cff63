package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// IPRateLimiter stores a rate limiter for each client IP. Limiters of clients that
// stay quiet for idleTTL are evicted.
type IPRateLimiter struct {
	limiters *cache.Cache
	mu       sync.Mutex
	r        rate.Limit
	b        int
	idleTTL  time.Duration
}

// NewIPRateLimiter creates a new IPRateLimiter.
func NewIPRateLimiter(r rate.Limit, b int, idleTTL time.Duration) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: cache.New(idleTTL, 2*idleTTL),
		r:        r,
		b:        b,
		idleTTL:  idleTTL,
	}
}

// GetLimiter returns the rate limiter for an IP address, creating it on first use.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	if v, found := i.limiters.Get(ip); found {
		limiter := v.(*rate.Limiter)
		i.limiters.Set(ip, limiter, i.idleTTL)
		return limiter
	}
	limiter := rate.NewLimiter(i.r, i.b)
	i.limiters.Set(ip, limiter, i.idleTTL)
	return limiter
}

// Len returns the number of tracked clients.
func (i *IPRateLimiter) Len() int {
	return i.limiters.ItemCount()
}

// RateLimiter is a middleware for IP-based rate limiting.
func RateLimiter(r rate.Limit, b int) gin.HandlerFunc {
	limiter := NewIPRateLimiter(r, b, 10*time.Minute)
	return func(c *gin.Context) {
		if !limiter.GetLimiter(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
