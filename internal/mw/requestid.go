package mw

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/justinsiek/Maker-Safe/internal/logger"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID reuses the caller's X-Request-ID or generates one, stores it on the
// context for logging and echoes it in the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(logger.RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
