package logger

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/justinsiek/Maker-Safe/config"
)

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// New creates a zap logger from the log section of the configuration.
func New(cfg *config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Level == "debug" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	} else {
		zc.Encoding = "json"
	}

	zc.EncoderConfig.LevelKey = "level"
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.MessageKey = "message"

	return zc.Build()
}

// WithRequestID returns a logger carrying the request id stored on the gin context.
func WithRequestID(l *zap.Logger, c *gin.Context) *zap.Logger {
	if rid := c.GetString(RequestIDKey); rid != "" {
		return l.With(zap.String("request_id", rid))
	}
	return l
}
