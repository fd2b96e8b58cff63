package logger

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/justinsiek/Maker-Safe/config"
)

func TestNew(t *testing.T) {
	l, err := New(&config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	l, err = New(&config.LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	_, err = New(&config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestWithRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	WithRequestID(base, c).Info("no id")
	c.Set(RequestIDKey, "abc-123")
	WithRequestID(base, c).Info("with id")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].ContextMap())
	assert.Equal(t, "abc-123", entries[1].ContextMap()["request_id"])
}
