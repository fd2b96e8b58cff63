package api

import (
	"context"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/justinsiek/Maker-Safe/internal/dashboard"
	"github.com/justinsiek/Maker-Safe/internal/source"
	"github.com/justinsiek/Maker-Safe/internal/state"
	"github.com/justinsiek/Maker-Safe/internal/store"
)

// Dashboard is the live reconciled state the handlers serve.
type Dashboard interface {
	View() state.View
	Hub() *dashboard.Hub
	Reset(ctx context.Context) (*source.ResetResult, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     store.Store
	dashboard Dashboard
	webpush   *webpush.Options
	log       *zap.Logger
	keepAlive time.Duration
	now       func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, d Dashboard, webpushOptions *webpush.Options, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:     s,
		dashboard: d,
		webpush:   webpushOptions,
		log:       log,
		keepAlive: 25 * time.Second,
		now:       time.Now,
	}
}
