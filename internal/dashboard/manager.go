package dashboard

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/justinsiek/Maker-Safe/internal/source"
	"github.com/justinsiek/Maker-Safe/internal/state"
)

var (
	// ErrNotStarted is returned by Reset before Start has been called.
	ErrNotStarted = errors.New("dashboard: manager not started")
	// ErrClosed is returned by Reset after Close.
	ErrClosed = errors.New("dashboard: manager closed")
)

// Manager keeps the current session and replaces it after a reset.
type Manager struct {
	src  Source
	hub  *Hub
	opts Options
	log  *zap.Logger

	mu      sync.RWMutex
	ctx     context.Context
	current *Session
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a Manager. Call Start to mount the first session.
func NewManager(src Source, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		src:  src,
		hub:  NewHub(opts.Metrics),
		opts: opts,
		log:  opts.Logger,
	}
}

// Start mounts the first session. Sessions stop when ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil || m.closed {
		return
	}
	m.ctx = ctx
	m.current = m.launch(ctx)
}

func (m *Manager) launch(ctx context.Context) *Session {
	s := NewSession(m.src, m.hub, m.opts)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.Run(ctx)
	}()
	return s
}

// Current returns the active session, or nil before Start.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Hub returns the change notification hub shared by all sessions.
func (m *Manager) Hub() *Hub {
	return m.hub
}

// View returns a copy of the current session's state.
func (m *Manager) View() state.View {
	s := m.Current()
	if s == nil {
		return state.View{Makers: []state.Maker{}, Stations: []state.Station{}, Violations: []state.Violation{}}
	}
	return s.Reconciler().View()
}

// Reset asks the upstream to reset. On success the current state is cleared and a
// fresh session is mounted; on failure the state is left untouched.
func (m *Manager) Reset(ctx context.Context) (*source.ResetResult, error) {
	m.mu.RLock()
	started, closed := m.current != nil, m.closed
	m.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}
	if closed {
		return nil, ErrClosed
	}

	res, err := m.src.Reset(ctx)
	if err != nil {
		m.log.Warn("reset failed", zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	old := m.current
	if err := old.Reconciler().Clear(); err != nil && !errors.Is(err, state.ErrDisposed) {
		m.log.Warn("failed to clear state", zap.Error(err))
	}
	old.Close()

	if m.opts.Recorder != nil {
		if err := m.opts.Recorder.ReconcileSessions(ctx, nil, m.opts.Now()); err != nil {
			m.log.Error("failed to close station sessions", zap.Error(err))
		}
	}
	m.current = m.launch(m.ctx)
	m.hub.Notify()

	m.log.Info("dashboard reset", zap.String("message", res.Message))
	return res, nil
}

// Close stops the current session and waits for every session goroutine to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	s := m.current
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
	m.wg.Wait()
}
