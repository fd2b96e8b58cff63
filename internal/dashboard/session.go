// Package dashboard runs the reconciler of a live dashboard: it feeds the snapshot and
// the event stream into one ordered inbox and reacts to what each message changed.
package dashboard

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justinsiek/Maker-Safe/internal/metrics"
	"github.com/justinsiek/Maker-Safe/internal/notification"
	"github.com/justinsiek/Maker-Safe/internal/source"
	"github.com/justinsiek/Maker-Safe/internal/state"
)

// Source is the upstream makerspace server.
type Source interface {
	FetchSnapshot(ctx context.Context) (*state.Snapshot, error)
	Subscribe(ctx context.Context, handle func(state.Event)) error
	Reset(ctx context.Context) (*source.ResetResult, error)
}

// Recorder persists what the dashboard observes.
type Recorder interface {
	SyncCatalog(ctx context.Context, makers []state.Maker, stations []state.Station) error
	RecordViolation(ctx context.Context, v state.Violation) error
	OpenStationSession(ctx context.Context, stationID, makerID, makerName string, at time.Time) error
	CloseStationSession(ctx context.Context, stationID string, at time.Time) error
	ReconcileSessions(ctx context.Context, stations []state.Station, now time.Time) error
}

// Alerter delivers violation alerts.
type Alerter interface {
	Dispatch(alert notification.Alert) bool
}

// Options holds the collaborators shared by every session of a Manager.
// Recorder, Alerter and Metrics are optional.
type Options struct {
	Recorder       Recorder
	Alerter        Alerter
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	Location       *time.Location
	ReconnectDelay time.Duration
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// message is one inbox entry: an event, or the outcome of the snapshot fetch.
type message struct {
	event    *state.Event
	snapshot *state.Snapshot
	err      error
}

// Session is one mounted dashboard: a Reconciler plus the goroutines feeding it.
type Session struct {
	rec   *state.Reconciler
	src   Source
	hub   *Hub
	opts  Options
	log   *zap.Logger
	inbox chan message

	// catalog is the last maker and station naming written to the Recorder.
	// Only the apply loop touches it.
	catalog map[string]string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewSession creates a session that is not yet running.
func NewSession(src Source, hub *Hub, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		rec: state.New(
			state.WithLogger(opts.Logger.Named("state")),
			state.WithLocation(opts.Location),
			state.WithClock(opts.Now),
		),
		src:   src,
		hub:   hub,
		opts:  opts,
		log:   opts.Logger,
		inbox: make(chan message, 64),
		done:  make(chan struct{}),
	}
}

// Reconciler returns the session's state owner.
func (s *Session) Reconciler() *state.Reconciler {
	return s.rec
}

// Run fetches the snapshot and subscribes to events concurrently, then applies the
// inbox in arrival order until ctx ends or Close is called.
func (s *Session) Run(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	defer close(s.done)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.fetchSnapshot(ctx)
	}()
	go func() {
		defer wg.Done()
		s.subscribe(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			s.handle(ctx, msg)
		}
	}
}

// Close stops the session and disposes its Reconciler. Messages still in flight,
// including a snapshot that resolves later, are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	cancel, started := s.cancel, s.started
	s.started = true
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started && cancel != nil {
		<-s.done
	}
	s.rec.Dispose()
}

func (s *Session) post(ctx context.Context, msg message) {
	select {
	case s.inbox <- msg:
	case <-ctx.Done():
	}
}

func (s *Session) fetchSnapshot(ctx context.Context) {
	snap, err := s.src.FetchSnapshot(ctx)
	if ctx.Err() != nil {
		return
	}
	s.post(ctx, message{snapshot: snap, err: err})
}

// subscribe keeps the event stream open, reconnecting after the configured delay.
func (s *Session) subscribe(ctx context.Context) {
	for {
		err := s.src.Subscribe(ctx, func(ev state.Event) {
			s.post(ctx, message{event: &ev})
		})
		if ctx.Err() != nil {
			return
		}
		s.opts.Metrics.RecordStreamConnect(err)
		if err != nil {
			s.log.Warn("event stream failed", zap.Error(err))
		} else {
			s.log.Info("event stream closed by upstream")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.ReconnectDelay):
		}
	}
}

func (s *Session) handle(ctx context.Context, msg message) {
	if msg.event != nil {
		s.applyEvent(ctx, *msg.event)
		return
	}
	s.applySnapshot(ctx, msg.snapshot, msg.err)
}

func (s *Session) applySnapshot(ctx context.Context, snap *state.Snapshot, err error) {
	if err == nil && snap == nil {
		err = errors.New("empty snapshot")
	}
	if err != nil {
		s.opts.Metrics.RecordSnapshot(err)
		s.log.Error("failed to load snapshot", zap.Error(err))
		if ferr := s.rec.FailLoad(err); ferr == nil {
			s.notify()
		}
		return
	}

	if err := s.rec.LoadSnapshot(*snap); err != nil {
		return
	}
	s.opts.Metrics.RecordSnapshot(nil)
	s.notify()

	view := s.rec.View()
	s.log.Info("snapshot loaded",
		zap.Int("makers", len(view.Makers)),
		zap.Int("stations", len(view.Stations)),
		zap.Int("violations", len(view.Violations)))

	if s.opts.Recorder == nil {
		return
	}
	s.syncCatalog(ctx, view)
	if err := s.opts.Recorder.ReconcileSessions(ctx, view.Stations, s.opts.Now()); err != nil {
		s.log.Error("failed to reconcile station sessions", zap.Error(err))
	}
	for _, v := range view.Violations {
		if err := s.opts.Recorder.RecordViolation(ctx, v); err != nil {
			s.log.Error("failed to record violation", zap.String("violation_id", v.ID), zap.Error(err))
		}
	}
}

func (s *Session) applyEvent(ctx context.Context, ev state.Event) {
	eff, err := s.rec.Apply(ev)
	if err != nil {
		return
	}
	s.opts.Metrics.RecordEvent(string(ev.Type), len(eff.Skipped) > 0)
	if !eff.Changed {
		return
	}
	s.notify()
	s.persist(ctx, eff)

	if eff.Violation != nil {
		s.opts.Metrics.RecordViolation()
		s.alert(*eff.Violation)
	}
}

// syncCatalog writes maker and station names when they differ from the last
// successful write.
func (s *Session) syncCatalog(ctx context.Context, view state.View) {
	next := make(map[string]string, len(view.Makers)+len(view.Stations))
	for _, m := range view.Makers {
		next["m:"+m.ID] = m.DisplayName + "\x00" + m.ExternalLabel
	}
	for _, st := range view.Stations {
		next["s:"+st.ID] = st.Name
	}
	if maps.Equal(next, s.catalog) {
		return
	}
	if err := s.opts.Recorder.SyncCatalog(ctx, view.Makers, view.Stations); err != nil {
		s.log.Error("failed to sync catalog", zap.Error(err))
		return
	}
	s.catalog = next
}

func (s *Session) persist(ctx context.Context, eff state.Effect) {
	if s.opts.Recorder == nil {
		return
	}
	now := s.opts.Now()

	switch eff.Event {
	case state.EventMakerCheckedIn, state.EventStationEntered, state.EventViolationDetected:
		s.syncCatalog(ctx, s.rec.View())
	case state.EventSystemReset:
		if err := s.opts.Recorder.ReconcileSessions(ctx, nil, now); err != nil {
			s.log.Error("failed to close station sessions", zap.Error(err))
		}
	}

	for _, rel := range eff.Released {
		if err := s.opts.Recorder.CloseStationSession(ctx, rel.StationID, now); err != nil {
			s.log.Error("failed to close station session",
				zap.String("station_id", rel.StationID), zap.Error(err))
		}
	}
	if eff.Entered != nil {
		name := ""
		if m, ok := s.rec.Maker(eff.Entered.MakerID); ok {
			name = m.DisplayName
		}
		if err := s.opts.Recorder.OpenStationSession(ctx, eff.Entered.StationID, eff.Entered.MakerID, name, now); err != nil {
			s.log.Error("failed to open station session",
				zap.String("station_id", eff.Entered.StationID), zap.Error(err))
		}
	}
	if eff.Violation != nil {
		if err := s.opts.Recorder.RecordViolation(ctx, *eff.Violation); err != nil {
			s.log.Error("failed to record violation",
				zap.String("violation_id", eff.Violation.ID), zap.Error(err))
		}
	}
}

func (s *Session) alert(v state.Violation) {
	if s.opts.Alerter == nil || v.StationID == "" {
		return
	}
	s.opts.Alerter.Dispatch(notification.Alert{
		ViolationID: v.ID,
		StationID:   v.StationID,
		MakerName:   v.Name,
		Location:    v.Location,
		Label:       v.Label,
		Severity:    string(v.Severity),
	})
}

func (s *Session) notify() {
	if s.hub != nil {
		s.hub.Notify()
	}
}
