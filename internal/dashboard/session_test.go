package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/justinsiek/Maker-Safe/internal/notification"
	"github.com/justinsiek/Maker-Safe/internal/source"
	"github.com/justinsiek/Maker-Safe/internal/state"
)

type snapshotResult struct {
	snap *state.Snapshot
	err  error
}

// fakeSource hands out snapshots and events through channels so tests control
// their relative order.
type fakeSource struct {
	snapshots  chan snapshotResult
	events     chan state.Event
	subscribes atomic.Int32

	// lateSnapshot makes FetchSnapshot answer only once its context ends.
	lateSnapshot *state.Snapshot

	resetResult *source.ResetResult
	resetErr    error
	resets      atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		snapshots: make(chan snapshotResult, 4),
		events:    make(chan state.Event, 16),
	}
}

func (f *fakeSource) FetchSnapshot(ctx context.Context) (*state.Snapshot, error) {
	if f.lateSnapshot != nil {
		<-ctx.Done()
		return f.lateSnapshot, nil
	}
	select {
	case r := <-f.snapshots:
		return r.snap, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSource) Subscribe(ctx context.Context, handle func(state.Event)) error {
	f.subscribes.Add(1)
	for {
		select {
		case ev, ok := <-f.events:
			if !ok {
				return nil
			}
			handle(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *fakeSource) Reset(ctx context.Context) (*source.ResetResult, error) {
	f.resets.Add(1)
	return f.resetResult, f.resetErr
}

type recorderCall struct {
	op        string
	stationID string
	makerID   string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recorderCall
}

func (r *fakeRecorder) add(c recorderCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *fakeRecorder) Calls() []recorderCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorderCall(nil), r.calls...)
}

func (r *fakeRecorder) has(c recorderCall) bool {
	for _, got := range r.Calls() {
		if got == c {
			return true
		}
	}
	return false
}

func (r *fakeRecorder) SyncCatalog(ctx context.Context, makers []state.Maker, stations []state.Station) error {
	r.add(recorderCall{op: "sync"})
	return nil
}

func (r *fakeRecorder) RecordViolation(ctx context.Context, v state.Violation) error {
	r.add(recorderCall{op: "violation", stationID: v.StationID, makerID: v.MakerID})
	return nil
}

func (r *fakeRecorder) OpenStationSession(ctx context.Context, stationID, makerID, makerName string, at time.Time) error {
	r.add(recorderCall{op: "open", stationID: stationID, makerID: makerID})
	return nil
}

func (r *fakeRecorder) CloseStationSession(ctx context.Context, stationID string, at time.Time) error {
	r.add(recorderCall{op: "close", stationID: stationID})
	return nil
}

func (r *fakeRecorder) ReconcileSessions(ctx context.Context, stations []state.Station, now time.Time) error {
	r.add(recorderCall{op: "reconcile"})
	return errors.New("database unavailable")
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (a *fakeAlerter) Dispatch(alert notification.Alert) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return true
}

func (a *fakeAlerter) Alerts() []notification.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notification.Alert(nil), a.alerts...)
}

func mustEvent(t *testing.T, typ state.EventType, payload any) state.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return state.Event{Type: typ, Data: data}
}

var (
	adaCheckIn = map[string]any{"id": 7, "display_name": "Ada Lovelace", "status": "active"}

	adaAtLaser = map[string]any{
		"maker":   map[string]any{"id": 7, "display_name": "Ada Lovelace"},
		"station": map[string]any{"id": 3, "name": "Laser Cutter"},
	}

	gogglesAtLaser = map[string]any{
		"violation": map[string]any{"id": "v1", "violation_type": "GOGGLES_NOT_WORN", "created_at": "2026-01-10T10:00:00Z"},
		"maker":     map[string]any{"id": 7},
		"station":   map[string]any{"id": 3},
	}
)

func startSession(t *testing.T, src *fakeSource, opts Options) *Session {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.ReconnectDelay = 10 * time.Millisecond
	s := NewSession(src, NewHub(nil), opts)
	go s.Run(context.Background())
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestSession_AppliesEventsThenSnapshot(t *testing.T) {
	src := newFakeSource()
	s := startSession(t, src, Options{})

	src.events <- mustEvent(t, state.EventMakerCheckedIn, adaCheckIn)
	src.events <- mustEvent(t, state.EventStationEntered, adaAtLaser)
	waitFor(t, func() bool { return s.Reconciler().Revision() >= 2 })

	// A snapshot taken before Ada arrived must not erase her.
	src.snapshots <- snapshotResult{snap: &state.Snapshot{
		Makers: []state.SnapshotMaker{{ID: "9", DisplayName: "Grace Hopper", Status: state.MakerIdle}},
	}}
	waitFor(t, func() bool { return s.Reconciler().View().Loaded })

	view := s.Reconciler().View()
	require.Len(t, view.Makers, 2)
	ada, ok := s.Reconciler().Maker("7")
	require.True(t, ok)
	assert.Equal(t, "3", *ada.StationID)
	_, ok = s.Reconciler().Maker("9")
	assert.True(t, ok)
}

func TestSession_SnapshotFailure(t *testing.T) {
	src := newFakeSource()
	s := startSession(t, src, Options{})

	src.snapshots <- snapshotResult{err: errors.New("upstream down")}
	waitFor(t, func() bool { return s.Reconciler().View().LoadError != "" })

	view := s.Reconciler().View()
	assert.False(t, view.Loaded)
	assert.Equal(t, "upstream down", view.LoadError)
	assert.Empty(t, view.Makers)

	src.events <- mustEvent(t, state.EventMakerCheckedIn, adaCheckIn)
	waitFor(t, func() bool {
		_, ok := s.Reconciler().Maker("7")
		return ok
	})
}

func TestSession_LateSnapshotDropped(t *testing.T) {
	src := newFakeSource()
	src.lateSnapshot = &state.Snapshot{
		Makers: []state.SnapshotMaker{{ID: "9", DisplayName: "Grace Hopper"}},
	}
	s := NewSession(src, NewHub(nil), Options{})
	go s.Run(context.Background())
	waitFor(t, func() bool { return src.subscribes.Load() == 1 })

	s.Close()

	assert.True(t, s.Reconciler().Disposed())
	view := s.Reconciler().View()
	assert.False(t, view.Loaded)
	assert.Empty(t, view.Makers)
}

func TestSession_CloseBeforeRun(t *testing.T) {
	src := newFakeSource()
	s := NewSession(src, NewHub(nil), Options{})
	s.Close()

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for a closed session")
	}
	assert.True(t, s.Reconciler().Disposed())
	assert.Zero(t, src.subscribes.Load())
}

func TestSession_PersistsAndAlerts(t *testing.T) {
	src := newFakeSource()
	rec := &fakeRecorder{}
	alerts := &fakeAlerter{}
	startSession(t, src, Options{Recorder: rec, Alerter: alerts})

	src.events <- mustEvent(t, state.EventStationEntered, adaAtLaser)
	src.events <- mustEvent(t, state.EventViolationDetected, gogglesAtLaser)
	src.events <- mustEvent(t, state.EventStationLeft, adaAtLaser)

	waitFor(t, func() bool { return rec.has(recorderCall{op: "close", stationID: "3"}) })
	assert.True(t, rec.has(recorderCall{op: "open", stationID: "3", makerID: "7"}))
	assert.True(t, rec.has(recorderCall{op: "violation", stationID: "3", makerID: "7"}))
	assert.True(t, rec.has(recorderCall{op: "sync"}))

	got := alerts.Alerts()
	require.Len(t, got, 1)
	assert.Equal(t, notification.Alert{
		ViolationID: "v1",
		StationID:   "3",
		MakerName:   "Ada Lovelace",
		Location:    "Laser Cutter",
		Label:       "Goggles Not Worn",
		Severity:    "high",
	}, got[0])
}

func (r *fakeRecorder) count(op string) int {
	n := 0
	for _, got := range r.Calls() {
		if got.op == op {
			n++
		}
	}
	return n
}

func TestSession_SyncsCatalogOnlyWhenNamesChange(t *testing.T) {
	src := newFakeSource()
	rec := &fakeRecorder{}
	startSession(t, src, Options{Recorder: rec})

	src.events <- mustEvent(t, state.EventMakerCheckedIn, adaCheckIn)
	src.events <- mustEvent(t, state.EventMakerCheckedIn, adaCheckIn)
	src.events <- mustEvent(t, state.EventViolationDetected, gogglesAtLaser)
	waitFor(t, func() bool { return rec.count("violation") == 1 })
	assert.Equal(t, 1, rec.count("sync"))

	src.events <- mustEvent(t, state.EventStationEntered, adaAtLaser)
	waitFor(t, func() bool { return rec.has(recorderCall{op: "open", stationID: "3", makerID: "7"}) })
	assert.Equal(t, 2, rec.count("sync"))
}

func TestSession_SkippedEventsKeepStreamRunning(t *testing.T) {
	src := newFakeSource()
	rec := &fakeRecorder{}
	s := startSession(t, src, Options{Recorder: rec})

	src.events <- state.Event{Type: state.EventStationEntered, Data: json.RawMessage(`{not json`)}
	src.events <- state.Event{Type: "lights_dimmed", Data: json.RawMessage(`{}`)}
	src.events <- mustEvent(t, state.EventMakerCheckedIn, adaCheckIn)

	waitFor(t, func() bool {
		_, ok := s.Reconciler().Maker("7")
		return ok
	})
	assert.Equal(t, uint64(1), s.Reconciler().Revision())
}

func TestSession_Resubscribes(t *testing.T) {
	src := newFakeSource()
	close(src.events)
	startSession(t, src, Options{})

	waitFor(t, func() bool { return src.subscribes.Load() >= 3 })
}

func TestSession_NotifiesHub(t *testing.T) {
	src := newFakeSource()
	hub := NewHub(nil)
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	s := NewSession(src, hub, Options{})
	go s.Run(context.Background())
	defer s.Close()

	src.events <- mustEvent(t, state.EventMakerCheckedIn, adaCheckIn)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
}
