package dashboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/justinsiek/Maker-Safe/internal/source"
	"github.com/justinsiek/Maker-Safe/internal/state"
)

func startManager(t *testing.T, src *fakeSource, rec Recorder) *Manager {
	t.Helper()
	opts := Options{Logger: zap.NewNop(), ReconnectDelay: 10 * time.Millisecond}
	if rec != nil {
		opts.Recorder = rec
	}
	m := NewManager(src, opts)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		m.Close()
		cancel()
	})
	return m
}

func TestManager_ViewBeforeStart(t *testing.T) {
	m := NewManager(newFakeSource(), Options{})
	view := m.View()
	assert.NotNil(t, view.Makers)
	assert.Empty(t, view.Makers)
	assert.False(t, view.Loaded)

	_, err := m.Reset(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestManager_ResetSuccess(t *testing.T) {
	src := newFakeSource()
	src.resetResult = &source.ResetResult{Success: true, Message: "System reset successfully"}
	rec := &fakeRecorder{}
	m := startManager(t, src, rec)

	src.events <- mustEvent(t, state.EventMakerCheckedIn, adaCheckIn)
	waitFor(t, func() bool { return len(m.View().Makers) == 1 })
	old := m.Current()

	res, err := m.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "System reset successfully", res.Message)

	assert.NotSame(t, old, m.Current())
	assert.True(t, old.Reconciler().Disposed())
	assert.Empty(t, old.Reconciler().View().Makers)
	assert.Empty(t, m.View().Makers)
	assert.True(t, rec.has(recorderCall{op: "reconcile"}))

	// The fresh session loads its own snapshot.
	src.snapshots <- snapshotResult{snap: &state.Snapshot{
		Makers: []state.SnapshotMaker{{ID: "9", DisplayName: "Grace Hopper"}},
	}}
	waitFor(t, func() bool { return m.View().Loaded })
	require.Len(t, m.View().Makers, 1)
	assert.Equal(t, "9", m.View().Makers[0].ID)
}

func TestManager_ResetFailureKeepsState(t *testing.T) {
	src := newFakeSource()
	src.resetErr = &source.ResetError{StatusCode: 500, Message: "database locked"}
	m := startManager(t, src, nil)

	src.events <- mustEvent(t, state.EventMakerCheckedIn, adaCheckIn)
	waitFor(t, func() bool { return len(m.View().Makers) == 1 })
	current := m.Current()

	_, err := m.Reset(context.Background())
	var resetErr *source.ResetError
	require.ErrorAs(t, err, &resetErr)
	assert.Equal(t, "database locked", resetErr.Message)

	assert.Same(t, current, m.Current())
	assert.False(t, current.Reconciler().Disposed())
	assert.Len(t, m.View().Makers, 1)
	assert.Equal(t, int32(1), src.resets.Load())
}

func TestManager_ResetAfterClose(t *testing.T) {
	src := newFakeSource()
	src.resetResult = &source.ResetResult{Success: true}
	m := NewManager(src, Options{})
	m.Start(context.Background())
	m.Close()

	_, err := m.Reset(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, src.resets.Load())
	assert.True(t, m.Current().Reconciler().Disposed())
}

func TestHub_CoalescesAndUnsubscribes(t *testing.T) {
	hub := NewHub(nil)
	ch, unsubscribe := hub.Subscribe()
	assert.Equal(t, 1, hub.Len())

	hub.Notify()
	hub.Notify()
	<-ch
	select {
	case <-ch:
		t.Fatal("notifications should coalesce")
	default:
	}

	unsubscribe()
	unsubscribe()
	assert.Zero(t, hub.Len())
	hub.Notify()
	select {
	case <-ch:
		t.Fatal("unsubscribed view was notified")
	default:
	}
}
