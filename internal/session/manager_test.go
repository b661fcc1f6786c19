package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/chorus/internal/diagnostics"
	"github.com/crystaldolphin/chorus/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *diagnostics.Recorder, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	bus := diagnostics.NewBus(diagnostics.WithSubscriberTimeout(0))
	rec := &diagnostics.Recorder{}
	bus.Subscribe(rec.Handle)
	m := NewManager(bus, append([]Option{WithClock(clock.Now)}, opts...)...)
	return m, rec, clock
}

func states(rec *diagnostics.Recorder) []string {
	var out []string
	for _, ev := range rec.OfType(diagnostics.TypeSessionState) {
		st := ev.(diagnostics.SessionState)
		out = append(out, st.PrevState+">"+st.State+":"+st.Reason)
	}
	return out
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateIdle, StateQueued))
	assert.True(t, CanTransition(StateQueued, StateProcessing))
	assert.True(t, CanTransition(StateProcessing, StateError))
	assert.True(t, CanTransition(StateError, StateIdle))

	assert.False(t, CanTransition(StateProcessing, StateProcessing))
	assert.False(t, CanTransition(StateIdle, StateProcessing))
	assert.False(t, CanTransition(StateIdle, StateIdle))
	assert.False(t, CanTransition(StateError, StateProcessing))
}

func TestManager_SuccessfulRun(t *testing.T) {
	m, rec, _ := newTestManager(t)
	cmd := &queue.Command{ID: "c1", SessionKey: "telegram:acct1:42"}

	m.Enqueued(cmd.SessionKey, 1)
	m.Started(cmd, 1)

	snap, ok := m.Get(cmd.SessionKey)
	require.True(t, ok)
	assert.Equal(t, StateProcessing, snap.State)
	assert.Equal(t, 1, snap.Attempt)
	assert.Equal(t, "c1", snap.RunID)

	m.Finished(cmd, 0, nil)

	snap, _ = m.Get(cmd.SessionKey)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, 0, snap.QueueDepth)
	assert.Equal(t, []string{
		"idle>queued:enqueued",
		"queued>processing:dequeued",
		"processing>idle:completed",
	}, states(rec))

	attempts := rec.OfType(diagnostics.TypeRunAttempt)
	require.Len(t, attempts, 1)
	assert.Equal(t, diagnostics.RunAttempt{SessionKey: cmd.SessionKey, RunID: "c1", Attempt: 1}, attempts[0])
}

func TestManager_MorePendingGoesBackToQueued(t *testing.T) {
	m, rec, _ := newTestManager(t)
	c1 := &queue.Command{ID: "c1", SessionKey: "k"}
	c2 := &queue.Command{ID: "c2", SessionKey: "k"}

	m.Enqueued("k", 1)
	m.Enqueued("k", 2)
	m.Started(c1, 2)
	m.Finished(c1, 1, nil)
	m.Started(c2, 1)

	snap, _ := m.Get("k")
	assert.Equal(t, 2, snap.Attempt)
	assert.Equal(t, []string{
		"idle>queued:enqueued",
		"queued>processing:dequeued",
		"processing>queued:completed",
		"queued>processing:dequeued",
	}, states(rec))
}

func TestManager_FailureReturnsToIdle(t *testing.T) {
	m, rec, _ := newTestManager(t)
	cmd := &queue.Command{ID: "c1", SessionKey: "k"}

	m.Enqueued("k", 1)
	m.Enqueued("k", 2)
	m.Started(cmd, 2)
	m.Finished(cmd, 1, errors.New("model overloaded"))

	snap, _ := m.Get("k")
	assert.Equal(t, StateQueued, snap.State)
	assert.Equal(t, "model overloaded", snap.LastError)
	assert.Equal(t, []string{
		"idle>queued:enqueued",
		"queued>processing:dequeued",
		"processing>error:error",
		"error>idle:error",
		"idle>queued:pending",
	}, states(rec))
}

func TestManager_AbortedReason(t *testing.T) {
	m, rec, _ := newTestManager(t)
	cmd := &queue.Command{ID: "c1", SessionKey: "k"}

	m.Enqueued("k", 1)
	m.Started(cmd, 1)
	m.Finished(cmd, 0, errors.Join(queue.ErrAborted, context.Canceled))

	got := states(rec)
	assert.Equal(t, "processing>error:aborted", got[2])
	assert.Equal(t, "error>idle:aborted", got[3])
}

func TestManager_InvalidTransitionForcesIdle(t *testing.T) {
	m, rec, _ := newTestManager(t)
	cmd := &queue.Command{ID: "c1", SessionKey: "k"}
	m.Enqueued("k", 1)
	m.Started(cmd, 1)

	err := m.Transition("k", StateProcessing, "retry")

	var invalid *InvalidStateTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateProcessing, invalid.From)
	assert.Equal(t, StateProcessing, invalid.To)

	snap, _ := m.Get("k")
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, 0, snap.Attempt)
	got := states(rec)
	assert.Equal(t, "processing>idle:invalid_transition", got[len(got)-1])

	assert.ErrorIs(t, m.Transition("missing", StateIdle, ""), ErrSessionNotFound)
}

func TestManager_FinishOnIdleSessionIsInvalid(t *testing.T) {
	m, rec, _ := newTestManager(t)
	cmd := &queue.Command{ID: "c1", SessionKey: "k"}
	m.Enqueued("k", 1)
	m.Cleared("k", 0)

	m.Finished(cmd, 0, nil)

	snap, _ := m.Get("k")
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, []string{
		"idle>queued:enqueued",
		"queued>idle:cleared",
	}, states(rec), "no event for a rejected idle -> idle move")
}

func TestManager_StuckDetection(t *testing.T) {
	const threshold = 50 * time.Millisecond
	m, rec, clock := newTestManager(t, WithStuckThreshold(threshold))
	cmd := &queue.Command{ID: "c1", SessionKey: "k"}
	m.Enqueued("k", 1)
	m.Enqueued("k", 2)
	m.Started(cmd, 2)

	clock.Advance(threshold)
	assert.Equal(t, 0, m.Sweep(clock.Now()), "age equal to the threshold is not stuck")

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, m.Sweep(clock.Now()))

	stuck := rec.OfType(diagnostics.TypeSessionStuck)
	require.Len(t, stuck, 1)
	ev := stuck[0].(diagnostics.SessionStuck)
	assert.Equal(t, "k", ev.SessionKey)
	assert.Equal(t, "processing", ev.State)
	assert.Equal(t, 2, ev.QueueDepth)
	assert.GreaterOrEqual(t, ev.AgeMs, threshold.Milliseconds())

	snap, _ := m.Get("k")
	assert.True(t, snap.Stuck)
	assert.Equal(t, StateProcessing, snap.State, "detection does not terminate the run")

	// one event per sweep while it stays stuck
	assert.Equal(t, 1, m.Sweep(clock.Now()))
	assert.Len(t, rec.OfType(diagnostics.TypeSessionStuck), 2)
}

func TestManager_OnlyProcessingSessionsGetStuck(t *testing.T) {
	m, rec, clock := newTestManager(t, WithStuckThreshold(time.Millisecond))
	m.Enqueued("k", 1)

	clock.Advance(time.Hour)
	assert.Equal(t, 0, m.Sweep(clock.Now()))
	assert.Empty(t, rec.OfType(diagnostics.TypeSessionStuck))
}

func TestManager_SessionIDAndCounts(t *testing.T) {
	m, rec, _ := newTestManager(t)
	assert.ErrorIs(t, m.SetSessionID("k", "s1"), ErrSessionNotFound)

	m.Enqueued("k", 1)
	m.Enqueued("j", 1)
	require.NoError(t, m.SetSessionID("k", "s1"))
	require.NoError(t, m.SetThinkingLevel("k", "high"))
	m.Started(&queue.Command{ID: "c", SessionKey: "k"}, 1)

	snap, _ := m.Get("k")
	assert.Equal(t, "s1", snap.ID)
	assert.Equal(t, "high", snap.ThinkingLevel)
	last := rec.OfType(diagnostics.TypeSessionState)
	assert.Equal(t, "s1", last[len(last)-1].(diagnostics.SessionState).SessionID)

	assert.Equal(t, map[State]int{StateQueued: 1, StateProcessing: 1}, m.Counts())
	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "j", list[0].Key)
}

func TestManager_DrivenByScheduler(t *testing.T) {
	bus := diagnostics.NewBus(diagnostics.WithSubscriberTimeout(0))
	rec := &diagnostics.Recorder{}
	bus.Subscribe(rec.Handle)
	m := NewManager(bus)

	var inHandler []State
	var mu sync.Mutex
	done := make(chan struct{}, 3)
	s := queue.NewScheduler(func(_ context.Context, cmd *queue.Command) error {
		snap, _ := m.Get(cmd.SessionKey)
		mu.Lock()
		inHandler = append(inHandler, snap.State)
		mu.Unlock()
		done <- struct{}{}
		if cmd.Payload == "fail" {
			return errors.New("boom")
		}
		return nil
	}, queue.WithLifecycle(m), queue.WithEvents(bus))

	for _, p := range []string{"ok", "fail", "ok"} {
		_, err := s.Enqueue("k", p)
		require.NoError(t, err)
	}
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	for range 3 {
		<-done
	}

	require.Eventually(t, func() bool {
		snap, _ := m.Get("k")
		return snap.State == StateIdle
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []State{StateProcessing, StateProcessing, StateProcessing}, inHandler)
	mu.Unlock()
	assert.Len(t, rec.OfType(diagnostics.TypeRunAttempt), 3)
}

func TestManager_ShutdownMidRunIsAborted(t *testing.T) {
	m, rec, _ := newTestManager(t)

	started := make(chan struct{})
	s := queue.NewScheduler(func(ctx context.Context, _ *queue.Command) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, queue.WithLifecycle(m))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	for range 3 {
		_, err := s.Enqueue("k", "turn")
		require.NoError(t, err)
	}
	<-started

	cancel()
	require.NoError(t, s.Stop(t.Context()))

	snap, _ := m.Get("k")
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, 0, snap.QueueDepth)
	assert.Equal(t, queue.Stats{Lanes: 1}, s.Stats())

	got := states(rec)
	require.Len(t, got, 4)
	assert.Equal(t, []string{
		"idle>queued:enqueued",
		"queued>processing:dequeued",
		"processing>error:aborted",
		"error>idle:aborted",
	}, got)
}
