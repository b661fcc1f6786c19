package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_EveryRunsTask(t *testing.T) {
	s := NewScheduler(nil)

	var runs atomic.Int32
	require.NoError(t, s.Every("tick", time.Second, func(context.Context) { runs.Add(1) }))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_RejectsDuplicateAndBadInput(t *testing.T) {
	s := NewScheduler(nil)
	noop := func(context.Context) {}

	require.NoError(t, s.Every("reaper", time.Second, noop))
	assert.Error(t, s.Every("reaper", time.Second, noop))
	assert.Error(t, s.Every("zero", 0, noop))
	assert.Error(t, s.Cron("bad", "not a cron expr", noop))
	assert.NoError(t, s.Cron("hourly", "@hourly", noop))
	assert.NoError(t, s.Cron("five", "*/5 * * * *", noop))

	assert.ElementsMatch(t, []string{"reaper", "hourly", "five"}, s.Tasks())

	s.Remove("reaper")
	s.Remove("missing")
	assert.ElementsMatch(t, []string{"hourly", "five"}, s.Tasks())
}
