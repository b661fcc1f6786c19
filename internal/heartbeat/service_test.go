package heartbeat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/chorus/internal/cron"
	"github.com/crystaldolphin/chorus/internal/diagnostics"
	"github.com/crystaldolphin/chorus/internal/queue"
)

type fixedStats queue.Stats

func (f fixedStats) Stats() queue.Stats { return queue.Stats(f) }

func TestService_BeatCountsWebhooks(t *testing.T) {
	bus := diagnostics.NewBus(diagnostics.WithSubscriberTimeout(0))
	rec := &diagnostics.Recorder{}
	svc := NewService(bus, fixedStats{Lanes: 2, Queued: 3, Active: 1, Waiting: 2}, 0, nil)
	bus.Subscribe(rec.Handle)

	bus.Publish(diagnostics.WebhookReceived{Channel: "telegram"})
	bus.Publish(diagnostics.WebhookReceived{Channel: "telegram"})
	bus.Publish(diagnostics.WebhookProcessed{Channel: "telegram"})
	bus.Publish(diagnostics.WebhookError{Channel: "telegram", Error: "x"})

	hb := svc.Beat()

	assert.Equal(t, 3, hb.Queued)
	assert.Equal(t, 1, hb.Active)
	assert.Equal(t, 2, hb.Waiting)
	assert.Equal(t, &diagnostics.WebhookCounters{Received: 2, Processed: 1, Errors: 1}, hb.Webhooks)

	beats := rec.OfType(diagnostics.TypeHeartbeat)
	require.Len(t, beats, 1)
	assert.Equal(t, hb, beats[0])

	svc.Close()
	bus.Publish(diagnostics.WebhookReceived{})
	assert.Equal(t, int64(2), svc.Beat().Webhooks.Received)
}

func TestService_Register(t *testing.T) {
	bus := diagnostics.NewBus()
	svc := NewService(bus, fixedStats{}, 0, nil)
	sched := cron.NewScheduler(nil)

	require.NoError(t, svc.Register(sched))
	assert.Equal(t, []string{TaskName}, sched.Tasks())
}
