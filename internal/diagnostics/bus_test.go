package diagnostics

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	b := NewBus()

	assert.NotPanics(t, func() {
		b.Publish(ModelUsage{Usage: Usage{Input: 120, Output: 30}})
	})
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	b := NewBus(WithSubscriberTimeout(0))

	var order []string
	b.Subscribe(func(Envelope) { order = append(order, "first") })
	b.Subscribe(func(Envelope) { order = append(order, "second") })
	b.Subscribe(func(Envelope) { order = append(order, "third") })

	b.Publish(RunAttempt{Attempt: 1})

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBus_PanickingSubscriberDoesNotStopOthers(t *testing.T) {
	for _, timeout := range []time.Duration{0, time.Second} {
		b := NewBus(WithSubscriberTimeout(timeout))

		rec := &Recorder{}
		b.Subscribe(func(Envelope) { panic("boom") })
		b.Subscribe(rec.Handle)

		assert.NotPanics(t, func() { b.Publish(Heartbeat{Queued: 3}) })
		require.Len(t, rec.Events(), 1, "timeout=%s", timeout)
		assert.Equal(t, Heartbeat{Queued: 3}, rec.Events()[0].Event)
	}
}

func TestBus_PreservesProducerOrder(t *testing.T) {
	b := NewBus()
	rec := &Recorder{}
	b.Subscribe(rec.Handle)

	for i := 1; i <= 50; i++ {
		b.Publish(RunAttempt{Attempt: i})
	}

	events := rec.Events()
	require.Len(t, events, 50)
	for i, env := range events {
		assert.Equal(t, i+1, env.Event.(RunAttempt).Attempt)
		if i > 0 {
			assert.Greater(t, env.Seq, events[i-1].Seq)
		}
	}
}

func TestBus_UnsubscribeFromInsideHandler(t *testing.T) {
	b := NewBus(WithSubscriberTimeout(0))

	calls := 0
	var unsubscribe func()
	unsubscribe = b.Subscribe(func(Envelope) {
		calls++
		unsubscribe()
	})
	rec := &Recorder{}
	b.Subscribe(rec.Handle)

	b.Publish(RunAttempt{Attempt: 1})
	b.Publish(RunAttempt{Attempt: 2})

	assert.Equal(t, 1, calls)
	assert.Len(t, rec.Events(), 2)
	assert.Equal(t, 1, b.SubscriberCount())

	assert.NotPanics(t, unsubscribe, "second unsubscribe is a no-op")
}

func TestBus_SlowSubscriberDoesNotStallProducer(t *testing.T) {
	b := NewBus(WithSubscriberTimeout(20 * time.Millisecond))

	release := make(chan struct{})
	var wg sync.WaitGroup
	calls := 0
	b.Subscribe(func(Envelope) {
		calls++
		if calls == 1 {
			// Overruns once and is flagged slow.
			time.Sleep(60 * time.Millisecond)
			return
		}
		defer wg.Done()
		<-release
	})
	rec := &Recorder{}
	b.Subscribe(rec.Handle)

	b.Publish(RunAttempt{Attempt: 1})

	wg.Add(1)
	start := time.Now()
	b.Publish(RunAttempt{Attempt: 2})
	// Still blocked on release, so this one is dropped for it.
	b.Publish(RunAttempt{Attempt: 3})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	assert.Len(t, rec.Events(), 3)

	close(release)
	wg.Wait()
}

func TestBus_NestedPublishReachesSameSubscriber(t *testing.T) {
	for _, timeout := range []time.Duration{0, DefaultSubscriberTimeout} {
		b := NewBus(WithSubscriberTimeout(timeout))

		var mu sync.Mutex
		var seen []EventType
		b.Subscribe(func(env Envelope) {
			mu.Lock()
			seen = append(seen, env.Type())
			mu.Unlock()
			if env.Type() == TypeWebhookReceived {
				b.Publish(WebhookProcessed{Channel: "telegram"})
			}
		})

		b.Publish(WebhookReceived{Channel: "telegram"})

		mu.Lock()
		assert.Equal(t, []EventType{TypeWebhookReceived, TypeWebhookProcessed}, seen, "timeout=%s", timeout)
		mu.Unlock()
	}
}

func TestBus_RemoveAllAndClose(t *testing.T) {
	b := NewBus()
	rec := &Recorder{}
	b.Subscribe(rec.Handle)
	b.Subscribe(rec.Handle)

	b.RemoveAll()
	b.Publish(RunAttempt{Attempt: 1})
	assert.Empty(t, rec.Events())

	b.Subscribe(rec.Handle)
	b.Publish(RunAttempt{Attempt: 2})
	assert.Len(t, rec.Events(), 1)

	b.Close()
	b.Subscribe(rec.Handle)
	b.Publish(RunAttempt{Attempt: 3})
	assert.Len(t, rec.Events(), 1)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestEnvelope_MarshalJSON(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	b := NewBus(WithClock(func() time.Time { return fixed }))
	rec := &Recorder{}
	b.Subscribe(rec.Handle)

	b.Publish(SessionStuck{SessionKey: "telegram:acct1:42", State: "processing", AgeMs: 1500})

	raw, err := json.Marshal(rec.Events()[0])
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "session.stuck", got["type"])
	assert.Equal(t, "telegram:acct1:42", got["sessionKey"])
	assert.EqualValues(t, 1500, got["ageMs"])
	assert.EqualValues(t, 1, got["seq"])
	assert.EqualValues(t, 1_700_000_000_000, got["ts"])
	assert.NotContains(t, got, "sessionId")
}

func TestEnvelope_RequiredFieldsAlwaysPresent(t *testing.T) {
	raw, err := json.Marshal(Envelope{Seq: 1, Event: Heartbeat{}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"queued":0`)

	raw, err = json.Marshal(Envelope{Seq: 2, Event: SessionStuck{}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ageMs":0`)
}
