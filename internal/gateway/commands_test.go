package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/chorus/internal/diagnostics"
	"github.com/crystaldolphin/chorus/internal/session"
)

func TestCommand_Help(t *testing.T) {
	h := newHarness(t, EchoRunner{})

	h.gw.Dispatch(context.Background(), inbound("/help"))

	oc := h.nextSend(t)
	assert.Contains(t, oc.Text, "/stop")
	assert.Empty(t, h.rec.OfType(diagnostics.TypeMessageQueued))
	assert.Len(t, h.rec.OfType(diagnostics.TypeWebhookProcessed), 1)
}

func TestCommand_StatusWithoutActivity(t *testing.T) {
	h := newHarness(t, EchoRunner{})

	h.gw.Dispatch(context.Background(), inbound("/status"))

	assert.Equal(t, "No activity yet.", h.nextSend(t).Text)
}

func TestCommand_NewSession(t *testing.T) {
	h := newHarness(t, EchoRunner{})
	msg := inbound("/new")
	h.sessions.Enqueued(msg.SessionKey(), 1)

	h.gw.Dispatch(context.Background(), msg)

	assert.Equal(t, "New session started.", h.nextSend(t).Text)
	snap, ok := h.sessions.Get(msg.SessionKey())
	require.True(t, ok)
	assert.NotEmpty(t, snap.ID)
}

func TestCommand_StopAbortsRunningTurn(t *testing.T) {
	running := make(chan struct{})
	h := newHarness(t, runnerFunc(func(ctx context.Context, _ AgentRequest) (AgentReply, error) {
		close(running)
		<-ctx.Done()
		return AgentReply{}, ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.scheduler.Start(ctx))

	h.gw.Dispatch(ctx, inbound("long task"))
	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not start")
	}
	h.gw.Dispatch(ctx, inbound("queued behind"))

	h.gw.Dispatch(ctx, inbound("/stop"))
	assert.Equal(t, "Stopped. Dropped 1 queued message(s).", h.nextSend(t).Text)

	require.Eventually(t, func() bool {
		return len(h.rec.OfType(diagnostics.TypeMessageProcessed)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	ev := h.rec.OfType(diagnostics.TypeMessageProcessed)[0].(diagnostics.MessageProcessed)
	assert.Equal(t, diagnostics.OutcomeAborted, ev.Outcome)

	require.Eventually(t, func() bool {
		snap, ok := h.sessions.Get(inbound("").SessionKey())
		return ok && snap.State == session.StateIdle
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.scheduler.Stop(context.Background()))
}

func TestCommand_StopWithNothingRunning(t *testing.T) {
	h := newHarness(t, EchoRunner{})

	h.gw.Dispatch(context.Background(), inbound("/stop"))

	assert.Equal(t, "Nothing to stop.", h.nextSend(t).Text)
}
