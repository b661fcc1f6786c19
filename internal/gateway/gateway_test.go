package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/config"
	"github.com/crystaldolphin/chorus/internal/cron"
	"github.com/crystaldolphin/chorus/internal/diagnostics"
	"github.com/crystaldolphin/chorus/internal/outbound"
	"github.com/crystaldolphin/chorus/internal/queue"
	"github.com/crystaldolphin/chorus/internal/session"
)

// runnerFunc adapts a function to AgentRunner.
type runnerFunc func(ctx context.Context, req AgentRequest) (AgentReply, error)

func (f runnerFunc) Run(ctx context.Context, req AgentRequest) (AgentReply, error) { return f(ctx, req) }

type harness struct {
	cfg       config.Config
	events    *diagnostics.Bus
	rec       *diagnostics.Recorder
	sessions  *session.Manager
	processor *Processor
	scheduler *queue.Scheduler
	inbound   *bus.MessageBus
	gw        *Gateway

	mu   sync.Mutex
	sent []channels.OutboundContext
	out  chan channels.OutboundContext
}

func newHarness(t *testing.T, runner AgentRunner) *harness {
	t.Helper()
	h := &harness{
		cfg:     config.DefaultConfig(),
		events:  diagnostics.NewBus(diagnostics.WithSubscriberTimeout(0)),
		rec:     &diagnostics.Recorder{},
		inbound: bus.NewMessageBus(8),
		out:     make(chan channels.OutboundContext, 16),
	}
	h.events.Subscribe(h.rec.Handle)

	registry := channels.NewRegistry(nil)
	require.NoError(t, registry.Register(&channels.Plugin{
		ID: "fake",
		Config: &channels.ConfigAdapter{
			ListAccountIds: func(*config.Config) []string { return []string{"main"} },
			ResolveAccount: func(_ *config.Config, id string) (channels.Account, error) {
				return channels.Account{AccountID: "main", Enabled: true, Configured: true, AllowFrom: []string{"chat-1"}}, nil
			},
		},
		Outbound: &channels.OutboundAdapter{
			DeliveryMode: channels.DeliveryDirect,
			SendText: func(_ context.Context, oc channels.OutboundContext) (channels.DeliveryResult, error) {
				h.mu.Lock()
				h.sent = append(h.sent, oc)
				h.mu.Unlock()
				h.out <- oc
				return channels.DeliveryResult{Channel: "fake", MessageID: "out-1", ChatID: oc.To}, nil
			},
		},
	}))
	registry.Freeze()

	orch := outbound.NewOrchestrator(registry, h.events)
	h.sessions = session.NewManager(h.events)
	h.processor = NewProcessor(&h.cfg, registry, orch, h.sessions, h.events, runner, nil)
	h.scheduler = queue.NewScheduler(h.processor.Handle,
		queue.WithLifecycle(h.sessions),
		queue.WithEvents(h.events))
	manager := channels.NewManager(registry, &h.cfg, h.inbound, nil)
	h.gw = New(h.inbound, h.scheduler, h.sessions, manager, cron.NewScheduler(nil), h.events, h.processor, nil)
	return h
}

func (h *harness) nextSend(t *testing.T) channels.OutboundContext {
	t.Helper()
	select {
	case oc := <-h.out:
		return oc
	case <-time.After(2 * time.Second):
		t.Fatal("no reply sent")
		return channels.OutboundContext{}
	}
}

func inbound(content string) bus.InboundMessage {
	msg := bus.NewInboundMessage("fake", "main", "user-1", "chat-1", content)
	msg.SetUpdateType("message")
	msg.SetMetadata(map[string]any{"message_id": 99, "thread_ts": "t-1"})
	return msg
}

func command(msg bus.InboundMessage) *queue.Command {
	return &queue.Command{ID: "run-1", SessionKey: msg.SessionKey(), Payload: msg}
}

func TestProcessor_RepliesToSourceChat(t *testing.T) {
	var got AgentRequest
	h := newHarness(t, runnerFunc(func(_ context.Context, req AgentRequest) (AgentReply, error) {
		got = req
		return AgentReply{
			Text:      "hello back",
			SessionID: "agent-session",
			Provider:  "p",
			Model:     "m",
			Usage:     &diagnostics.Usage{Input: 10, Output: 5, Total: 15},
		}, nil
	}))
	msg := inbound("hello")
	h.sessions.Enqueued(msg.SessionKey(), 1)

	require.NoError(t, h.processor.Handle(context.Background(), command(msg)))

	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "99", got.MessageID)
	assert.Equal(t, "fake", got.Channel)

	oc := h.nextSend(t)
	assert.Equal(t, "chat-1", oc.To)
	assert.Equal(t, "hello back", oc.Text)
	assert.Equal(t, "99", oc.ReplyTo)
	assert.Equal(t, "t-1", oc.ThreadId)

	snap, ok := h.sessions.Get(msg.SessionKey())
	require.True(t, ok)
	assert.Equal(t, "agent-session", snap.ID)

	usage := h.rec.OfType(diagnostics.TypeModelUsage)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(15), usage[0].(diagnostics.ModelUsage).Usage.Total)
	assert.Equal(t, "agent-session", usage[0].(diagnostics.ModelUsage).SessionID)

	processed := h.rec.OfType(diagnostics.TypeMessageProcessed)
	require.Len(t, processed, 1)
	assert.Equal(t, diagnostics.OutcomeCompleted, processed[0].(diagnostics.MessageProcessed).Outcome)
	assert.Len(t, h.rec.OfType(diagnostics.TypeWebhookProcessed), 1)
	assert.Len(t, h.rec.OfType(diagnostics.TypeDeliverySent), 1)
}

func TestProcessor_EmptyReplySendsNothing(t *testing.T) {
	h := newHarness(t, runnerFunc(func(context.Context, AgentRequest) (AgentReply, error) {
		return AgentReply{Text: "  "}, nil
	}))

	require.NoError(t, h.processor.Handle(context.Background(), command(inbound("hi"))))

	assert.Empty(t, h.sent)
	processed := h.rec.OfType(diagnostics.TypeMessageProcessed)
	require.Len(t, processed, 1)
	assert.Equal(t, diagnostics.OutcomeCompleted, processed[0].(diagnostics.MessageProcessed).Outcome)
}

func TestProcessor_RunnerError(t *testing.T) {
	boom := errors.New("boom")
	h := newHarness(t, runnerFunc(func(context.Context, AgentRequest) (AgentReply, error) {
		return AgentReply{}, boom
	}))

	err := h.processor.Handle(context.Background(), command(inbound("hi")))
	require.ErrorIs(t, err, boom)

	processed := h.rec.OfType(diagnostics.TypeMessageProcessed)
	require.Len(t, processed, 1)
	ev := processed[0].(diagnostics.MessageProcessed)
	assert.Equal(t, diagnostics.OutcomeError, ev.Outcome)
	assert.Contains(t, ev.Error, "boom")
	assert.Len(t, h.rec.OfType(diagnostics.TypeWebhookError), 1)
	assert.Empty(t, h.rec.OfType(diagnostics.TypeWebhookProcessed))
}

func TestProcessor_CancelledRunIsAborted(t *testing.T) {
	h := newHarness(t, runnerFunc(func(ctx context.Context, _ AgentRequest) (AgentReply, error) {
		<-ctx.Done()
		return AgentReply{}, ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.processor.Handle(ctx, command(inbound("hi")))
	require.ErrorIs(t, err, context.Canceled)

	processed := h.rec.OfType(diagnostics.TypeMessageProcessed)
	require.Len(t, processed, 1)
	assert.Equal(t, diagnostics.OutcomeAborted, processed[0].(diagnostics.MessageProcessed).Outcome)
}

func TestProcessor_RejectsForeignPayload(t *testing.T) {
	h := newHarness(t, EchoRunner{})
	err := h.processor.Handle(context.Background(), &queue.Command{ID: "x", SessionKey: "k", Payload: 42})
	assert.Error(t, err)
}

func TestGateway_DispatchQueuesAndReplies(t *testing.T) {
	h := newHarness(t, EchoRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.gw.Run(ctx) }()

	h.inbound.PublishInbound(inbound("ping"))
	oc := h.nextSend(t)
	assert.Equal(t, "ping", oc.Text)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not stop")
	}

	assert.Len(t, h.rec.OfType(diagnostics.TypeWebhookReceived), 1)
	queued := h.rec.OfType(diagnostics.TypeMessageQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].(diagnostics.MessageQueued).QueueDepth)
	assert.NotEmpty(t, h.rec.OfType(diagnostics.TypeSessionState))
}

func TestGateway_RunFailsWhenSchedulerStarted(t *testing.T) {
	h := newHarness(t, EchoRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.scheduler.Start(ctx))

	assert.Error(t, h.gw.Run(ctx))
}
