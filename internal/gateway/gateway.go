// Package gateway is the runtime that moves inbound messages through the
// lane queue to the agent and delivers the replies.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/cron"
	"github.com/crystaldolphin/chorus/internal/diagnostics"
	"github.com/crystaldolphin/chorus/internal/queue"
	"github.com/crystaldolphin/chorus/internal/session"
)

// DefaultStopTimeout bounds how long Run waits for in-flight turns after
// shutdown starts.
const DefaultStopTimeout = 10 * time.Second

// Gateway owns the inbound dispatcher and supervises the channel
// accounts, the lane scheduler and the periodic tasks.
type Gateway struct {
	inbound   *bus.MessageBus
	scheduler *queue.Scheduler
	sessions  *session.Manager
	manager   *channels.Manager
	cron      *cron.Scheduler
	events    *diagnostics.Bus
	processor *Processor
	logger    *slog.Logger

	stopTimeout time.Duration
}

func New(
	inbound *bus.MessageBus,
	scheduler *queue.Scheduler,
	sessions *session.Manager,
	manager *channels.Manager,
	cronSched *cron.Scheduler,
	events *diagnostics.Bus,
	processor *Processor,
	logger *slog.Logger,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		inbound:     inbound,
		scheduler:   scheduler,
		sessions:    sessions,
		manager:     manager,
		cron:        cronSched,
		events:      events,
		processor:   processor,
		logger:      logger.With("component", "gateway"),
		stopTimeout: DefaultStopTimeout,
	}
}

// Run starts everything and blocks until ctx is cancelled or a component
// fails. A clean shutdown returns nil.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.scheduler.Start(ctx); err != nil {
		return err
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.manager.StartAll(gctx) })
	eg.Go(func() error { return g.cron.Start(gctx) })
	eg.Go(func() error { return g.dispatchLoop(gctx) })
	g.logger.Info("gateway running", "channels", g.manager.EnabledChannels())

	err := eg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), g.stopTimeout)
	defer cancel()
	if serr := g.scheduler.Stop(stopCtx); serr != nil {
		g.logger.Warn("scheduler did not drain", "err", serr)
	}
	g.logger.Info("gateway stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (g *Gateway) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-g.inbound.InboundChan():
			g.Dispatch(ctx, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dispatch accounts for one inbound message and queues it on its session
// lane. Slash commands are answered directly.
func (g *Gateway) Dispatch(ctx context.Context, msg bus.InboundMessage) {
	channel := string(msg.Channel())
	g.events.Publish(diagnostics.WebhookReceived{
		Channel:    channel,
		UpdateType: msg.UpdateType(),
		ChatID:     msg.ChatId(),
	})
	g.logger.Debug("inbound", "channel", channel, "chat", msg.ChatId(), "preview", msg.Preview())

	if g.command(ctx, msg) {
		return
	}

	key := msg.SessionKey()
	ticket, err := g.scheduler.Enqueue(key, msg)
	if err != nil {
		g.logger.Warn("enqueue failed", "session", key, "err", err)
		g.events.Publish(diagnostics.WebhookError{
			Channel:    channel,
			UpdateType: msg.UpdateType(),
			ChatID:     msg.ChatId(),
			Error:      err.Error(),
		})
		return
	}
	g.events.Publish(diagnostics.MessageQueued{
		Channel:    channel,
		Source:     "dispatch",
		SessionKey: key,
		QueueDepth: ticket.Depth,
	})
}
