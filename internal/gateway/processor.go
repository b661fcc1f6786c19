package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/config"
	"github.com/crystaldolphin/chorus/internal/diagnostics"
	"github.com/crystaldolphin/chorus/internal/outbound"
	"github.com/crystaldolphin/chorus/internal/queue"
	"github.com/crystaldolphin/chorus/internal/session"
	"github.com/crystaldolphin/chorus/internal/shared/stringutils"
)

// Processor runs one queued inbound message: agent turn, reply delivery
// and the accounting events around them. Handle is the scheduler's
// handler.
type Processor struct {
	cfg          *config.Config
	registry     *channels.Registry
	orchestrator *outbound.Orchestrator
	sessions     *session.Manager
	events       *diagnostics.Bus
	runner       AgentRunner
	logger       *slog.Logger
	now          func() time.Time
}

func NewProcessor(
	cfg *config.Config,
	registry *channels.Registry,
	orchestrator *outbound.Orchestrator,
	sessions *session.Manager,
	events *diagnostics.Bus,
	runner AgentRunner,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:          cfg,
		registry:     registry,
		orchestrator: orchestrator,
		sessions:     sessions,
		events:       events,
		runner:       runner,
		logger:       logger.With("component", "processor"),
		now:          time.Now,
	}
}

// Handle implements queue.Handler for bus.InboundMessage payloads.
func (p *Processor) Handle(ctx context.Context, cmd *queue.Command) error {
	msg, ok := cmd.Payload.(bus.InboundMessage)
	if !ok {
		return fmt.Errorf("unexpected payload %T", cmd.Payload)
	}
	start := p.now()
	snap, _ := p.sessions.Get(cmd.SessionKey)

	reply, err := p.runner.Run(ctx, AgentRequest{
		SessionKey: cmd.SessionKey,
		SessionID:  snap.ID,
		RunID:      cmd.ID,
		Channel:    string(msg.Channel()),
		AccountID:  msg.AccountId(),
		ChatID:     msg.ChatId(),
		SenderID:   msg.SenderId(),
		MessageID:  msg.MessageId(),
		Content:    msg.Content(),
		Media:      msg.Media(),
		Metadata:   msg.Metadata(),
	})
	if err != nil {
		err = fmt.Errorf("agent run: %w", err)
	}

	sessionID := snap.ID
	if err == nil {
		if reply.SessionID != "" && reply.SessionID != sessionID {
			sessionID = reply.SessionID
			if serr := p.sessions.SetSessionID(cmd.SessionKey, sessionID); serr != nil {
				p.logger.Warn("record session id failed", "session", cmd.SessionKey, "err", serr)
			}
		}
		p.publishUsage(msg, cmd.SessionKey, sessionID, reply, start)
		reply.Text = stringutils.StripThink(reply.Text)
		if !reply.empty() {
			if derr := p.send(ctx, msg, reply); derr != nil {
				err = fmt.Errorf("deliver reply: %w", derr)
			}
		}
	}

	p.finish(msg, cmd.SessionKey, sessionID, start, err)
	return err
}

func (p *Processor) publishUsage(msg bus.InboundMessage, key, sessionID string, reply AgentReply, start time.Time) {
	if reply.Usage == nil {
		return
	}
	p.events.Publish(diagnostics.ModelUsage{
		Channel:    string(msg.Channel()),
		Provider:   reply.Provider,
		Model:      reply.Model,
		Usage:      *reply.Usage,
		CostUSD:    reply.CostUSD,
		DurationMs: p.now().Sub(start).Milliseconds(),
		Context:    reply.Context,
		SessionKey: key,
		SessionID:  sessionID,
	})
}

// send delivers reply back to the chat msg came from.
func (p *Processor) send(ctx context.Context, msg bus.InboundMessage, reply AgentReply) error {
	channel := string(msg.Channel())
	var allowFrom []string
	if plugin, ok := p.registry.Plugin(channel); ok {
		if acct, err := channels.ResolveAccount(plugin, p.cfg, msg.AccountId()); err == nil {
			allowFrom = acct.AllowFrom
		}
	}
	threadID, _ := msg.Metadata()["thread_ts"].(string)

	_, err := p.orchestrator.Deliver(ctx, outbound.Request{
		Cfg:       p.cfg,
		Channel:   channel,
		AccountId: msg.AccountId(),
		To:        msg.ChatId(),
		Mode:      channels.TargetImplicit,
		AllowFrom: allowFrom,
		ReplyTo:   msg.MessageId(),
		ThreadId:  threadID,
		Payload:   channels.Payload{Text: reply.Text, MediaURLs: reply.MediaURLs},
	})
	return err
}

func (p *Processor) finish(msg bus.InboundMessage, key, sessionID string, start time.Time, err error) {
	channel := string(msg.Channel())
	elapsed := p.now().Sub(start).Milliseconds()

	ev := diagnostics.MessageProcessed{
		Channel:    channel,
		Outcome:    diagnostics.OutcomeCompleted,
		DurationMs: elapsed,
		SessionKey: key,
		SessionID:  sessionID,
		ChatID:     msg.ChatId(),
		MessageID:  msg.MessageId(),
	}
	if err != nil {
		ev.Outcome = diagnostics.OutcomeError
		ev.Error = err.Error()
		if errors.Is(err, context.Canceled) {
			ev.Outcome = diagnostics.OutcomeAborted
			ev.Reason = "cancelled"
		}
	}
	p.events.Publish(ev)

	if err != nil {
		p.logger.Warn("message failed", "session", key, "outcome", ev.Outcome, "err", err)
		p.events.Publish(diagnostics.WebhookError{
			Channel:    channel,
			UpdateType: msg.UpdateType(),
			ChatID:     msg.ChatId(),
			Error:      err.Error(),
		})
		return
	}
	p.events.Publish(diagnostics.WebhookProcessed{
		Channel:    channel,
		UpdateType: msg.UpdateType(),
		ChatID:     msg.ChatId(),
		DurationMs: elapsed,
	})
}
