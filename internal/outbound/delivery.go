// Package outbound turns "send this to X on channel C" into calls on the
// channel's outbound adapter: target resolution, chunking and retries.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/config"
	"github.com/crystaldolphin/chorus/internal/diagnostics"
)

// Request is one logical outbound message.
type Request struct {
	Cfg       *config.Config
	Channel   string
	AccountId string
	To        string
	Mode      channels.TargetMode
	AllowFrom []string
	ReplyTo   string
	ThreadId  string
	Payload   channels.Payload
}

// Result reports a completed delivery.
type Result struct {
	Channel  string
	To       string
	Mode     channels.DeliveryMode
	Results  []channels.DeliveryResult
	Attempts int
}

// Orchestrator delivers payloads through the registry's outbound adapters.
type Orchestrator struct {
	registry *channels.Registry
	events   *diagnostics.Bus
	policy   RetryPolicy
	logger   *slog.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now and time.After, for tests.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
		if after != nil {
			o.after = after
		}
	}
}

// NewOrchestrator creates an Orchestrator. events may be nil.
func NewOrchestrator(registry *channels.Registry, events *diagnostics.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		events:   events,
		policy:   DefaultRetryPolicy(),
		logger:   slog.Default(),
		now:      time.Now,
		after:    time.After,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "outbound")
	return o
}

// ResolveTarget asks the channel's adapter to vet req.To. Channels without
// a ResolveTarget accept the raw target.
func (o *Orchestrator) ResolveTarget(channel string, req channels.TargetRequest) channels.TargetResult {
	adapter, ok := o.registry.Outbound(channel)
	if !ok || adapter.ResolveTarget == nil {
		to := strings.TrimSpace(req.To)
		if to == "" {
			return channels.TargetResult{Err: &channels.TargetRejectedError{
				Channel: channel,
				Policy:  channels.PolicyMissingTarget,
				Reason:  "no target given",
			}}
		}
		return channels.TargetResult{OK: true, To: to}
	}
	res := adapter.ResolveTarget(req)
	if !res.OK && res.Err == nil {
		res.Err = &channels.TargetRejectedError{Channel: channel, To: req.To, Policy: "resolveTarget"}
	}
	return res
}

// Deliver sends req.Payload. Text longer than the adapter's chunk limit
// is split and each chunk is sent, and retried, on its own; the first
// chunk that fails ends the delivery.
func (o *Orchestrator) Deliver(ctx context.Context, req Request) (Result, error) {
	adapter, ok := o.registry.Outbound(req.Channel)
	if !ok {
		return Result{}, channels.Unsupported(req.Channel, "outbound")
	}
	if req.Mode == "" {
		req.Mode = channels.TargetExplicit
	}

	target := o.ResolveTarget(req.Channel, channels.TargetRequest{
		Cfg:       req.Cfg,
		To:        req.To,
		AllowFrom: req.AllowFrom,
		AccountId: req.AccountId,
		Mode:      req.Mode,
	})
	if !target.OK {
		return Result{}, target.Err
	}

	mode := adapter.DeliveryMode
	if mode == "" {
		mode = channels.DeliveryDirect
	}
	res := Result{Channel: req.Channel, To: target.To, Mode: mode}
	oc := channels.OutboundContext{
		Cfg:       req.Cfg,
		AccountId: req.AccountId,
		To:        target.To,
		ReplyTo:   req.ReplyTo,
		ThreadId:  req.ThreadId,
	}
	info := sendInfo{channel: req.Channel, accountId: req.AccountId, to: target.To, mode: mode}

	var calls []sendFunc
	p := req.Payload
	switch {
	case p.ChannelData != nil:
		if adapter.SendPayload == nil {
			return res, channels.Unsupported(req.Channel, "sendPayload")
		}
		calls = append(calls, func(ctx context.Context) (channels.DeliveryResult, error) {
			oc := oc
			oc.Text = p.Text
			return adapter.SendPayload(ctx, oc, p)
		})

	case p.Poll != nil:
		if adapter.SendPoll == nil {
			return res, channels.Unsupported(req.Channel, "sendPoll")
		}
		if err := validatePoll(req.Channel, *p.Poll, adapter.PollMaxOptions); err != nil {
			return res, err
		}
		poll := *p.Poll
		calls = append(calls, func(ctx context.Context) (channels.DeliveryResult, error) {
			return adapter.SendPoll(ctx, oc, poll)
		})

	case len(p.MediaURLs) > 0:
		if adapter.SendMedia == nil {
			return res, channels.Unsupported(req.Channel, "sendMedia")
		}
		for i, url := range p.MediaURLs {
			oc := oc
			oc.MediaURL = url
			if i == 0 {
				oc.Text = p.Text
			}
			calls = append(calls, func(ctx context.Context) (channels.DeliveryResult, error) {
				return adapter.SendMedia(ctx, oc)
			})
		}

	case p.Text != "":
		if adapter.SendText == nil {
			return res, channels.Unsupported(req.Channel, "sendText")
		}
		chunks := []string{p.Text}
		if adapter.TextChunkLimit > 0 {
			chunks = Chunker(adapter)(p.Text, adapter.TextChunkLimit)
		}
		for _, c := range chunks {
			oc := oc
			oc.Text = c
			calls = append(calls, func(ctx context.Context) (channels.DeliveryResult, error) {
				return adapter.SendText(ctx, oc)
			})
		}

	default:
		return res, errors.New("outbound: empty payload")
	}

	info.chunkCount = len(calls)
	for i, call := range calls {
		info.chunk = i + 1
		dr, attempts, err := o.send(ctx, info, call)
		res.Attempts += attempts
		if err != nil {
			return res, err
		}
		if dr.Channel == "" {
			dr.Channel = req.Channel
		}
		res.Results = append(res.Results, dr)
	}

	o.logger.Debug("delivered",
		"channel", req.Channel,
		"to", target.To,
		"mode", mode,
		"parts", len(res.Results),
		"attempts", res.Attempts)
	return res, nil
}

func validatePoll(channel string, poll channels.Poll, maxOptions int) error {
	if strings.TrimSpace(poll.Question) == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidPoll)
	}
	var options int
	for _, opt := range poll.Options {
		if strings.TrimSpace(opt) != "" {
			options++
		}
	}
	if options < 2 {
		return fmt.Errorf("%w: need at least 2 options, got %d", ErrInvalidPoll, options)
	}
	if maxOptions > 0 && options > maxOptions {
		return channels.Unsupported(channel, fmt.Sprintf("poll with %d options (max %d)", options, maxOptions))
	}
	if poll.MaxSelections < 0 || poll.MaxSelections > options {
		return fmt.Errorf("%w: maxSelections %d out of range", ErrInvalidPoll, poll.MaxSelections)
	}
	return nil
}
