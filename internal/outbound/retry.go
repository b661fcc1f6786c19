package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/diagnostics"
)

// RetryPolicy bounds retries of one send call.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Timeout applies to each attempt; expiry counts as transient.
	Timeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// Backoff returns the wait before attempt n+1, for n >= 1:
// BaseBackoff doubled per attempt, capped at MaxBackoff.
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

type sendFunc func(ctx context.Context) (channels.DeliveryResult, error)

// sendInfo labels one logical send for events and logs.
type sendInfo struct {
	channel    string
	accountId  string
	to         string
	mode       channels.DeliveryMode
	chunk      int
	chunkCount int
}

// send runs fn under the retry policy and reports each attempt on the
// diagnostics bus. It returns the number of attempts made.
func (o *Orchestrator) send(ctx context.Context, info sendInfo, fn sendFunc) (channels.DeliveryResult, int, error) {
	maxAttempts := max(o.policy.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := o.policy.Backoff(attempt - 1)
			select {
			case <-ctx.Done():
				o.failed(info, attempt-1, true, ctx.Err())
				return channels.DeliveryResult{}, attempt - 1, fmt.Errorf("delivery to %s:%s: %w", info.channel, info.to, ctx.Err())
			case <-o.after(backoff):
			}
		}

		o.events.Publish(diagnostics.DeliveryAttempt{
			Channel:    info.channel,
			AccountID:  info.accountId,
			To:         info.to,
			Mode:       string(info.mode),
			Attempt:    attempt,
			Chunk:      info.chunk,
			ChunkCount: info.chunkCount,
		})

		start := o.now()
		res, err := o.attempt(ctx, fn)
		if err == nil {
			o.events.Publish(diagnostics.DeliverySent{
				Channel:    info.channel,
				AccountID:  info.accountId,
				To:         info.to,
				MessageID:  res.MessageID,
				Attempt:    attempt,
				DurationMs: o.now().Sub(start).Milliseconds(),
			})
			return res, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil || isPolicyError(err) || !IsTransient(err) {
			o.failed(info, attempt, false, err)
			o.logger.Error("delivery failed",
				"channel", info.channel,
				"to", info.to,
				"attempt", attempt,
				"err", err)
			var perm *PermanentDeliveryError
			if isPolicyError(err) || ctx.Err() != nil || errors.As(err, &perm) {
				return channels.DeliveryResult{}, attempt, err
			}
			return channels.DeliveryResult{}, attempt, Permanent(err)
		}

		o.logger.Warn("transient delivery failure, retrying",
			"channel", info.channel,
			"to", info.to,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"err", err)
	}

	o.failed(info, maxAttempts, true, lastErr)
	return channels.DeliveryResult{}, maxAttempts, &DeliveryFailedError{
		Channel:  info.channel,
		To:       info.to,
		Attempts: maxAttempts,
		Err:      lastErr,
	}
}

// attempt runs fn once under the per-attempt timeout, converting a panic
// in the adapter into a permanent error.
func (o *Orchestrator) attempt(ctx context.Context, fn sendFunc) (res channels.DeliveryResult, err error) {
	callCtx := ctx
	if o.policy.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.policy.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("outbound adapter panicked: %v", r))
		}
	}()
	return fn(callCtx)
}

func (o *Orchestrator) failed(info sendInfo, attempts int, transient bool, err error) {
	ev := diagnostics.DeliveryFailed{
		Channel:   info.channel,
		AccountID: info.accountId,
		To:        info.to,
		Attempts:  attempts,
		Transient: transient,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	o.events.Publish(ev)
}
