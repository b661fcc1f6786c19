// Package heartbeat periodically publishes a diagnostic.heartbeat event
// summarising queue load and webhook traffic.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/crystaldolphin/chorus/internal/cron"
	"github.com/crystaldolphin/chorus/internal/diagnostics"
	"github.com/crystaldolphin/chorus/internal/queue"
)

// TaskName is the cron task name used by Register.
const TaskName = "diagnostic-heartbeat"

// StatsSource reports queue load. *queue.Scheduler implements it.
type StatsSource interface {
	Stats() queue.Stats
}

// Service counts webhook events seen on the bus and emits heartbeats.
type Service struct {
	events   *diagnostics.Bus
	stats    StatsSource
	interval time.Duration
	logger   *slog.Logger

	received  atomic.Int64
	processed atomic.Int64
	errors    atomic.Int64

	unsubscribe func()
}

// NewService creates a heartbeat service and starts counting webhook
// events on events. interval defaults to 30 seconds if zero.
func NewService(events *diagnostics.Bus, stats StatsSource, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		events:   events,
		stats:    stats,
		interval: interval,
		logger:   logger.With("component", "heartbeat"),
	}
	s.unsubscribe = events.Subscribe(s.count)
	return s
}

func (s *Service) count(env diagnostics.Envelope) {
	switch env.Event.(type) {
	case diagnostics.WebhookReceived:
		s.received.Add(1)
	case diagnostics.WebhookProcessed:
		s.processed.Add(1)
	case diagnostics.WebhookError:
		s.errors.Add(1)
	}
}

// Beat publishes one heartbeat and returns it.
func (s *Service) Beat() diagnostics.Heartbeat {
	st := s.stats.Stats()
	hb := diagnostics.Heartbeat{
		Webhooks: &diagnostics.WebhookCounters{
			Received:  s.received.Load(),
			Processed: s.processed.Load(),
			Errors:    s.errors.Load(),
		},
		Active:  st.Active,
		Waiting: st.Waiting,
		Queued:  st.Queued,
	}
	s.events.Publish(hb)
	if st.Queued > 0 || hb.Webhooks.Received > 0 {
		s.logger.Debug("heartbeat",
			"queued", st.Queued,
			"active", st.Active,
			"waiting", st.Waiting,
			"webhooks_received", hb.Webhooks.Received)
	}
	return hb
}

// Register schedules Beat on sched.
func (s *Service) Register(sched *cron.Scheduler) error {
	if err := sched.Every(TaskName, s.interval, func(context.Context) { s.Beat() }); err != nil {
		return fmt.Errorf("register heartbeat: %w", err)
	}
	s.logger.Info("heartbeat scheduled", "interval", s.interval)
	return nil
}

// Close stops counting webhook events.
func (s *Service) Close() {
	s.unsubscribe()
}
