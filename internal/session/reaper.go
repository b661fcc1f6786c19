package session

import (
	"context"
	"fmt"
	"time"

	"github.com/crystaldolphin/chorus/internal/cron"
	"github.com/crystaldolphin/chorus/internal/diagnostics"
)

// ReaperTask is the cron task name used by RegisterReaper.
const ReaperTask = "session-reaper"

// Sweep publishes one session.stuck event for every session that has been
// processing for longer than the stuck threshold. Runs are left alone;
// remediation belongs to whoever watches the events. It returns the
// number of stuck sessions found.
func (m *Manager) Sweep(now time.Time) int {
	var stuck []diagnostics.SessionStuck
	m.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		s.mu.Lock()
		if age := now.Sub(s.lastTransitionAt); s.state == StateProcessing && age > m.stuckThreshold {
			stuck = append(stuck, diagnostics.SessionStuck{
				SessionKey: s.key,
				SessionID:  s.id,
				State:      string(s.state),
				QueueDepth: s.queueDepth,
				AgeMs:      age.Milliseconds(),
			})
		}
		s.mu.Unlock()
		return true
	})

	for _, ev := range stuck {
		m.logger.Warn("session stuck",
			"session_key", ev.SessionKey,
			"age_ms", ev.AgeMs,
			"queue_depth", ev.QueueDepth)
		m.events.Publish(ev)
	}
	return len(stuck)
}

// RegisterReaper schedules Sweep on sched every interval.
func (m *Manager) RegisterReaper(sched *cron.Scheduler, interval time.Duration) error {
	if err := sched.Every(ReaperTask, interval, func(context.Context) {
		m.Sweep(m.now())
	}); err != nil {
		return fmt.Errorf("register session reaper: %w", err)
	}
	return nil
}
