package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/crystaldolphin/chorus/internal/diagnostics"
	"github.com/crystaldolphin/chorus/internal/queue"
)

// Transition reasons carried on session.state events.
const (
	ReasonEnqueued          = "enqueued"
	ReasonDequeued          = "dequeued"
	ReasonCompleted         = "completed"
	ReasonPending           = "pending"
	ReasonError             = "error"
	ReasonAborted           = "aborted"
	ReasonCleared           = "cleared"
	ReasonInvalidTransition = "invalid_transition"
)

// DefaultStuckThreshold is used when no threshold is configured.
const DefaultStuckThreshold = 2 * time.Minute

// Manager owns every session and keeps it in step with its queue lane.
// It implements queue.Lifecycle.
type Manager struct {
	sessions       sync.Map // key -> *Session
	events         *diagnostics.Bus
	logger         *slog.Logger
	now            func() time.Time
	stuckThreshold time.Duration
}

var _ queue.Lifecycle = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

func WithStuckThreshold(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stuckThreshold = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates an empty Manager. events may be nil.
func NewManager(events *diagnostics.Bus, opts ...Option) *Manager {
	m := &Manager{
		events:         events,
		logger:         slog.Default(),
		now:            time.Now,
		stuckThreshold: DefaultStuckThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m
}

func (m *Manager) getOrCreate(key string) *Session {
	if v, ok := m.sessions.Load(key); ok {
		return v.(*Session)
	}
	v, _ := m.sessions.LoadOrStore(key, &Session{
		key:              key,
		state:            StateIdle,
		lastTransitionAt: m.now(),
	})
	return v.(*Session)
}

// outbox collects events raised under a session lock so they can be
// published once it is released.
type outbox []diagnostics.Event

func (m *Manager) flush(out *outbox) {
	for _, ev := range *out {
		m.events.Publish(ev)
	}
}

// transitionLocked moves s to state to and queues a session.state event.
// A disallowed move is logged, the session is forced to idle, and the
// error is returned.
func (m *Manager) transitionLocked(s *Session, to State, reason string, out *outbox) error {
	from := s.state
	if !CanTransition(from, to) {
		err := &InvalidStateTransitionError{SessionKey: s.key, From: from, To: to}
		m.logger.Error("invalid session transition",
			"session_key", s.key,
			"from", from,
			"to", to,
			"reason", reason)
		if from != StateIdle {
			m.setLocked(s, StateIdle, ReasonInvalidTransition, out)
		}
		return err
	}
	m.setLocked(s, to, reason, out)
	return nil
}

func (m *Manager) setLocked(s *Session, to State, reason string, out *outbox) {
	prev := s.state
	s.state = to
	s.lastTransitionAt = m.now()
	if to == StateIdle {
		s.attempt = 0
		s.runID = ""
	}
	m.logger.Debug("session transition",
		"session_key", s.key,
		"from", prev,
		"to", to,
		"reason", reason,
		"queue_depth", s.queueDepth)
	*out = append(*out, diagnostics.SessionState{
		SessionKey: s.key,
		SessionID:  s.id,
		PrevState:  string(prev),
		State:      string(to),
		Reason:     reason,
		QueueDepth: s.queueDepth,
	})
}

// Transition requests an explicit state change, for supervisors acting
// on stuck sessions.
func (m *Manager) Transition(key string, to State, reason string) error {
	v, ok := m.sessions.Load(key)
	if !ok {
		return ErrSessionNotFound
	}
	s := v.(*Session)
	var out outbox
	defer m.flush(&out)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.transitionLocked(s, to, reason, &out)
}

// Enqueued implements queue.Lifecycle.
func (m *Manager) Enqueued(key string, depth int) {
	s := m.getOrCreate(key)
	var out outbox
	defer m.flush(&out)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueDepth = depth
	if s.state == StateIdle {
		_ = m.transitionLocked(s, StateQueued, ReasonEnqueued, &out)
	}
}

// Started implements queue.Lifecycle.
func (m *Manager) Started(cmd *queue.Command, depth int) {
	s := m.getOrCreate(cmd.SessionKey)
	var out outbox
	defer m.flush(&out)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueDepth = depth
	if err := m.transitionLocked(s, StateProcessing, ReasonDequeued, &out); err != nil {
		return
	}
	s.attempt++
	s.runID = cmd.ID
	s.lastError = ""
	out = append(out, diagnostics.RunAttempt{
		SessionKey: s.key,
		SessionID:  s.id,
		RunID:      cmd.ID,
		Attempt:    s.attempt,
	})
}

// Finished implements queue.Lifecycle. A failed run passes through error
// and back to idle, then re-queues if the lane still holds commands.
func (m *Manager) Finished(cmd *queue.Command, depth int, err error) {
	s := m.getOrCreate(cmd.SessionKey)
	var out outbox
	defer m.flush(&out)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueDepth = depth

	if err == nil {
		to := StateIdle
		if depth > 0 {
			to = StateQueued
		}
		_ = m.transitionLocked(s, to, ReasonCompleted, &out)
		return
	}

	reason := ReasonError
	if errors.Is(err, queue.ErrAborted) {
		reason = ReasonAborted
	}
	s.lastError = err.Error()
	if m.transitionLocked(s, StateError, reason, &out) != nil {
		return
	}
	_ = m.transitionLocked(s, StateIdle, reason, &out)
	if depth > 0 {
		_ = m.transitionLocked(s, StateQueued, ReasonPending, &out)
	}
}

// Cleared implements queue.Lifecycle.
func (m *Manager) Cleared(key string, depth int) {
	s := m.getOrCreate(key)
	var out outbox
	defer m.flush(&out)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueDepth = depth
	if s.state == StateQueued && depth == 0 {
		_ = m.transitionLocked(s, StateIdle, ReasonCleared, &out)
	}
}

// SetSessionID records the run-scoped session id reported by the agent.
func (m *Manager) SetSessionID(key, id string) error {
	v, ok := m.sessions.Load(key)
	if !ok {
		return ErrSessionNotFound
	}
	s := v.(*Session)
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
	return nil
}

// SetThinkingLevel records the reasoning level requested for the session.
func (m *Manager) SetThinkingLevel(key, level string) error {
	v, ok := m.sessions.Load(key)
	if !ok {
		return ErrSessionNotFound
	}
	s := v.(*Session)
	s.mu.Lock()
	s.thinkingLevel = level
	s.mu.Unlock()
	return nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(key string) (Snapshot, bool) {
	v, ok := m.sessions.Load(key)
	if !ok {
		return Snapshot{}, false
	}
	s := v.(*Session)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(m.now(), m.stuckThreshold), true
}

// List returns snapshots of every session, sorted by key.
func (m *Manager) List() []Snapshot {
	now := m.now()
	var out []Snapshot
	m.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		s.mu.Lock()
		out = append(out, s.snapshotLocked(now, m.stuckThreshold))
		s.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Counts returns the number of sessions in each state.
func (m *Manager) Counts() map[State]int {
	counts := map[State]int{}
	for _, s := range m.List() {
		counts[s.State]++
	}
	return counts
}
