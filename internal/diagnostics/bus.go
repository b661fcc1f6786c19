package diagnostics

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultSubscriberTimeout bounds how long Publish waits on one subscriber.
const DefaultSubscriberTimeout = 2 * time.Second

// Handler receives published events. A panicking handler is recovered and
// logged; it never reaches the producer.
type Handler func(Envelope)

type subscription struct {
	id      string
	handler Handler
	removed atomic.Bool
	// slow is set once a call overran the timeout; later calls run guarded.
	slow atomic.Bool

	mu sync.Mutex
	// stalled is set while a guarded call is still running past the timeout.
	stalled bool
}

// Bus fans diagnostic events out to subscribers synchronously, in
// subscription order, on the producer's goroutine.
//
// The subscriber list is guarded by a mutex but handlers are always called
// with no lock held. When a subscriber timeout is configured, a watchdog
// flags a handler that overruns it as slow. Slow subscribers are then
// called on their own goroutine and the producer waits at most the
// timeout; events that arrive while such a call is still running past the
// timeout are dropped for that subscriber so its view stays in order.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscription
	closed bool

	seq     atomic.Uint64
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithSubscriberTimeout sets the per-subscriber guard. Zero disables it and
// handlers run inline.
func WithSubscriberTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

// WithLogger sets the logger used for subscriber failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the clock used to stamp envelopes.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		timeout: DefaultSubscriberTimeout,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "diagnostics")
	return b
}

// Subscribe registers h and returns a function that removes it. The
// returned function is idempotent and safe to call from inside h.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	s := &subscription{id: uuid.NewString(), handler: h}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(s) })
	}
}

func (b *Bus) remove(s *subscription) {
	s.removed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(x *subscription) bool { return x == s })
}

// Publish stamps ev and delivers it to every current subscriber. It never
// panics and returns once each subscriber has returned or timed out.
// Publishing on a nil Bus is a no-op.
func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}

	b.mu.Lock()
	if b.closed || len(b.subs) == 0 {
		b.mu.Unlock()
		return
	}
	targets := slices.Clone(b.subs)
	b.mu.Unlock()

	env := Envelope{Seq: b.seq.Add(1), Ts: b.now().UnixMilli(), Event: ev}
	for _, s := range targets {
		if s.removed.Load() {
			continue
		}
		b.deliver(s, env)
	}
}

func (b *Bus) deliver(s *subscription, env Envelope) {
	if b.timeout <= 0 {
		b.invoke(s, env)
		return
	}
	if s.slow.Load() {
		b.guarded(s, env)
		return
	}

	watchdog := time.AfterFunc(b.timeout, func() {
		s.slow.Store(true)
		b.logger.Warn("subscriber exceeded timeout",
			"sub_id", s.id,
			"type", env.Type(),
			"timeout", b.timeout)
	})
	b.invoke(s, env)
	watchdog.Stop()
}

// guarded runs a slow subscriber on its own goroutine and waits for it at
// most the bus timeout.
func (b *Bus) guarded(s *subscription, env Envelope) {
	s.mu.Lock()
	stalled := s.stalled
	s.mu.Unlock()
	if stalled {
		b.logger.Warn("dropping event for stalled subscriber",
			"sub_id", s.id,
			"type", env.Type(),
			"seq", env.Seq)
		return
	}

	finished := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.invoke(s, env)
		s.mu.Lock()
		finished = true
		s.stalled = false
		s.mu.Unlock()
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.mu.Lock()
		if !finished {
			s.stalled = true
		}
		s.mu.Unlock()
		b.logger.Warn("subscriber exceeded timeout",
			"sub_id", s.id,
			"type", env.Type(),
			"timeout", b.timeout)
	}
}

func (b *Bus) invoke(s *subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"sub_id", s.id,
				"type", env.Type(),
				"panic", r)
		}
	}()
	s.handler(env)
}

// SubscriberCount reports the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// RemoveAll drops every subscriber. The bus stays usable.
func (b *Bus) RemoveAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.removed.Store(true)
	}
	b.subs = nil
}

// Close removes all subscribers and turns later Publish and Subscribe calls
// into no-ops.
func (b *Bus) Close() {
	b.RemoveAll()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
