package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crystaldolphin/chorus/internal/diagnostics"
)

// lane holds the commands of one session.
//
// mu guards the fields below and is only held for bookkeeping. order is
// held across a transition and the notifications describing it, so that
// observers see one lane's transitions in sequence; it is never held
// while a handler runs.
type lane struct {
	key   string
	order sync.Mutex

	mu       sync.Mutex
	pending  []*Command
	inflight *Command
	cancel   context.CancelFunc
	aborted  bool
	running  bool
}

func (l *lane) depthLocked() int {
	n := len(l.pending)
	if l.inflight != nil {
		n++
	}
	return n
}

// Scheduler keeps one FIFO lane per session key and runs at most one
// command per lane at a time. Lanes run concurrently with each other,
// each drained by its own goroutine that exits when the lane is empty.
type Scheduler struct {
	lanes     sync.Map // string -> *lane
	handler   Handler
	lifecycle Lifecycle
	events    *diagnostics.Bus
	logger    *slog.Logger
	maxDepth  int
	now       func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLifecycle registers the observer of lane transitions.
func WithLifecycle(lc Lifecycle) Option {
	return func(s *Scheduler) {
		if lc != nil {
			s.lifecycle = lc
		}
	}
}

// WithMaxDepth bounds each lane. Zero means unbounded.
func WithMaxDepth(n int) Option {
	return func(s *Scheduler) { s.maxDepth = n }
}

func WithEvents(b *diagnostics.Bus) Option {
	return func(s *Scheduler) { s.events = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates a scheduler that runs handler for every command.
// Commands enqueued before Start are held until Start.
func NewScheduler(handler Handler, opts ...Option) *Scheduler {
	s := &Scheduler{
		handler:   handler,
		lifecycle: nopLifecycle{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "queue")
	return s
}

func (s *Scheduler) lane(key string) *lane {
	if l, ok := s.lanes.Load(key); ok {
		return l.(*lane)
	}
	l, _ := s.lanes.LoadOrStore(key, &lane{key: key})
	return l.(*lane)
}

// Start launches workers for lanes holding commands. Handlers inherit the
// values of ctx but are only cancelled by Stop or Cancel, so a command
// cut short by shutdown is reported as aborted.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.stopped.Load() {
		return ErrSchedulerStopped
	}
	if s.started.Load() {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.started.Store(true)

	s.lanes.Range(func(_, v any) bool {
		l := v.(*lane)
		l.mu.Lock()
		spawn := !l.running && len(l.pending) > 0
		if spawn {
			l.running = true
		}
		l.mu.Unlock()
		if spawn {
			s.spawn(l)
		}
		return true
	})
	s.logger.Info("scheduler started")
	return nil
}

// Stop aborts in-flight commands, refuses new ones and waits for the
// workers to exit or ctx to expire. Waiting commands are dropped and
// reported through Lifecycle.Cleared.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.stopped.Swap(true) {
		return nil
	}
	dropped := 0
	s.lanes.Range(func(_, v any) bool {
		l := v.(*lane)
		l.order.Lock()
		l.mu.Lock()
		if l.inflight != nil {
			l.aborted = true
		}
		n := len(l.pending)
		l.pending = nil
		depth := l.depthLocked()
		l.mu.Unlock()
		if n > 0 {
			s.lifecycle.Cleared(l.key, depth)
			dropped += n
		}
		l.order.Unlock()
		return true
	})
	if dropped > 0 {
		s.logger.Info("dropped waiting commands on stop", "dropped", dropped)
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// Enqueue appends a command to the session's lane, creating the lane if
// needed, and makes sure a worker is draining it.
func (s *Scheduler) Enqueue(sessionKey string, payload any) (Ticket, error) {
	if s.stopped.Load() {
		return Ticket{}, ErrSchedulerStopped
	}
	l := s.lane(sessionKey)

	l.order.Lock()
	l.mu.Lock()
	if s.maxDepth > 0 && l.depthLocked() >= s.maxDepth {
		depth := l.depthLocked()
		l.mu.Unlock()
		l.order.Unlock()
		s.logger.Warn("lane full, rejecting command", "lane", sessionKey, "depth", depth)
		return Ticket{}, fmt.Errorf("enqueue %s (depth %d): %w", sessionKey, depth, ErrLaneFull)
	}
	cmd := &Command{
		ID:         uuid.NewString(),
		SessionKey: sessionKey,
		Payload:    payload,
		EnqueuedAt: s.now(),
	}
	l.pending = append(l.pending, cmd)
	depth := l.depthLocked()
	spawn := s.started.Load() && !s.stopped.Load() && !l.running
	if spawn {
		l.running = true
	}
	l.mu.Unlock()

	s.events.Publish(diagnostics.LaneEnqueue{Lane: sessionKey, QueueSize: depth})
	s.lifecycle.Enqueued(sessionKey, depth)
	l.order.Unlock()

	s.logger.Debug("command enqueued", "lane", sessionKey, "command_id", cmd.ID, "depth", depth)
	if spawn {
		s.spawn(l)
	}
	return Ticket{ID: cmd.ID, Depth: depth}, nil
}

func (s *Scheduler) spawn(l *lane) {
	s.wg.Add(1)
	go s.drain(l)
}

// drain runs the lane's commands in order until it is empty.
func (s *Scheduler) drain(l *lane) {
	defer s.wg.Done()
	for {
		l.order.Lock()
		l.mu.Lock()
		if len(l.pending) == 0 || s.ctx.Err() != nil {
			l.running = false
			l.mu.Unlock()
			l.order.Unlock()
			return
		}
		cmd := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		ctx, cancel := context.WithCancel(s.ctx)
		l.inflight, l.cancel, l.aborted = cmd, cancel, false
		depth := l.depthLocked()
		cmd.Attempt++
		l.mu.Unlock()

		wait := s.now().Sub(cmd.EnqueuedAt)
		s.events.Publish(diagnostics.LaneDequeue{
			Lane:      l.key,
			QueueSize: depth,
			WaitMs:    wait.Milliseconds(),
		})
		s.lifecycle.Started(cmd, depth)
		l.order.Unlock()

		err := s.run(ctx, cmd)
		cancel()

		l.order.Lock()
		l.mu.Lock()
		if l.aborted {
			if err == nil {
				err = ErrAborted
			} else if !errors.Is(err, ErrAborted) {
				err = fmt.Errorf("%w: %w", ErrAborted, err)
			}
		}
		l.inflight, l.cancel, l.aborted = nil, nil, false
		depth = l.depthLocked()
		l.mu.Unlock()

		s.lifecycle.Finished(cmd, depth, err)
		l.order.Unlock()

		if err != nil {
			s.logger.Warn("command failed", "lane", l.key, "command_id", cmd.ID, "err", err)
		} else {
			s.logger.Debug("command done", "lane", l.key, "command_id", cmd.ID, "took", s.now().Sub(cmd.EnqueuedAt)-wait)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, cmd *Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handler(ctx, cmd)
}

// Cancel aborts the session's in-flight command. The lane moves on to its
// next command. It reports whether anything was running.
func (s *Scheduler) Cancel(sessionKey string) bool {
	v, ok := s.lanes.Load(sessionKey)
	if !ok {
		return false
	}
	l := v.(*lane)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight == nil {
		return false
	}
	l.aborted = true
	l.cancel()
	return true
}

// Clear drops the session's waiting commands and returns how many were
// dropped. The in-flight command, if any, keeps running.
func (s *Scheduler) Clear(sessionKey string) int {
	v, ok := s.lanes.Load(sessionKey)
	if !ok {
		return 0
	}
	l := v.(*lane)
	l.order.Lock()
	defer l.order.Unlock()

	l.mu.Lock()
	n := len(l.pending)
	l.pending = nil
	depth := l.depthLocked()
	l.mu.Unlock()

	if n > 0 {
		s.lifecycle.Cleared(sessionKey, depth)
		s.logger.Info("lane cleared", "lane", sessionKey, "dropped", n)
	}
	return n
}

// Depth returns the number of commands the lane holds, in flight included.
func (s *Scheduler) Depth(sessionKey string) int {
	v, ok := s.lanes.Load(sessionKey)
	if !ok {
		return 0
	}
	l := v.(*lane)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depthLocked()
}

// Stats sums lane state across all lanes.
func (s *Scheduler) Stats() Stats {
	var st Stats
	s.lanes.Range(func(_, v any) bool {
		l := v.(*lane)
		l.mu.Lock()
		st.Lanes++
		st.Waiting += len(l.pending)
		if l.inflight != nil {
			st.Active++
		}
		l.mu.Unlock()
		return true
	})
	st.Queued = st.Active + st.Waiting
	return st
}
