// Package session tracks the lifecycle of each conversation as its lane
// moves commands through the queue, and flags sessions that stay in
// processing for too long.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateError      State = "error"
)

// transitions lists the allowed moves. error is left immediately for
// idle so one failed run never blocks the lane.
var transitions = map[State][]State{
	StateIdle:       {StateQueued},
	StateQueued:     {StateProcessing, StateIdle},
	StateProcessing: {StateIdle, StateQueued, StateError},
	StateError:      {StateIdle},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrSessionNotFound is returned for keys with no recorded activity.
var ErrSessionNotFound = errors.New("session not found")

// InvalidStateTransitionError reports a disallowed transition.
type InvalidStateTransitionError struct {
	SessionKey string
	From       State
	To         State
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("session %s: invalid transition %s -> %s", e.SessionKey, e.From, e.To)
}

// Session is the mutable record for one session key. All fields are
// guarded by mu.
type Session struct {
	mu               sync.Mutex
	key              string
	id               string
	state            State
	queueDepth       int
	lastTransitionAt time.Time
	thinkingLevel    string
	attempt          int
	runID            string
	lastError        string
}

// Snapshot is a copy of a session's state.
type Snapshot struct {
	Key              string
	ID               string
	State            State
	QueueDepth       int
	LastTransitionAt time.Time
	ThinkingLevel    string
	Attempt          int
	RunID            string
	LastError        string
	// Stuck is set when the session has been processing for longer than
	// the manager's threshold.
	Stuck bool
}

func (s *Session) snapshotLocked(now time.Time, threshold time.Duration) Snapshot {
	return Snapshot{
		Key:              s.key,
		ID:               s.id,
		State:            s.state,
		QueueDepth:       s.queueDepth,
		LastTransitionAt: s.lastTransitionAt,
		ThinkingLevel:    s.thinkingLevel,
		Attempt:          s.attempt,
		RunID:            s.runID,
		LastError:        s.lastError,
		Stuck:            s.state == StateProcessing && threshold > 0 && now.Sub(s.lastTransitionAt) > threshold,
	}
}
