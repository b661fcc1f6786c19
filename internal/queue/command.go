// Package queue runs commands one at a time per session lane.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLaneFull is returned by Enqueue when a lane is at its configured bound.
	ErrLaneFull = errors.New("lane is full")
	// ErrSchedulerStopped is returned by Enqueue after Stop.
	ErrSchedulerStopped = errors.New("scheduler stopped")
	// ErrAborted is passed to Lifecycle.Finished when the command was
	// cancelled through Cancel or Stop.
	ErrAborted = errors.New("command aborted")
)

// Command is one unit of work in a lane.
type Command struct {
	ID         string
	SessionKey string
	Payload    any
	EnqueuedAt time.Time
	// Attempt counts how many times the command has been dequeued.
	Attempt int
}

// Handler runs one command. ctx is cancelled by Cancel and Stop.
type Handler func(ctx context.Context, cmd *Command) error

// Lifecycle observes lane transitions. Calls for one lane are serialised
// and arrive in the order the transitions happened; depth is the number
// of commands the lane holds afterwards, counting the in-flight one.
// Implementations must not call Enqueue or Clear for the same lane.
type Lifecycle interface {
	Enqueued(sessionKey string, depth int)
	Started(cmd *Command, depth int)
	Finished(cmd *Command, depth int, err error)
	Cleared(sessionKey string, depth int)
}

// Ticket identifies an enqueued command.
type Ticket struct {
	ID    string
	Depth int
}

// Stats is a point-in-time view across all lanes.
type Stats struct {
	Lanes   int
	Queued  int // held commands, in flight or waiting
	Active  int // in flight
	Waiting int // waiting behind an in-flight command or for Start
}

type nopLifecycle struct{}

func (nopLifecycle) Enqueued(string, int)          {}
func (nopLifecycle) Started(*Command, int)         {}
func (nopLifecycle) Finished(*Command, int, error) {}
func (nopLifecycle) Cleared(string, int)           {}
