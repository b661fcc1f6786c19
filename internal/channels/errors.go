package channels

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported matches every UnsupportedOperationError.
	ErrUnsupported = errors.New("operation not supported")
	// ErrRegistryFrozen is returned by Register after Freeze.
	ErrRegistryFrozen = errors.New("channel registry is frozen")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrUnknownAccount = errors.New("unknown account")
)

// DuplicateChannelError is returned when a channel id is registered twice.
type DuplicateChannelError struct {
	ID string
}

func (e *DuplicateChannelError) Error() string {
	return fmt.Sprintf("channel %q already registered", e.ID)
}

// UnsupportedOperationError reports a capability the channel does not offer.
type UnsupportedOperationError struct {
	Channel   string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s: %s not supported", e.Channel, e.Operation)
}

func (e *UnsupportedOperationError) Is(target error) bool { return target == ErrUnsupported }

// Unsupported builds an UnsupportedOperationError.
func Unsupported(channel, operation string) error {
	return &UnsupportedOperationError{Channel: channel, Operation: operation}
}

// Target rejection policies.
const (
	PolicyAllowFrom     = "allowFrom"
	PolicyMissingTarget = "missingTarget"
	PolicyFormat        = "format"
	PolicyDMDisabled    = "dmDisabled"
)

// TargetRejectedError names the policy that refused a send target.
type TargetRejectedError struct {
	Channel string
	To      string
	Policy  string
	Reason  string
}

func (e *TargetRejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: target %q rejected by %s: %s", e.Channel, e.To, e.Policy, e.Reason)
	}
	return fmt.Sprintf("%s: target %q rejected by %s", e.Channel, e.To, e.Policy)
}
