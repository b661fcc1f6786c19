package outbound

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/crystaldolphin/chorus/internal/channels"
)

// ErrInvalidPoll is returned for polls no channel could send.
var ErrInvalidPoll = errors.New("invalid poll")

// TransientDeliveryError marks a send failure worth retrying
// (network trouble, timeouts, rate limits).
type TransientDeliveryError struct {
	Err error
}

func (e *TransientDeliveryError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryError marks a send failure that will not succeed on
// retry (bad credentials, invalid target).
type PermanentDeliveryError struct {
	Err error
}

func (e *PermanentDeliveryError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientDeliveryError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientDeliveryError{Err: err}
}

// Permanent wraps err as a PermanentDeliveryError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentDeliveryError{Err: err}
}

// DeliveryFailedError is the terminal error after retries ran out.
type DeliveryFailedError struct {
	Channel  string
	To       string
	Attempts int
	Err      error
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("delivery to %s:%s failed after %d attempt(s): %v", e.Channel, e.To, e.Attempts, e.Err)
}

func (e *DeliveryFailedError) Unwrap() error { return e.Err }

// IsTransient classifies a send error. Explicit wrappers win; otherwise
// deadlines and network timeouts are transient and anything else is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentDeliveryError
	if errors.As(err, &perm) {
		return false
	}
	var tr *TransientDeliveryError
	if errors.As(err, &tr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isPolicyError(err error) bool {
	var rejected *channels.TargetRejectedError
	return errors.As(err, &rejected) || errors.Is(err, channels.ErrUnsupported)
}
