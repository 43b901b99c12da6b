package push

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrStorageNil is returned when a nil storage is provided
	ErrStorageNil = errors.New("storage cannot be nil")

	// ErrServiceNil is returned when a nil service is provided to the worker
	ErrServiceNil = errors.New("service cannot be nil")

	// ErrInvalidSubscription is returned when the subscription payload is
	// missing the endpoint or either encryption key
	ErrInvalidSubscription = errors.New("invalid subscription payload")

	// ErrInvalidDeviceID is returned when registration has no device id
	ErrInvalidDeviceID = errors.New("invalid device id")

	// ErrInvalidClientMode is returned when the client mode is not one the
	// engine accepts
	ErrInvalidClientMode = errors.New("invalid client mode")

	// ErrMissingIdentifier is returned when unregistration is called with
	// neither a device id nor an endpoint
	ErrMissingIdentifier = errors.New("device id or endpoint required")

	// ErrSubscriptionNotFound is returned when a lookup matches no row
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrWorkerStarted is returned when Start is called on a running worker
	ErrWorkerStarted = errors.New("worker already started")

	// ErrWorkerNotStarted is returned when Stop is called before Start
	ErrWorkerNotStarted = errors.New("worker not started")

	// ErrShutdownTimeout is returned when the worker's in-flight batch does
	// not finish within the shutdown timeout
	ErrShutdownTimeout = errors.New("worker shutdown timed out")
)

// TransientError marks a delivery failure that may succeed on a later
// attempt. The worker reschedules the row according to the backoff
// schedule until the schedule is exhausted.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a delivery failure that retrying will never fix.
// DeactivateSubscription is set only when the transport confirmed the
// endpoint itself is gone (HTTP 404/410); other permanent failures are
// terminal for the delivery but leave a possibly-valid endpoint active.
type PermanentError struct {
	Reason                 string
	DeactivateSubscription bool
	Err                    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }
