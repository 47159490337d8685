package errors

import (
	"errors"
	"fmt"
)

// Kind discriminates the terminal errors a feeder or executor can observe for a message.
type Kind string

const (
	// KindFailure is reported when any message in the tree was failed, including routing failures.
	KindFailure Kind = "failure"
	// KindTimeout is reported when the tree did not complete before the ack deadline.
	KindTimeout Kind = "timeout"
)

// Delivery sentinels. DeliveryError values match ErrFailure or ErrTimeout with errors.Is.
var (
	ErrFailure = errors.New("message processing failed")
	ErrTimeout = errors.New("message processing timed out")

	// ErrRoutingFailure is returned by selectors when a connection has no live target.
	ErrRoutingFailure = errors.New("no live target for connection")

	// ErrQueueFull is returned synchronously when a producer emits while its queue is full.
	ErrQueueFull = errors.New("send queue full")
)

// DeliveryError is the error handed to feeder and executor callbacks.
type DeliveryError struct {
	Kind  Kind
	ID    string // correlation id the caller received from Emit/Execute
	Cause string
}

// NewFailure creates a failure-kind delivery error.
func NewFailure(id, cause string) *DeliveryError {
	return &DeliveryError{Kind: KindFailure, ID: id, Cause: cause}
}

// NewTimeout creates a timeout-kind delivery error.
func NewTimeout(id string) *DeliveryError {
	return &DeliveryError{Kind: KindTimeout, ID: id, Cause: "ack timeout exceeded"}
}

// Error implements the error interface
func (e *DeliveryError) Error() string {
	if e.Cause == "" {
		return fmt.Sprintf("message %s: %s", e.ID, e.Kind)
	}
	return fmt.Sprintf("message %s: %s: %s", e.ID, e.Kind, e.Cause)
}

// Is matches the sentinel for the error's kind.
func (e *DeliveryError) Is(target error) bool {
	switch e.Kind {
	case KindFailure:
		return target == ErrFailure
	case KindTimeout:
		return target == ErrTimeout
	}
	return false
}

// KindOf extracts the delivery kind from err.
func KindOf(err error) (Kind, bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// IsFailure reports whether err is a failure-kind delivery error.
func IsFailure(err error) bool {
	return errors.Is(err, ErrFailure)
}

// IsTimeout reports whether err is a timeout-kind delivery error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
