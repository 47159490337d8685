// Package errors provides standardized error handling patterns for streamkit components.
//
// # Overview
//
// Two families of errors live here.
//
// Operational errors follow a three-class system: Transient (temporary, retryable),
// Invalid (bad input, non-retryable) and Fatal (unrecoverable, stop processing). All wrapping
// uses the format
//
//	"component.method: action failed: %w"
//
// through Wrap, WrapTransient, WrapInvalid and WrapFatal.
//
// Delivery errors are what a feeder or executor callback receives when a message tree does
// not complete. They carry a Kind:
//
//   - KindFailure: a worker failed a message in the tree, or a selector had no target
//   - KindTimeout: the tree was not fully acked before the ack deadline
//
// Callers branch on the kind with errors.Is:
//
//	_, err := f.Emit(body, func(err error) {
//	    switch {
//	    case err == nil:
//	        // fully processed
//	    case errors.Is(err, errors.ErrTimeout):
//	        // retry later
//	    case errors.Is(err, errors.ErrFailure):
//	        // give up
//	    }
//	})
//
// ErrQueueFull is never delivered to a callback. It is returned synchronously by Emit,
// Execute and queue admission so the producer can stop until its drain handler fires.
package errors
