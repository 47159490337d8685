package auditor

import (
	"encoding/json"
	"fmt"

	"github.com/c360/streamkit/errors"
)

// SignalType is the kind of report a component sends to an auditor.
type SignalType string

// Signal types.
const (
	SignalCreate SignalType = "create"
	SignalFork   SignalType = "fork"
	SignalAck    SignalType = "ack"
	SignalFail   SignalType = "fail"
)

// Signal is one report about a message in a root's tree.
type Signal struct {
	Type   SignalType `json:"type"`
	Root   string     `json:"root"`
	ID     string     `json:"id,omitempty"`
	IDs    []string   `json:"ids,omitempty"`
	Source string     `json:"source,omitempty"`
	Cause  string     `json:"cause,omitempty"`
}

// Validate checks that the signal carries the fields its type needs.
func (s Signal) Validate() error {
	if s.Root == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Signal", "Validate", "missing root")
	}
	switch s.Type {
	case SignalCreate, SignalFork:
		return nil
	case SignalAck, SignalFail:
		if s.ID == "" {
			return errors.WrapInvalid(errors.ErrInvalidData, "Signal", "Validate",
				fmt.Sprintf("%s signal missing id", s.Type))
		}
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidData, "Signal", "Validate",
			fmt.Sprintf("unknown signal type %q", s.Type))
	}
}

// DecodeSignal parses and validates a signal.
func DecodeSignal(data []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return s, errors.WrapInvalid(err, "auditor", "DecodeSignal", "unmarshal signal")
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Result is how a tree ended.
type Result string

// Results.
const (
	ResultAcked    Result = "acked"
	ResultFailed   Result = "failed"
	ResultTimedOut Result = "timedout"
)

// Notification tells a producer how one of its roots ended.
type Notification struct {
	Root   string `json:"root"`
	Result Result `json:"result"`
	Cause  string `json:"cause,omitempty"`
}

// Err converts the notification into the error handed to producer callbacks. It is nil for
// an acked tree. id is the correlation id the caller knows the message by.
func (n Notification) Err(id string) error {
	switch n.Result {
	case ResultAcked:
		return nil
	case ResultTimedOut:
		return errors.NewTimeout(id)
	default:
		return errors.NewFailure(id, n.Cause)
	}
}

// DecodeNotification parses a notification.
func DecodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return n, errors.WrapInvalid(err, "auditor", "DecodeNotification", "unmarshal notification")
	}
	if n.Root == "" {
		return n, errors.WrapInvalid(errors.ErrInvalidData, "auditor", "DecodeNotification", "missing root")
	}
	switch n.Result {
	case ResultAcked, ResultFailed, ResultTimedOut:
	default:
		return n, errors.WrapInvalid(errors.ErrInvalidData, "auditor", "DecodeNotification",
			fmt.Sprintf("unknown result %q", n.Result))
	}
	return n, nil
}

// NotifySubject is where an auditor publishes notifications for a producer address.
func NotifySubject(source string) string {
	return source + ".audit"
}

// Address returns the address of auditor index in a network.
func Address(network string, index int) string {
	return fmt.Sprintf("%s.auditor.%d", network, index)
}
