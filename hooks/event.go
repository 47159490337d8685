// Package hooks relays lifecycle events from feeders, executors, workers and auditors to
// registered observers.
//
// Dispatch is fire-and-forget. Every observer owns a buffered channel drained by its own
// goroutine, so a slow or panicking observer loses events instead of stalling message flow.
// A nil *Dispatcher is valid and discards everything, which lets components fire events
// without checking whether monitoring is configured.
package hooks

import "time"

// EventType names a lifecycle event.
type EventType string

// Lifecycle events.
const (
	EventStart   EventType = "start"
	EventReceive EventType = "receive"
	EventAck     EventType = "ack"
	EventFail    EventType = "fail"
	EventEmit    EventType = "emit"
	EventAcked   EventType = "acked"
	EventFailed  EventType = "failed"
	EventTimeout EventType = "timeout"
	EventStop    EventType = "stop"
)

// Event is one lifecycle occurrence on a component instance.
type Event struct {
	Type      EventType `json:"type"`
	Address   string    `json:"address"`
	ID        string    `json:"id,omitempty"`
	Root      string    `json:"root,omitempty"`
	Stream    string    `json:"stream,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives events. Observe runs on the observer's own goroutine.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) {
	f(e)
}
