package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateCreated indicates component was created but not started
	StateCreated State = iota
	// StateStarted indicates component is running
	StateStarted
	// StateStopped indicates component was stopped
	StateStopped
	// StateFailed indicates component failed during lifecycle operation
	StateFailed
)

// String returns a string representation of the component state
func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Component is a deployable instance. Constructors do no I/O; Start subscribes and begins
// work, Stop releases everything within timeout.
type Component interface {
	Context() Context
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Managed tracks a deployed component and its lifecycle state.
//
// The deployer creates a child context per component so each one can be cancelled on its
// own during shutdown; the component receives it as a Start parameter and never stores it.
type Managed struct {
	Component  Component
	State      State
	Context    context.Context
	Cancel     context.CancelFunc
	StartOrder int
	LastError  error
}
