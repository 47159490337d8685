package component

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/c360/streamkit/hooks"
	"github.com/c360/streamkit/metric"
	"github.com/c360/streamkit/transport"
)

// Dependencies provides the external services an instance runs on.
type Dependencies struct {
	Transport       transport.Transport     // Addressed send/receive (required)
	MetricsRegistry *metric.MetricsRegistry // Metrics registry for Prometheus (can be nil)
	Logger          *slog.Logger            // Structured logger (can be nil, defaults to slog.Default())
	Hooks           *hooks.Dispatcher       // Lifecycle observers (can be nil)
	Clock           clock.Clock             // Time source (can be nil, defaults to the wall clock)
}

// GetLogger returns the configured logger or a default logger if none is provided
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger configured with component context
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName)
}

// GetClock returns the configured clock or the wall clock.
func (d *Dependencies) GetClock() clock.Clock {
	if d.Clock != nil {
		return d.Clock
	}
	return clock.New()
}
