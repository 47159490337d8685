package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360/streamkit/transport"
)

// SubjectPrefix is prepended to an instance address to form its hook subject.
const SubjectPrefix = "hooks."

// Subject returns the subject hook events for address are published on.
func Subject(address string) string {
	return SubjectPrefix + address
}

// LogObserver writes events to a slog logger. Terminal failures log at warn level,
// everything else at debug.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

// Observe implements Observer.
func (o *LogObserver) Observe(e Event) {
	attrs := []any{"component", e.Address, "event", string(e.Type)}
	if e.ID != "" {
		attrs = append(attrs, "id", e.ID)
	}
	if e.Root != "" && e.Root != e.ID {
		attrs = append(attrs, "root", e.Root)
	}
	if e.Cause != "" {
		attrs = append(attrs, "cause", e.Cause)
	}

	switch e.Type {
	case EventFailed, EventTimeout:
		o.logger.Warn("Message tree did not complete", attrs...)
	case EventStart, EventStop:
		o.logger.Info("Component lifecycle", attrs...)
	default:
		o.logger.Debug("Hook event", attrs...)
	}
}

// TransportObserver publishes events as JSON on hooks.<address>.
type TransportObserver struct {
	transport transport.Transport
	timeout   time.Duration
	logger    *slog.Logger
}

// NewTransportObserver creates a TransportObserver. Publishing gives up after timeout.
func NewTransportObserver(t transport.Transport, timeout time.Duration, logger *slog.Logger) *TransportObserver {
	if timeout <= 0 {
		timeout = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TransportObserver{transport: t, timeout: timeout, logger: logger}
}

// Observe implements Observer.
func (o *TransportObserver) Observe(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		o.logger.Error("Failed to marshal hook event", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	if err := o.transport.Publish(ctx, Subject(e.Address), data); err != nil {
		o.logger.Debug("Failed to publish hook event", "subject", Subject(e.Address), "error", err)
	}
}
