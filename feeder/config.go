package feeder

import (
	"fmt"
	"time"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/queue"
)

// Mode selects how a producer is fed.
type Mode string

// Modes.
const (
	ModeBasic   Mode = "basic"
	ModePolling Mode = "polling"
	ModeStream  Mode = "stream"
)

// Config holds producer settings.
type Config struct {
	Mode Mode

	// MaxQueueSize bounds the roots in flight. Values <= 0 use queue.DefaultMaxSize.
	MaxQueueSize int

	// AutoRetry resubmits failed or timed out bodies. RetryAttempts counts resubmissions
	// after the first attempt; a negative value retries until success.
	AutoRetry     bool
	RetryAttempts int

	// FeedInterval is the delay between feed handler calls in polling mode.
	FeedInterval time.Duration

	// MaxRate caps feed handler calls per second in polling mode. Zero disables the cap.
	MaxRate float64
}

// DefaultConfig returns a basic-mode configuration without auto retry.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeBasic,
		MaxQueueSize:  queue.DefaultMaxSize,
		RetryAttempts: -1,
		FeedInterval:  100 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeBasic, ModeStream:
	case ModePolling:
		if c.FeedInterval <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "feeder.Config", "Validate",
				"polling mode requires a positive feed interval")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "feeder.Config", "Validate",
			fmt.Sprintf("unknown mode %q", c.Mode))
	}
	if c.MaxRate < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "feeder.Config", "Validate",
			"max rate cannot be negative")
	}
	return nil
}
