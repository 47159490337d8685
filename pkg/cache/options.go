package cache

import "github.com/benbjohnson/clock"

// Option configures cache behavior.
type Option func(*cacheOptions)

type cacheOptions struct {
	clock clock.Clock
}

// WithClock sets the time source used for expiry and the cleanup ticker.
func WithClock(clk clock.Clock) Option {
	return func(opts *cacheOptions) {
		if clk != nil {
			opts.clock = clk
		}
	}
}

func applyOptions(options ...Option) *cacheOptions {
	opts := &cacheOptions{clock: clock.New()}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
