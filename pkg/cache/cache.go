// Package cache provides a generic, thread-safe TTL cache.
//
// The auditor keeps resolved root ids here so late or duplicate signals for a finished tree
// are recognised and dropped until the entry expires. Time comes from an injectable
// clock.Clock so expiry can be driven from tests.
package cache

import (
	"context"
	"time"

	"github.com/c360/streamkit/errors"
)

// Cache represents a generic cache interface parameterized by value type V.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found and not expired.
	Get(key string) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// Size returns the current number of entries, including expired entries not yet swept.
	Size() int

	// Close stops background cleanup.
	Close() error
}

// NewTTL creates a TTL cache. Entries expire ttl after their last Set; a background sweep
// runs every cleanupInterval until ctx is done or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option) (Cache[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}
	return newTTLCache[V](ctx, ttl, cleanupInterval, applyOptions(options...)), nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
