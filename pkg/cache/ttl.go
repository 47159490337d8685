package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// ttlCache is a thread-safe TTL cache with a background sweep.
type ttlCache[V any] struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]*ttlEntry[V]
	clock clock.Clock

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newTTLCache[V any](ctx context.Context, ttl, cleanupInterval time.Duration, opts *cacheOptions) *ttlCache[V] {
	c := &ttlCache[V]{
		ttl:      ttl,
		items:    make(map[string]*ttlEntry[V]),
		clock:    opts.clock,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	// The ticker exists before NewTTL returns, so a mock clock advanced right after
	// construction still drives the sweep.
	ticker := c.clock.Ticker(cleanupInterval)
	go c.cleanup(ctx, ticker)

	return c
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.clock.Now()

	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		return zero, false
	}
	if now.After(entry.expiresAt) {
		c.mu.Lock()
		if current, still := c.items[key]; still && now.After(current.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.items[key]
	c.items[key] = &ttlEntry[V]{value: value, expiresAt: c.clock.Now().Add(c.ttl)}
	return !exists, nil
}

func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ttlCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

func (c *ttlCache[V]) cleanup(ctx context.Context, ticker *clock.Ticker) {
	defer close(c.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *ttlCache[V]) removeExpired() {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.items {
		if now.After(entry.expiresAt) {
			delete(c.items, key)
		}
	}
}
