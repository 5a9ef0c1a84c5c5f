// Package memory provides an in-process Cacher with optional LRU bounding.
package memory

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"

	"github.com/bitnp/clinic-proxy/pkg/cache"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Cache is a Cacher backed by a least recently used list.
// A bounded Cache evicts the least recently used entry when full, even if
// it has not expired yet; an unbounded one only ever drops expired entries.
// Expired entries are dropped lazily on access and by Run.
type Cache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, entry]

	now func() time.Time
}

var _ cache.Cacher = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithClock makes the Cache read the current time from now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a Cache holding at most size entries.
// A non-positive size makes the Cache unbounded.
func New(size int, opts ...Option) (*Cache, error) {
	if size <= 0 {
		size = math.MaxInt
	}
	l, err := simplelru.NewLRU[string, entry](size, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create lru")
	}
	c := &Cache{
		lru: l,
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Get implements the Cacher interface.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.After(c.now()) {
		c.lru.Remove(key)
		return nil, false, nil
	}

	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, true, nil
}

// Set implements the Cacher interface.
func (c *Cache) Set(key string, value []byte, expiration time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, entry{value: v, expires: c.now().Add(expiration)})
	return nil
}

// Touch implements the Cacher interface.
func (c *Cache) Touch(key string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.lru.Peek(key)
	if !ok || !e.expires.After(now) {
		return nil
	}
	e.expires = now.Add(expiration)
	c.lru.Add(key, e)
	return nil
}

// Len returns the number of entries, including expired ones
// that have not been purged yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Run purges expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.cleanup(c.now())
		}
	}
}

func (c *Cache) cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && !e.expires.After(now) {
			c.lru.Remove(key)
		}
	}
}
