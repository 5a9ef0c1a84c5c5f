package memcached

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"

	"github.com/bitnp/clinic-proxy/pkg/cache"
)

// client is the subset of *memcache.Client the cache needs.
type client interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Touch(key string, seconds int32) error
}

// Cache is a Cacher implemented on top of Memcached.
// Memcached keeps everything in memory, so entries do not survive
// a restart of the memcached pool.
type Cache struct {
	client
}

var _ cache.Cacher = (*Cache)(nil)

// New creates a new Cache from a list of Memcached servers.
// Every operation is bounded by the given timeout.
func New(timeout time.Duration, servers ...string) *Cache {
	c := memcache.New(servers...)
	c.Timeout = timeout
	return &Cache{c}
}

// Get returns a value from Memcached.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	key, err := hash(key)
	if err != nil {
		return nil, false, err
	}
	i, err := c.client.Get(key)
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return nil, false, nil
		}
		return nil, false, err
	}

	return i.Value, true, nil
}

// Set sets a value in Memcached.
func (c *Cache) Set(key string, value []byte, expiration time.Duration) error {
	key, err := hash(key)
	if err != nil {
		return err
	}
	i := memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: seconds(expiration),
	}
	return c.client.Set(&i)
}

// Touch updates the expiration of a value in Memcached.
func (c *Cache) Touch(key string, expiration time.Duration) error {
	key, err := hash(key)
	if err != nil {
		return err
	}
	if err := c.client.Touch(key, seconds(expiration)); err != nil && err != memcache.ErrCacheMiss {
		return err
	}
	return nil
}

// seconds converts d to a relative Memcached expiration.
// Memcached reads values above 30 days as absolute unix timestamps,
// so longer durations are clamped.
func seconds(d time.Duration) int32 {
	const maxRelative = 30 * 24 * 60 * 60
	s := int64((d + time.Second - 1) / time.Second)
	switch {
	case s < 1:
		return 1
	case s > maxRelative:
		return maxRelative
	}
	return int32(s)
}

// hash hashes the given key to ensure that it is less than 250 bytes,
// as Memcached cannot handle longer keys. It also keeps raw session
// tokens off the wire.
func hash(key string) (string, error) {
	h := sha256.New()
	if _, err := h.Write([]byte(key)); err != nil {
		return "", errors.Wrap(err, "failed to hash key")
	}
	return fmt.Sprintf("%x", (h.Sum(nil))), nil
}
