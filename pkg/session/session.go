// Package session maps session tokens to the identities they were resolved to.
package session

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/bitnp/clinic-proxy/pkg/cache"
	"github.com/bitnp/clinic-proxy/pkg/fnv"
)

// DefaultTTL is how long an identity stays cached without being read.
const DefaultTTL = 2 * time.Hour

// Store caches identities by session token with a sliding expiration:
// every successful Get pushes the expiration back by the TTL.
type Store struct {
	c      cache.Cacher
	ttl    time.Duration
	logger log.Logger
}

// NewStore returns a Store on top of c. A non-positive ttl selects DefaultTTL.
func NewStore(logger log.Logger, c cache.Cacher, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{c: c, ttl: ttl, logger: log.With(logger, "component", "session")}
}

// Get returns the identity cached for token.
// Unknown and expired tokens both report ok == false.
func (s *Store) Get(token string) (identity string, ok bool, err error) {
	if token == "" {
		return "", false, nil
	}
	value, ok, err := s.c.Get(token)
	if err != nil {
		return "", false, errors.Wrap(err, "failed to look up session")
	}
	if !ok || len(value) == 0 {
		return "", false, nil
	}
	// A failed refresh only shortens the session, the read itself succeeded.
	if err := s.c.Touch(token, s.ttl); err != nil {
		level.Debug(s.logger).Log("msg", "failed to refresh session expiration", "session", fnv.Fingerprint(token), "err", err)
	}
	return string(value), true, nil
}

// Put caches identity for token.
func (s *Store) Put(token, identity string) error {
	if token == "" {
		return errors.New("refusing to cache an identity for an empty session token")
	}
	if identity == "" {
		return errors.New("refusing to cache an empty identity")
	}
	return errors.Wrap(s.c.Set(token, []byte(identity), s.ttl), "failed to store session")
}
