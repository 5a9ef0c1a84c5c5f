package session

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/bitnp/clinic-proxy/pkg/cache/memory"
	"github.com/bitnp/clinic-proxy/pkg/fnv"
)

type brokenCacher struct{}

func (brokenCacher) Get(string) ([]byte, bool, error)        { return nil, false, errors.New("down") }
func (brokenCacher) Set(string, []byte, time.Duration) error { return errors.New("down") }
func (brokenCacher) Touch(string, time.Duration) error       { return errors.New("down") }

// countingCacher records Touch calls on top of an in-memory cache.
type countingCacher struct {
	*memory.Cache
	touches int
}

func (c *countingCacher) Touch(key string, d time.Duration) error {
	c.touches++
	return c.Cache.Touch(key, d)
}

func newStore(t *testing.T) (*Store, *countingCacher) {
	t.Helper()
	m, err := memory.New(16)
	if err != nil {
		t.Fatal(err)
	}
	c := &countingCacher{Cache: m}
	return NewStore(log.NewNopLogger(), c, 0), c
}

func TestStore(t *testing.T) {
	type checkFunc func(*Store) error

	checks := func(cs ...checkFunc) checkFunc {
		return func(s *Store) error {
			for _, c := range cs {
				if e := c(s); e != nil {
					return e
				}
			}
			return nil
		}
	}

	put := func(token, identity string, wantErr bool) checkFunc {
		return func(s *Store) error {
			if err := s.Put(token, identity); (err != nil) != wantErr {
				return fmt.Errorf("Put(%q, %q): want error %t, got %v", token, identity, wantErr, err)
			}
			return nil
		}
	}

	get := func(token, want string, wantOK bool) checkFunc {
		return func(s *Store) error {
			got, ok, err := s.Get(token)
			if err != nil {
				return err
			}
			if ok != wantOK || got != want {
				return fmt.Errorf("Get(%q): want (%q, %t), got (%q, %t)", token, want, wantOK, got, ok)
			}
			return nil
		}
	}

	for _, tc := range []struct {
		name  string
		check checkFunc
	}{
		{
			name:  "round trip",
			check: checks(put("tok1", "alice", false), get("tok1", "alice", true)),
		},
		{
			name:  "unknown token",
			check: get("nope", "", false),
		},
		{
			name:  "empty token is never stored",
			check: checks(put("", "alice", true), get("", "", false)),
		},
		{
			name:  "empty identity is never stored",
			check: checks(put("tok1", "", true), get("tok1", "", false)),
		},
		{
			name: "tokens do not interfere",
			check: checks(
				put("tok1", "alice", false),
				put("tok2", "bob", false),
				get("tok1", "alice", true),
				get("tok2", "bob", true),
			),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newStore(t)
			if err := tc.check(s); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestStoreSlidesOnRead(t *testing.T) {
	s, c := newStore(t)
	if s.ttl != DefaultTTL {
		t.Fatalf("want default ttl %v, got %v", DefaultTTL, s.ttl)
	}

	if err := s.Put("tok1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get("tok1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get("missing"); err != nil {
		t.Fatal(err)
	}
	if c.touches != 1 {
		t.Errorf("want exactly one expiration refresh for the hit, got %d", c.touches)
	}
}

// stuckCacher serves reads but cannot extend expirations.
type stuckCacher struct {
	*memory.Cache
}

func (stuckCacher) Touch(string, time.Duration) error { return errors.New("touch unsupported") }

func TestStoreRefreshFailureIsLogged(t *testing.T) {
	m, err := memory.New(16)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	logger := level.NewFilter(log.NewLogfmtLogger(log.NewSyncWriter(&buf)), level.AllowDebug())
	s := NewStore(logger, stuckCacher{Cache: m}, time.Hour)

	if err := s.Put("tok-xyz", "alice"); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Get("tok-xyz")
	if err != nil || !ok || got != "alice" {
		t.Fatalf("want the read to succeed despite the failed refresh, got (%q, %t, %v)", got, ok, err)
	}

	out := buf.String()
	for _, want := range []string{
		"level=debug",
		"component=session",
		`msg="failed to refresh session expiration"`,
		"session=" + fnv.Fingerprint("tok-xyz"),
		`err="touch unsupported"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("want log output to contain %s, got %q", want, out)
		}
	}
	if strings.Contains(out, "tok-xyz") {
		t.Errorf("want the raw session token kept out of logs, got %q", out)
	}
}

func TestStoreBackendError(t *testing.T) {
	s := NewStore(nil, brokenCacher{}, time.Hour)

	if _, ok, err := s.Get("tok1"); err == nil || ok {
		t.Errorf("want backend error and no identity, got ok=%t err=%v", ok, err)
	}
	if err := s.Put("tok1", "alice"); err == nil {
		t.Error("want backend error on put")
	}
}

func TestStoreSlidingExpiration(t *testing.T) {
	now := time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)
	m, err := memory.New(16, memory.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(log.NewNopLogger(), m, 2*time.Hour)

	if err := s.Put("read", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("idle", "bob"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2*time.Hour - time.Minute)
	if _, ok, _ := s.Get("read"); !ok {
		t.Fatal("want entry to be present just before expiry")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := s.Get("idle"); ok {
		t.Error("want untouched entry to expire after the full window")
	}
	if got, ok, _ := s.Get("read"); !ok || got != "alice" {
		t.Error("want read entry to have its expiration extended")
	}

	now = now.Add(2 * time.Hour)
	if _, ok, _ := s.Get("read"); ok {
		t.Error("want entry to expire after a full idle window")
	}
}
