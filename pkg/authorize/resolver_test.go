package authorize

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/bitnp/clinic-proxy/pkg/cache/memory"
	"github.com/bitnp/clinic-proxy/pkg/dingtalk"
	"github.com/bitnp/clinic-proxy/pkg/session"
)

// fakeProvider is a Provider with canned answers that counts its calls.
type fakeProvider struct {
	mu sync.Mutex

	tokens     []string
	tokenErr   error
	userIDs    map[string]string
	jobNumbers map[string]string
	infoErr    error
	detailErr  error

	tokenCalls, infoCalls, detailCalls int
	seenTokens                         []string
}

func (p *fakeProvider) AccessToken(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenCalls++
	if p.tokenErr != nil {
		return "", p.tokenErr
	}
	if len(p.tokens) == 0 {
		return "", nil
	}
	t := p.tokens[0]
	if len(p.tokens) > 1 {
		p.tokens = p.tokens[1:]
	}
	return t, nil
}

func (p *fakeProvider) UserID(_ context.Context, token, code string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infoCalls++
	p.seenTokens = append(p.seenTokens, token)
	if p.infoErr != nil {
		return "", p.infoErr
	}
	id, ok := p.userIDs[code]
	if !ok {
		return "", errors.New("unknown code")
	}
	return id, nil
}

func (p *fakeProvider) JobNumber(_ context.Context, _, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detailCalls++
	if p.detailErr != nil {
		return "", p.detailErr
	}
	return p.jobNumbers[userID], nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls + p.infoCalls + p.detailCalls
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		tokens:     []string{"at1", "at2"},
		userIDs:    map[string]string{"code1": "u1", "code2": "u2"},
		jobNumbers: map[string]string{"u1": "1001", "u2": "1002"},
	}
}

func newTestResolver(t *testing.T, p Provider) (*Resolver, *TokenCache, *session.Store) {
	t.Helper()
	c, err := memory.New(64)
	if err != nil {
		t.Fatal(err)
	}
	tokens := NewTokenCache()
	identities := session.NewStore(log.NewNopLogger(), c, 0)
	return NewResolver(log.NewNopLogger(), nil, p, tokens, identities), tokens, identities
}

func TestResolve(t *testing.T) {
	type checkFunc func(identity string, cached bool, err error, p *fakeProvider, tokens *TokenCache, identities *session.Store) error

	isNil := func(identity string, cached bool, err error, _ *fakeProvider, _ *TokenCache, _ *session.Store) error {
		if err != nil {
			return fmt.Errorf("want no error, got %v", err)
		}
		return nil
	}
	hasIdentity := func(want string, wantCached bool) checkFunc {
		return func(identity string, cached bool, _ error, _ *fakeProvider, _ *TokenCache, _ *session.Store) error {
			if identity != want || cached != wantCached {
				return fmt.Errorf("want identity %q (cached=%t), got %q (cached=%t)", want, wantCached, identity, cached)
			}
			return nil
		}
	}
	failedAt := func(step Step) checkFunc {
		return func(_ string, _ bool, err error, _ *fakeProvider, _ *TokenCache, _ *session.Store) error {
			var rf *ResolutionFailed
			if !errors.As(err, &rf) {
				return fmt.Errorf("want ResolutionFailed, got %v", err)
			}
			if rf.Step != step {
				return fmt.Errorf("want failure at %s, got %s", step, rf.Step)
			}
			if rf.HTTPStatusCode() != 500 {
				return fmt.Errorf("want status 500, got %d", rf.HTTPStatusCode())
			}
			return nil
		}
	}
	notStored := func(code string) checkFunc {
		return func(_ string, _ bool, _ error, _ *fakeProvider, _ *TokenCache, identities *session.Store) error {
			if _, ok, _ := identities.Get(code); ok {
				return fmt.Errorf("want nothing cached for %q", code)
			}
			return nil
		}
	}
	stored := func(code, want string) checkFunc {
		return func(_ string, _ bool, _ error, _ *fakeProvider, _ *TokenCache, identities *session.Store) error {
			if got, ok, _ := identities.Get(code); !ok || got != want {
				return fmt.Errorf("want %q cached for %q, got %q (ok=%t)", want, code, got, ok)
			}
			return nil
		}
	}
	providerCalls := func(want int) checkFunc {
		return func(_ string, _ bool, _ error, p *fakeProvider, _ *TokenCache, _ *session.Store) error {
			if got := p.calls(); got != want {
				return fmt.Errorf("want %d provider calls, got %d", want, got)
			}
			return nil
		}
	}
	tokenCached := func(want bool) checkFunc {
		return func(_ string, _ bool, _ error, _ *fakeProvider, tokens *TokenCache, _ *session.Store) error {
			if _, ok := tokens.Get(); ok != want {
				return fmt.Errorf("want provider token cached=%t", want)
			}
			return nil
		}
	}

	for _, tc := range []struct {
		name    string
		code    string
		prepare func(*fakeProvider, *TokenCache, *session.Store)
		checks  []checkFunc
	}{
		{
			name:   "fresh resolution",
			code:   "code1",
			checks: []checkFunc{isNil, hasIdentity("1001", false), stored("code1", "1001"), providerCalls(3), tokenCached(true)},
		},
		{
			name: "cached code makes no provider calls",
			code: "code1",
			prepare: func(_ *fakeProvider, _ *TokenCache, s *session.Store) {
				if err := s.Put("code1", "1001"); err != nil {
					panic(err)
				}
			},
			checks: []checkFunc{isNil, hasIdentity("1001", true), providerCalls(0)},
		},
		{
			name: "cached provider token is reused",
			code: "code2",
			prepare: func(_ *fakeProvider, tokens *TokenCache, _ *session.Store) {
				tokens.Set("at0", time.Now().Add(time.Hour))
			},
			checks: []checkFunc{
				isNil, hasIdentity("1002", false), providerCalls(2),
				func(_ string, _ bool, _ error, p *fakeProvider, _ *TokenCache, _ *session.Store) error {
					if len(p.seenTokens) != 1 || p.seenTokens[0] != "at0" {
						return fmt.Errorf("want cached token at0 to be used, got %v", p.seenTokens)
					}
					return nil
				},
			},
		},
		{
			name: "empty code",
			code: "",
			checks: []checkFunc{
				providerCalls(0),
				func(_ string, _ bool, err error, _ *fakeProvider, _ *TokenCache, _ *session.Store) error {
					if err != ErrEmptyCode {
						return fmt.Errorf("want ErrEmptyCode, got %v", err)
					}
					return nil
				},
			},
		},
		{
			name: "provider token failure leaves caches untouched",
			code: "code1",
			prepare: func(p *fakeProvider, _ *TokenCache, _ *session.Store) {
				p.tokenErr = errors.New("provider down")
			},
			checks: []checkFunc{failedAt(StepToken), notStored("code1"), tokenCached(false), providerCalls(1)},
		},
		{
			name: "empty provider token",
			code: "code1",
			prepare: func(p *fakeProvider, _ *TokenCache, _ *session.Store) {
				p.tokens = nil
			},
			checks: []checkFunc{failedAt(StepToken), notStored("code1"), tokenCached(false)},
		},
		{
			name:   "unknown code",
			code:   "bogus",
			checks: []checkFunc{failedAt(StepUserInfo), notStored("bogus"), tokenCached(true), providerCalls(2)},
		},
		{
			name: "user detail failure",
			code: "code1",
			prepare: func(p *fakeProvider, _ *TokenCache, _ *session.Store) {
				p.detailErr = errors.New("boom")
			},
			checks: []checkFunc{failedAt(StepUserDetail), notStored("code1"), tokenCached(true), providerCalls(3)},
		},
		{
			name: "invalid token is dropped",
			code: "code1",
			prepare: func(p *fakeProvider, _ *TokenCache, _ *session.Store) {
				p.infoErr = &dingtalk.Error{Code: dingtalk.CodeInvalidToken, Message: "invalid access_token"}
			},
			checks: []checkFunc{failedAt(StepUserInfo), notStored("code1"), tokenCached(false), providerCalls(2)},
		},
		{
			name: "expired token is dropped",
			code: "code1",
			prepare: func(p *fakeProvider, _ *TokenCache, _ *session.Store) {
				p.detailErr = &dingtalk.Error{Code: dingtalk.CodeExpiredToken, Message: "expired"}
			},
			checks: []checkFunc{failedAt(StepUserDetail), tokenCached(false)},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := newFakeProvider()
			r, tokens, identities := newTestResolver(t, p)
			if tc.prepare != nil {
				tc.prepare(p, tokens, identities)
			}

			identity, cached, err := r.Resolve(context.Background(), tc.code)
			for _, check := range tc.checks {
				if e := check(identity, cached, err, p, tokens, identities); e != nil {
					t.Error(e)
				}
			}
		})
	}
}

// sourceCountingStore counts reads through the oauth2.TokenSource.
type sourceCountingStore struct {
	*TokenCache
	mu    sync.Mutex
	reads int
}

func (s *sourceCountingStore) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return s.TokenCache.Token()
}

func TestResolveReadsTokenSource(t *testing.T) {
	p := newFakeProvider()
	m, err := memory.New(0)
	if err != nil {
		t.Fatal(err)
	}
	store := &sourceCountingStore{TokenCache: NewTokenCache()}
	store.Set("at0", time.Now().Add(time.Hour))
	p.userIDs["code3"] = "u3"
	r := NewResolver(log.NewNopLogger(), nil, p, store, session.NewStore(log.NewNopLogger(), m, 0))

	for _, code := range []string{"code1", "code2"} {
		if _, _, err := r.Resolve(context.Background(), code); err != nil {
			t.Fatal(err)
		}
	}

	if p.tokenCalls != 0 {
		t.Errorf("want the token from the source to be used, got %d provider token calls", p.tokenCalls)
	}
	if store.reads != 2 {
		t.Errorf("want one token source read per resolution, got %d", store.reads)
	}
	for _, got := range p.seenTokens {
		if got != "at0" {
			t.Errorf("want provider calls authenticated with at0, got %q", got)
		}
	}

	// An expired source forces a fetch that is written back to the store.
	store.Set("at0", time.Now().Add(-time.Minute))
	if _, _, err := r.Resolve(context.Background(), "code3"); err != nil {
		t.Fatal(err)
	}
	if p.tokenCalls != 1 {
		t.Errorf("want one provider token call after expiry, got %d", p.tokenCalls)
	}
	tok, err := store.Token()
	if err != nil || tok.AccessToken != "at1" {
		t.Errorf("want fetched token at1 readable through the source, got %v, %v", tok, err)
	}
}

func TestResolveTokenExpiry(t *testing.T) {
	p := newFakeProvider()
	r, tokens, _ := newTestResolver(t, p)
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	tokens.now = r.now

	if _, _, err := r.Resolve(context.Background(), "code1"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(ProviderTokenTTL)
	if _, _, err := r.Resolve(context.Background(), "code2"); err != nil {
		t.Fatal(err)
	}

	if p.tokenCalls != 2 {
		t.Errorf("want the token to be refreshed after %s, got %d token calls", ProviderTokenTTL, p.tokenCalls)
	}
	if got, _ := tokens.Get(); got != "at2" {
		t.Errorf("want refreshed token at2 cached, got %q", got)
	}
}

func TestResolveConcurrentRefresh(t *testing.T) {
	p := newFakeProvider()
	const n = 20
	for i := 0; i < n; i++ {
		code := fmt.Sprintf("c%d", i)
		p.userIDs[code] = "id" + code
		p.jobNumbers["id"+code] = "job" + code
	}
	r, _, _ := newTestResolver(t, p)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := fmt.Sprintf("c%d", i)
			identity, _, err := r.Resolve(context.Background(), code)
			if err != nil {
				errs <- err
				return
			}
			if identity != "job"+code {
				errs <- fmt.Errorf("want identity %q, got %q", "job"+code, identity)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if p.tokenCalls != 1 {
		t.Errorf("want exactly one token refresh, got %d", p.tokenCalls)
	}
}

func TestResolveSameCodeConcurrently(t *testing.T) {
	p := newFakeProvider()
	r, _, _ := newTestResolver(t, p)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if identity, _, err := r.Resolve(context.Background(), "code1"); err != nil || identity != "1001" {
				t.Errorf("want identity 1001, got %q: %v", identity, err)
			}
		}()
	}
	wg.Wait()

	if p.infoCalls != 1 {
		t.Errorf("want the code to be exchanged once, got %d exchanges", p.infoCalls)
	}
}

func TestResolveAgainstMock(t *testing.T) {
	m := dingtalk.NewMock(log.NewNopLogger(), "key", "secret")
	m.AddUser("code1", "user1", "1120200001")
	client := newMockClient(t, m)
	r, tokens, _ := newTestResolver(t, client)

	identity, cached, err := r.Resolve(context.Background(), "code1")
	if err != nil {
		t.Fatal(err)
	}
	if identity != "1120200001" || cached {
		t.Fatalf("want fresh identity 1120200001, got %q (cached=%t)", identity, cached)
	}

	// The provider forgets every token; the next resolution fails and the
	// stale token must not be used again.
	m.RevokeTokens()
	m.AddUser("code2", "user2", "1120200002")
	if _, _, err := r.Resolve(context.Background(), "code2"); err == nil {
		t.Fatal("want resolution with a revoked token to fail")
	}
	if _, ok := tokens.Get(); ok {
		t.Fatal("want revoked token to be dropped")
	}

	identity, _, err = r.Resolve(context.Background(), "code2")
	if err != nil {
		t.Fatal(err)
	}
	if identity != "1120200002" {
		t.Errorf("want identity 1120200002, got %q", identity)
	}
	if got := m.Calls(dingtalk.TokenPath); got != 2 {
		t.Errorf("want 2 token fetches, got %d", got)
	}
}
