package authorize

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// ProviderTokenTTL is how long a freshly fetched provider access token is
// trusted. DingTalk issues tokens valid for two hours; the margin makes the
// proxy refresh well before the provider starts rejecting them.
const ProviderTokenTTL = 105 * time.Minute

// ErrNoToken is returned by the TokenSource of an empty or expired TokenCache.
var ErrNoToken = errors.New("no valid provider access token cached")

// TokenCache holds at most one provider access token together with its
// absolute expiry. Absent and expired tokens are indistinguishable.
type TokenCache struct {
	lock  sync.Mutex
	value *oauth2.Token
	now   func() time.Time
}

// NewTokenCache returns an empty TokenCache.
func NewTokenCache() *TokenCache {
	return &TokenCache{now: time.Now}
}

// Get returns the cached token if it has not expired yet.
func (t *TokenCache) Get() (string, bool) {
	tok, err := t.Token()
	if err != nil {
		return "", false
	}
	return tok.AccessToken, true
}

// Set replaces the cached token. An empty token clears the cache.
func (t *TokenCache) Set(token string, expires time.Time) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if token == "" {
		t.value = nil
		return
	}
	t.value = &oauth2.Token{AccessToken: token, TokenType: "Bearer", Expiry: expires}
}

// Invalidate drops the cached token, but only if it is still the given one,
// so a token refreshed in the meantime survives a late invalidation.
func (t *TokenCache) Invalidate(token string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.value != nil && t.value.AccessToken == token {
		t.value = nil
	}
}

// Token implements oauth2.TokenSource.
func (t *TokenCache) Token() (*oauth2.Token, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.value == nil || t.value.AccessToken == "" || !t.now().Before(t.value.Expiry) {
		return nil, ErrNoToken
	}
	tok := *t.value
	return &tok, nil
}

var _ TokenStore = &TokenCache{}
