package signature

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

type identityKey struct{}

// WithIdentity returns a context carrying the identity requests are signed for.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityKey{}).(string)
	return identity, ok && identity != ""
}

type signingRoundTripper struct {
	secret string
	next   http.RoundTripper

	now func() time.Time
}

// NewRoundTripper returns a http.RoundTripper that signs every request
// on behalf of the identity found in the request context.
// The Date header and the signature are derived from the same timestamp,
// taken when the request is sent.
//
// Requests without an identity are refused.
//
// It is safe for concurrent use.
func NewRoundTripper(secret string, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &signingRoundTripper{
		secret: secret,
		next:   next,
		now:    time.Now,
	}
}

func (rt *signingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	identity, ok := IdentityFrom(req.Context())
	if !ok {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, errors.New("refusing to send unsigned request: no identity in request context")
	}

	ts := Timestamp(rt.now())

	signed := req.Clone(req.Context())
	signed.Header.Set(HeaderDate, ts)
	signed.Header.Set(HeaderSignature, Sign(rt.secret, identity, ts))

	return rt.next.RoundTrip(signed)
}

// CloseIdleConnections closes idle connections of the wrapped transport.
func (rt *signingRoundTripper) CloseIdleConnections() {
	if ic, ok := rt.next.(interface{ CloseIdleConnections() }); ok {
		ic.CloseIdleConnections()
	}
}
