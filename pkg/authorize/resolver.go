package authorize

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/bitnp/clinic-proxy/pkg/dingtalk"
	"github.com/bitnp/clinic-proxy/pkg/fnv"
)

// ErrEmptyCode is returned when no authorization code was presented.
var ErrEmptyCode = NewErrorWithCode(errors.New("missing authorization code"), http.StatusBadRequest)

// Step names the stage of an identity resolution.
type Step string

const (
	StepCache      Step = "cache"
	StepToken      Step = "access_token"
	StepUserInfo   Step = "user_info"
	StepUserDetail Step = "user_detail"
	StepStore      Step = "store"
)

// ResolutionFailed is returned when an authorization code could not be
// turned into an identity. Nothing is cached for the code in that case.
type ResolutionFailed struct {
	Step Step
	Err  error
}

func (e *ResolutionFailed) Error() string {
	return "identity resolution failed at " + string(e.Step) + ": " + e.Err.Error()
}

func (e *ResolutionFailed) Cause() error  { return e.Err }
func (e *ResolutionFailed) Unwrap() error { return e.Err }

// HTTPStatusCode implements ErrorWithCode.
func (e *ResolutionFailed) HTTPStatusCode() int { return http.StatusInternalServerError }

// Provider performs the three identity provider calls of a resolution.
// *dingtalk.Client implements it.
type Provider interface {
	AccessToken(ctx context.Context) (string, error)
	UserID(ctx context.Context, accessToken, code string) (string, error)
	JobNumber(ctx context.Context, accessToken, userID string) (string, error)
}

// IdentityStore caches resolved identities. *session.Store implements it.
type IdentityStore interface {
	Get(token string) (identity string, ok bool, err error)
	Put(token, identity string) error
}

// TokenStore holds the provider access token shared by all resolutions.
// Reads go through its oauth2.TokenSource, which fails once the token expired.
type TokenStore interface {
	oauth2.TokenSource
	Set(token string, expires time.Time)
	Invalidate(token string)
}

const tokenFlightKey = "provider-token"

// Resolver exchanges authorization codes for identities.
type Resolver struct {
	provider   Provider
	tokens     TokenStore
	identities IdentityStore
	flight     singleflight.Group
	now        func() time.Time
	logger     log.Logger

	// Metrics.
	resolutionsTotal *prometheus.CounterVec
	tokenRefreshes   *prometheus.CounterVec
}

// NewResolver creates a Resolver. Successful resolutions are stored in
// identities, keyed by the authorization code.
func NewResolver(logger log.Logger, reg prometheus.Registerer, provider Provider, tokens TokenStore, identities IdentityStore) *Resolver {
	r := &Resolver{
		provider:   provider,
		tokens:     tokens,
		identities: identities,
		now:        time.Now,
		logger:     log.With(logger, "component", "authorize/resolver"),
		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_resolutions_total",
				Help: "The number of identity resolutions by result.",
			}, []string{"result"},
		),
		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_token_refreshes_total",
				Help: "The number of provider access token fetches by result.",
			}, []string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(r.resolutionsTotal, r.tokenRefreshes)
	}

	return r
}

// Known reports whether an identity is cached for the authorization code.
func (r *Resolver) Known(code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	_, ok, err := r.identities.Get(code)
	return ok, err
}

// Resolve returns the identity the authorization code belongs to.
// cached reports whether the identity was already known, in which case the
// provider was not called at all.
func (r *Resolver) Resolve(ctx context.Context, code string) (identity string, cached bool, err error) {
	if code == "" {
		return "", false, ErrEmptyCode
	}
	logger := log.With(r.logger, "code", fnv.Fingerprint(code))

	identity, ok, err := r.identities.Get(code)
	if err != nil {
		r.resolutionsTotal.WithLabelValues("failed").Inc()
		return "", false, &ResolutionFailed{Step: StepCache, Err: err}
	}
	if ok {
		r.resolutionsTotal.WithLabelValues("cached").Inc()
		return identity, true, nil
	}

	// Codes are single use at the provider, so concurrent attempts with the
	// same code share one resolution.
	v, err, _ := r.flight.Do("code:"+code, func() (interface{}, error) {
		return r.resolve(ctx, code)
	})
	if err != nil {
		r.resolutionsTotal.WithLabelValues("failed").Inc()
		level.Warn(logger).Log("msg", "failed to resolve identity", "err", err)
		return "", false, err
	}

	r.resolutionsTotal.WithLabelValues("resolved").Inc()
	level.Info(logger).Log("msg", "resolved identity", "identity", v.(string))
	return v.(string), false, nil
}

func (r *Resolver) resolve(ctx context.Context, code string) (string, error) {
	// A resolution that finished just before this flight started has
	// already cached the identity.
	if identity, ok, err := r.identities.Get(code); err == nil && ok {
		return identity, nil
	}

	token, err := r.accessToken(ctx)
	if err != nil {
		return "", &ResolutionFailed{Step: StepToken, Err: err}
	}

	userID, err := r.provider.UserID(ctx, token, code)
	if err != nil {
		r.invalidateOn(err, token)
		return "", &ResolutionFailed{Step: StepUserInfo, Err: err}
	}

	identity, err := r.provider.JobNumber(ctx, token, userID)
	if err != nil {
		r.invalidateOn(err, token)
		return "", &ResolutionFailed{Step: StepUserDetail, Err: err}
	}

	if err := r.identities.Put(code, identity); err != nil {
		return "", &ResolutionFailed{Step: StepStore, Err: err}
	}
	return identity, nil
}

// accessToken returns the cached provider token, fetching a new one when
// the cache is empty. Concurrent callers share a single fetch.
func (r *Resolver) accessToken(ctx context.Context) (string, error) {
	if token, ok := r.cachedToken(); ok {
		return token, nil
	}

	v, err, _ := r.flight.Do(tokenFlightKey, func() (interface{}, error) {
		if token, ok := r.cachedToken(); ok {
			return token, nil
		}

		token, err := r.provider.AccessToken(ctx)
		if err != nil {
			r.tokenRefreshes.WithLabelValues("error").Inc()
			return "", err
		}
		if token == "" {
			r.tokenRefreshes.WithLabelValues("error").Inc()
			return "", errors.New("provider returned an empty access token")
		}

		r.tokens.Set(token, r.now().Add(ProviderTokenTTL))
		r.tokenRefreshes.WithLabelValues("success").Inc()
		level.Debug(r.logger).Log("msg", "refreshed provider access token", "token", fnv.Fingerprint(token))
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) cachedToken() (string, bool) {
	tok, err := r.tokens.Token()
	if err != nil || tok == nil || tok.AccessToken == "" {
		return "", false
	}
	return tok.AccessToken, true
}

func (r *Resolver) invalidateOn(err error, token string) {
	if dingtalk.IsInvalidToken(err) {
		level.Info(r.logger).Log("msg", "provider rejected access token, dropping it", "token", fnv.Fingerprint(token))
		r.tokens.Invalidate(token)
	}
}

var _ Provider = &dingtalk.Client{}
