// Package forwarder relays requests of authenticated sessions to the backend,
// signed on behalf of the identity the session belongs to.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bitnp/clinic-proxy/pkg/authorize"
	"github.com/bitnp/clinic-proxy/pkg/fnv"
	"github.com/bitnp/clinic-proxy/pkg/runutil"
	"github.com/bitnp/clinic-proxy/pkg/signature"
)

const (
	// HeaderTarget carries the backend path, including an optional query.
	HeaderTarget = "url"

	// DefaultTimeout bounds a single backend exchange.
	DefaultTimeout = 30 * time.Second

	defaultContentType = "text/plain"
	unknownAddr        = "0.0.0.0"
	requestBodyLimit   = 10 * 1024 * 1024
)

var (
	ErrUnsupportedMethod = authorize.NewErrorWithCode(errors.New("unsupported method"), http.StatusBadRequest)
	ErrMissingTarget     = authorize.NewErrorWithCode(errors.New("missing target url"), http.StatusBadRequest)
	ErrMissingToken      = authorize.NewErrorWithCode(errors.New("missing session token"), http.StatusBadRequest)
	ErrUnauthenticated   = authorize.NewErrorWithCode(errors.New("unknown session"), http.StatusForbidden)
)

// BodyDecodeFallback is applied to POST and PUT bodies that are not a JSON
// object: the request is still forwarded, without a body.
func BodyDecodeFallback([]byte) []byte { return nil }

// Request is a request to be relayed to the backend.
type Request struct {
	Method string
	// Path is the backend path, optionally with a query.
	Path        string
	Token       string
	Accept      string
	ContentType string
	// RemoteAddr is the address of the caller, with or without a port.
	RemoteAddr string
	Body       []byte
}

// Response is the backend's answer, relayed as is.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IdentityStore looks up the identity a session token belongs to.
// *session.Store implements it.
type IdentityStore interface {
	Get(token string) (identity string, ok bool, err error)
}

// Forwarder sends requests to the backend on behalf of cached identities.
type Forwarder struct {
	backend    *url.URL
	client     *http.Client
	identities IdentityStore
	logger     log.Logger
	bodyLimit  int64

	// Metrics.
	forwardRequests *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
}

// NewClient returns a http.Client signing every request with secret.
// Requests must carry an identity, see signature.WithIdentity.
func NewClient(secret string, timeout time.Duration, rt http.RoundTripper) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: signature.NewRoundTripper(secret, rt),
		Timeout:   timeout,
	}
}

// New creates a Forwarder relaying to backend with client, which is
// expected to sign its requests, see NewClient.
func New(logger log.Logger, reg prometheus.Registerer, backend *url.URL, client *http.Client, identities IdentityStore) *Forwarder {
	f := &Forwarder{
		backend:    backend,
		client:     client,
		identities: identities,
		logger:     log.With(logger, "component", "forwarder"),
		bodyLimit:  requestBodyLimit,
		forwardRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_forward_requests_total",
			Help: "Total amount of proxied requests by result.",
		}, []string{"result"}),
		forwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_forward_request_duration_seconds",
			Help:    "Tracks the duration of requests forwarded to the backend.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"status_code"}),
	}

	if reg != nil {
		reg.MustRegister(f.forwardRequests, f.forwardDuration)
	}

	return f
}

// Forward relays req to the backend. Returned errors implement
// authorize.ErrorWithCode.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	logger := log.With(f.logger, "method", req.Method, "path", req.Path)

	switch req.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		f.forwardRequests.WithLabelValues("bad_request").Inc()
		return nil, ErrUnsupportedMethod
	}
	if req.Path == "" {
		f.forwardRequests.WithLabelValues("bad_request").Inc()
		return nil, ErrMissingTarget
	}
	if req.Token == "" {
		f.forwardRequests.WithLabelValues("bad_request").Inc()
		return nil, ErrMissingToken
	}

	identity, ok, err := f.identities.Get(req.Token)
	if err != nil {
		f.forwardRequests.WithLabelValues("error").Inc()
		level.Error(logger).Log("msg", "failed to look up session", "err", err)
		return nil, authorize.NewErrorWithCode(err, http.StatusInternalServerError)
	}
	if !ok {
		f.forwardRequests.WithLabelValues("unauthenticated").Inc()
		level.Warn(logger).Log("msg", "rejected request of unknown session", "session", fnv.Fingerprint(req.Token))
		return nil, ErrUnauthenticated
	}
	logger = log.With(logger, "identity", identity)

	target, err := f.target(req.Path, identity)
	if err != nil {
		f.forwardRequests.WithLabelValues("bad_request").Inc()
		level.Debug(logger).Log("msg", "invalid target url", "err", err)
		return nil, authorize.NewErrorWithCode(err, http.StatusBadRequest)
	}

	var body io.Reader
	if req.Method == http.MethodPost || req.Method == http.MethodPut {
		patched, ok := InjectUser(req.Body, identity)
		if !ok {
			level.Debug(logger).Log("msg", "request body is not a JSON object, forwarding without body")
			patched = BodyDecodeFallback(req.Body)
		}
		body = bytes.NewReader(patched)
	}

	out, err := http.NewRequestWithContext(signature.WithIdentity(ctx, identity), req.Method, target, body)
	if err != nil {
		f.forwardRequests.WithLabelValues("error").Inc()
		return nil, authorize.NewErrorWithCode(errors.Wrap(err, "failed to create forwarding request"), http.StatusInternalServerError)
	}
	if req.Accept != "" {
		out.Header.Set("Accept", req.Accept)
	}
	if body != nil {
		ct := req.ContentType
		if ct == "" {
			ct = defaultContentType
		}
		out.Header.Set("Content-Type", ct)
	}
	out.Header.Set("X-Forwarded-For", clientAddr(req.RemoteAddr))

	begin := time.Now()
	resp, err := f.client.Do(out)
	if err != nil {
		f.forwardRequests.WithLabelValues("upstream_error").Inc()
		level.Warn(logger).Log("msg", "failed to forward request", "err", err)
		return nil, authorize.NewErrorWithCode(errors.Wrap(err, "failed to forward request"), http.StatusInternalServerError)
	}
	defer runutil.ExhaustCloseWithLogOnErr(logger, resp.Body, "close backend response")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		f.forwardRequests.WithLabelValues("upstream_error").Inc()
		level.Warn(logger).Log("msg", "failed to read backend response", "err", err)
		return nil, authorize.NewErrorWithCode(errors.Wrap(err, "failed to read backend response"), http.StatusInternalServerError)
	}

	f.forwardDuration.
		WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).
		Observe(time.Since(begin).Seconds())
	f.forwardRequests.WithLabelValues("success").Inc()

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = defaultContentType
	}
	return &Response{StatusCode: resp.StatusCode, ContentType: ct, Body: data}, nil
}

// target resolves path against the backend and binds the request to
// identity through the username query parameter. Only the path and query
// of path are used, so callers cannot redirect requests to another host.
func (f *Forwarder) target(path, identity string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse target url")
	}

	u := *f.backend
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	u.RawPath = ""
	u.Fragment = ""

	q := ref.Query()
	q.Set("username", identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// InjectUser adds a "user" field holding identity to a JSON object, unless
// it already has one. Key order is preserved and the result is compacted.
// ok is false if body is not a JSON object.
func InjectUser(body []byte, identity string) (patched []byte, ok bool) {
	body = bytes.TrimSpace(body)
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, false
	}

	if !gjson.GetBytes(body, "user").Exists() {
		var err error
		if body, err = sjson.SetBytes(body, "user", identity); err != nil {
			return nil, false
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func clientAddr(remoteAddr string) string {
	if remoteAddr == "" {
		return unknownAddr
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	if remoteAddr == "" {
		return unknownAddr
	}
	return remoteAddr
}

// ServeHTTP relays requests addressed by the url header for the session in
// the user-token header. Rejected requests are answered with an empty body.
// Bodies larger than 10 MiB are refused with 413 rather than truncated.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.With(f.logger, "request", middleware.GetReqID(r.Context()))

	var body []byte
	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, f.bodyLimit+1))
		if err != nil {
			level.Warn(logger).Log("msg", "failed to read request body", "err", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if int64(len(body)) > f.bodyLimit {
			f.forwardRequests.WithLabelValues("bad_request").Inc()
			level.Warn(logger).Log("msg", "rejected oversized request body", "limit", f.bodyLimit)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
	}

	resp, err := f.Forward(r.Context(), Request{
		Method:      r.Method,
		Path:        r.Header.Get(HeaderTarget),
		Token:       r.Header.Get(authorize.HeaderToken),
		Accept:      r.Header.Get("Accept"),
		ContentType: r.Header.Get("Content-Type"),
		RemoteAddr:  r.RemoteAddr,
		Body:        body,
	})
	if err != nil {
		code := http.StatusInternalServerError
		if ec, ok := err.(authorize.ErrorWithCode); ok {
			code = ec.HTTPStatusCode()
		}
		w.WriteHeader(code)
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 {
		return
	}
	if _, err := w.Write(resp.Body); err != nil {
		level.Warn(logger).Log("msg", "failed to relay backend response", "err", err)
	}
}
