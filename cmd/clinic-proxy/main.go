package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/bitnp/clinic-proxy/pkg/authorize"
	"github.com/bitnp/clinic-proxy/pkg/cache"
	"github.com/bitnp/clinic-proxy/pkg/cache/memcached"
	"github.com/bitnp/clinic-proxy/pkg/cache/memory"
	"github.com/bitnp/clinic-proxy/pkg/dingtalk"
	"github.com/bitnp/clinic-proxy/pkg/forwarder"
	proxyhttp "github.com/bitnp/clinic-proxy/pkg/http"
	"github.com/bitnp/clinic-proxy/pkg/logger"
	"github.com/bitnp/clinic-proxy/pkg/runutil"
	"github.com/bitnp/clinic-proxy/pkg/server"
	"github.com/bitnp/clinic-proxy/pkg/session"
	"github.com/bitnp/clinic-proxy/pkg/tracing"
)

const desc = `
Authenticating reverse proxy for the clinic backend.

Clients exchange a DingTalk login authorization code for a session on /user,
then send requests through /proxy with that code in the user-token header.
Proxied requests are signed on behalf of the employee the session belongs to.
`

const envPrefix = "CLINIC_PROXY_"

func defaultOpts() (*Options, error) {
	opt := &Options{}
	if err := env.ParseWithOptions(opt, env.Options{Prefix: envPrefix}); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	return opt, nil
}

func main() {
	l := logger.New(os.Stderr)

	opt, err := defaultOpts()
	if err != nil {
		level.Error(l).Log("err", err)
		os.Exit(1)
	}
	opt.Logger = l

	cmd := &cobra.Command{
		Use:           "clinic-proxy",
		Short:         "Authenticating reverse proxy signing requests on behalf of DingTalk users.",
		Long:          desc,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			listener, err := net.Listen("tcp", opt.Listen)
			if err != nil {
				return err
			}
			internalListener, err := net.Listen("tcp", opt.ListenInternal)
			if err != nil {
				return err
			}

			return opt.Run(context.Background(), listener, internalListener)
		},
	}

	cmd.Flags().StringVar(&opt.Listen, "listen", opt.Listen, "A host:port to listen on for client traffic.")
	cmd.Flags().StringVar(&opt.ListenInternal, "listen-internal", opt.ListenInternal, "A host:port to listen on for health and metrics.")

	cmd.Flags().StringVar(&opt.TLSKeyPath, "tls-key", opt.TLSKeyPath, "Path to a private key to serve TLS for external traffic.")
	cmd.Flags().StringVar(&opt.TLSCertificatePath, "tls-crt", opt.TLSCertificatePath, "Path to a certificate to serve TLS for external traffic.")

	cmd.Flags().StringVar(&opt.BackendURL, "backend", opt.BackendURL, "Base URL of the backend proxied requests are sent to.")
	cmd.Flags().StringVar(&opt.APIKey, "apikey", opt.APIKey, "Secret shared with the backend to sign proxied requests.")
	cmd.Flags().DurationVar(&opt.BackendTimeout, "backend-timeout", opt.BackendTimeout, "Timeout of a request to the backend.")

	cmd.Flags().StringVar(&opt.ProviderURL, "provider-url", opt.ProviderURL, "Base URL of the DingTalk open API.")
	cmd.Flags().StringVar(&opt.AppKey, "appkey", opt.AppKey, "DingTalk application key.")
	cmd.Flags().StringVar(&opt.AppSecret, "appsecret", opt.AppSecret, "DingTalk application secret.")
	cmd.Flags().DurationVar(&opt.ProviderTimeout, "provider-timeout", opt.ProviderTimeout, "Timeout of a request to DingTalk.")

	cmd.Flags().DurationVar(&opt.SessionTTL, "session-ttl", opt.SessionTTL, "How long a session stays valid without being used.")
	cmd.Flags().IntVar(&opt.SessionCacheSize, "session-cache-size", opt.SessionCacheSize, "The maximum number of sessions kept in memory; 0 keeps every unexpired session. Ignored when memcached is used.")
	cmd.Flags().DurationVar(&opt.SessionCleanupInterval, "session-cleanup-interval", opt.SessionCleanupInterval, "How often expired sessions are purged from memory.")
	cmd.Flags().StringSliceVar(&opt.Memcacheds, "memcached", opt.Memcacheds, "One or more Memcached server addresses to keep sessions in instead of process memory. Sessions then outlive proxy restarts.")
	cmd.Flags().DurationVar(&opt.MemcachedTimeout, "memcached-timeout", opt.MemcachedTimeout, "Socket read/write timeout for Memcached.")

	cmd.Flags().StringVar(&opt.StaticDir, "static-dir", opt.StaticDir, "A directory served under /lightapp/.")

	cmd.Flags().StringVar(&opt.LogLevel, "log-level", opt.LogLevel, "Log filtering level. e.g info, debug, warn, error")

	cmd.Flags().StringVar(&opt.TracingServiceName, "internal.tracing.service-name", opt.TracingServiceName,
		"The service name to report to the tracing backend.")
	cmd.Flags().StringVar(&opt.TracingEndpoint, "internal.tracing.endpoint", opt.TracingEndpoint,
		"The full URL of the trace collector. If it's not set, tracing will be disabled.")
	cmd.Flags().Float64Var(&opt.TracingSamplingFraction, "internal.tracing.sampling-fraction", opt.TracingSamplingFraction,
		"The fraction of traces to sample. Thus, if you set this to .5, half of traces will be sampled.")
	cmd.Flags().StringVar(&opt.TracingEndpointType, "internal.tracing.endpoint-type", opt.TracingEndpointType,
		fmt.Sprintf("The tracing endpoint type. Options: '%s', '%s', '%s'.", tracing.EndpointTypeAgent, tracing.EndpointTypeCollector, tracing.EndpointTypeOTel))

	level.Info(l).Log("msg", "clinic-proxy initialized", "version", version.Info())
	if err := cmd.Execute(); err != nil {
		level.Error(l).Log("err", err)
		os.Exit(1)
	}
}

// Options configure the proxy. Every option can be set through an
// environment variable prefixed with CLINIC_PROXY_; flags take precedence.
type Options struct {
	Listen         string `env:"LISTEN" envDefault:"0.0.0.0:8080"`
	ListenInternal string `env:"LISTEN_INTERNAL" envDefault:"localhost:8081"`

	TLSKeyPath         string `env:"TLS_KEY"`
	TLSCertificatePath string `env:"TLS_CRT"`

	BackendURL     string        `env:"BACKEND"`
	APIKey         string        `env:"APIKEY"`
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"30s"`

	ProviderURL     string        `env:"PROVIDER_URL" envDefault:"https://oapi.dingtalk.com"`
	AppKey          string        `env:"APPKEY"`
	AppSecret       string        `env:"APPSECRET"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"20s"`

	SessionTTL             time.Duration `env:"SESSION_TTL" envDefault:"2h"`
	SessionCacheSize       int           `env:"SESSION_CACHE_SIZE" envDefault:"0"`
	SessionCleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"1m"`
	Memcacheds             []string      `env:"MEMCACHED" envSeparator:","`
	MemcachedTimeout       time.Duration `env:"MEMCACHED_TIMEOUT" envDefault:"1s"`

	StaticDir string `env:"STATIC_DIR"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Logger   log.Logger

	TracingServiceName      string  `env:"TRACING_SERVICE_NAME" envDefault:"clinic-proxy"`
	TracingEndpoint         string  `env:"TRACING_ENDPOINT"`
	TracingEndpointType     string  `env:"TRACING_ENDPOINT_TYPE" envDefault:"agent"`
	TracingSamplingFraction float64 `env:"TRACING_SAMPLING_FRACTION" envDefault:"0.1"`
}

// banner is served on the external root.
const banner = "BITNP clinic proxy for i-bit / dingtalk."

type Paths struct {
	Paths []string `json:"paths"`
}

func (o *Options) validate() error {
	var missing []string
	for flag, value := range map[string]string{
		"--backend":   o.BackendURL,
		"--apikey":    o.APIKey,
		"--appkey":    o.AppKey,
		"--appsecret": o.AppSecret,
	} {
		if value == "" {
			missing = append(missing, flag)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Errorf("missing required options: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (o *Options) Run(ctx context.Context, externalListener, internalListener net.Listener) error {
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	o.Logger = logger.WithLevel(o.Logger, o.LogLevel)

	if err := o.validate(); err != nil {
		return err
	}

	backendURL, err := url.Parse(o.BackendURL)
	if err != nil {
		return errors.Wrap(err, "--backend is not a valid URL")
	}
	if backendURL.Scheme == "" || backendURL.Host == "" {
		return errors.Errorf("--backend must be an absolute URL: %q", o.BackendURL)
	}
	providerURL, err := url.Parse(o.ProviderURL)
	if err != nil {
		return errors.Wrap(err, "--provider-url is not a valid URL")
	}

	tp, shutdownTracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:      o.TracingServiceName,
		Endpoint:         o.TracingEndpoint,
		EndpointType:     tracing.EndpointType(o.TracingEndpointType),
		SamplingFraction: o.TracingSamplingFraction,
	})
	if err != nil {
		return errors.Wrap(err, "cannot initialize tracer")
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			level.Warn(o.Logger).Log("msg", "failed to flush traces", "err", err)
		}
	}()

	otel.SetErrorHandler(tracing.OtelErrorHandler{Logger: o.Logger})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		version.NewCollector("clinic_proxy"),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	baseTransport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
	}
	transport := otelhttp.NewTransport(baseTransport, otelhttp.WithTracerProvider(tp))
	instrumentedTransport := proxyhttp.NewInstrumentedRoundTripper(reg)

	var (
		sessionCache cache.Cacher
		memoryCache  *memory.Cache
	)
	if len(o.Memcacheds) > 0 {
		level.Info(o.Logger).Log("msg", "keeping sessions in memcached", "servers", strings.Join(o.Memcacheds, ","))
		sessionCache = memcached.New(o.MemcachedTimeout, o.Memcacheds...)
	} else {
		memoryCache, err = memory.New(o.SessionCacheSize)
		if err != nil {
			return errors.Wrap(err, "cannot create session cache")
		}
		sessionCache = memoryCache
	}
	sessions := session.NewStore(o.Logger, cache.NewInstrumented("sessions", sessionCache, o.Logger, reg), o.SessionTTL)

	providerClient := &http.Client{
		Timeout:   o.ProviderTimeout,
		Transport: instrumentedTransport.NewRoundTripper("provider", transport),
	}
	resolver := authorize.NewResolver(
		o.Logger,
		reg,
		dingtalk.New(o.Logger, providerClient, providerURL, o.AppKey, o.AppSecret),
		authorize.NewTokenCache(),
		sessions,
	)

	backendClient := forwarder.NewClient(o.APIKey, o.BackendTimeout, instrumentedTransport.NewRoundTripper("backend", transport))
	proxy := forwarder.New(o.Logger, reg, backendURL, backendClient, sessions)

	instrumenter := server.NewInstrumenter(reg)

	var g run.Group
	{
		internal := http.NewServeMux()

		proxyhttp.DebugRoutes(internal)
		proxyhttp.MetricRoutes(internal, reg)
		proxyhttp.HealthRoutes(internal)

		r := chi.NewRouter()
		r.Mount("/", internal)

		internalPathJSON, _ := json.MarshalIndent(Paths{Paths: []string{"/", "/metrics", "/debug/pprof", "/healthz", "/healthz/ready"}}, "", "  ")

		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Add("Content-Type", "application/json")
			if _, err := w.Write(internalPathJSON); err != nil {
				level.Error(o.Logger).Log("msg", "could not write internal paths", "err", err)
			}
		})

		s := &http.Server{
			Handler: otelhttp.NewHandler(r, "internal", otelhttp.WithTracerProvider(tp)),
		}

		// Run the internal server.
		g.Add(func() error {
			if err := s.Serve(internalListener); err != nil && err != http.ErrServerClosed {
				level.Error(o.Logger).Log("msg", "internal HTTP server exited", "err", err)
				return err
			}
			return nil
		}, func(error) {
			_ = s.Shutdown(context.TODO())
			internalListener.Close()
		})
	}
	{
		external := chi.NewRouter()
		external.Use(middleware.RequestID)
		external.Use(middleware.RealIP)
		external.Use(server.RequestLogger(o.Logger))

		mux := http.NewServeMux()
		proxyhttp.HealthRoutes(mux)
		external.Mount("/", mux)

		external.Handle("/user", instrumenter.InstrumentedHandler("user",
			runutil.ExhaustCloseRequestBodyHandler(o.Logger, authorize.NewUserHandler(o.Logger, resolver)),
		))
		external.Handle("/proxy", instrumenter.InstrumentedHandler("proxy",
			runutil.ExhaustCloseRequestBodyHandler(o.Logger, proxy),
		))

		if o.StaticDir != "" {
			external.Handle("/lightapp/*", instrumenter.InstrumentedHandler("static",
				http.StripPrefix("/lightapp/", http.FileServer(http.Dir(o.StaticDir))),
			))
		}

		external.Get("/", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			if _, err := io.WriteString(w, banner); err != nil {
				level.Error(o.Logger).Log("msg", "could not write banner", "err", err)
			}
		})

		s := &http.Server{
			Handler: otelhttp.NewHandler(external, "external", otelhttp.WithTracerProvider(tp)),
			ErrorLog: stdlog.New(
				&filteredHTTP2ErrorWriter{
					out:               os.Stderr,
					toDebugLogFilters: logFilter,
					logger:            o.Logger,
				},
				"",
				0),
		}

		// Run the external server.
		g.Add(func() error {
			if len(o.TLSCertificatePath) > 0 {
				if err := s.ServeTLS(externalListener, o.TLSCertificatePath, o.TLSKeyPath); err != nil && err != http.ErrServerClosed {
					level.Error(o.Logger).Log("msg", "external HTTPS server exited", "err", err)
					return err
				}
			} else {
				if err := s.Serve(externalListener); err != nil && err != http.ErrServerClosed {
					level.Error(o.Logger).Log("msg", "external HTTP server exited", "err", err)
					return err
				}
			}
			return nil
		}, func(error) {
			_ = s.Shutdown(context.TODO())
			externalListener.Close()

			// Close clients in order to check for leaks properly.
			backendClient.CloseIdleConnections()
			providerClient.CloseIdleConnections()
			baseTransport.CloseIdleConnections()
		})
	}
	if memoryCache != nil {
		jctx, jcancel := context.WithCancel(ctx)
		g.Add(func() error {
			return memoryCache.Run(jctx, o.SessionCleanupInterval)
		}, func(error) {
			jcancel()
		})
	}

	// Kill all when caller requests to.
	gctx, gcancel := context.WithCancel(ctx)
	g.Add(func() error {
		<-gctx.Done()
		return gctx.Err()
	}, func(err error) {
		gcancel()
	})

	level.Info(o.Logger).Log(
		"msg", "starting clinic-proxy",
		"external", externalListener.Addr().String(),
		"internal", internalListener.Addr().String(),
		"backend", backendURL.Redacted(),
	)

	return g.Run()
}

// logFilter is a list of filters
var logFilter = [][]string{
	// filter out TCP probes
	// see https://github.com/golang/go/issues/26918
	{
		"http2: server: error reading preface from client",
		"read: connection reset by peer",
	},
}

type filteredHTTP2ErrorWriter struct {
	out io.Writer
	// toDebugLogFilters is a list of filters.
	// All strings within a filter must match for the filter to match.
	// If any of the filters matches, the log is written to debug level.
	toDebugLogFilters [][]string
	logger            log.Logger
}

func (w *filteredHTTP2ErrorWriter) Write(p []byte) (int, error) {
	logContents := string(p)

	for _, filter := range w.toDebugLogFilters {
		shouldFilter := true
		for _, matches := range filter {
			if !strings.Contains(logContents, matches) {
				shouldFilter = false
				break
			}
		}
		if shouldFilter {
			level.Debug(w.logger).Log("msg", "http server error log has been filtered", "error", logContents)
			return len(p), nil
		}
	}
	return w.out.Write(p)
}
