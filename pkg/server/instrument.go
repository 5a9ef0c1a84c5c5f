package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrumenter holds the metrics of the inbound HTTP handlers.
type Instrumenter struct {
	requestDuration *prometheus.HistogramVec
	requestSize     *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
}

// NewInstrumenter registers the inbound HTTP metrics with reg.
func NewInstrumenter(reg prometheus.Registerer) *Instrumenter {
	return &Instrumenter{
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Tracks the latencies for HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"code", "handler", "method"},
		),
		requestSize: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_size_bytes",
				Help:    "Tracks the size of HTTP requests.",
				Buckets: []float64{1024, 8192, 65536, 262144, 524288, 1048576, 2097152},
			},
			[]string{"code", "handler", "method"},
		),
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Tracks the number of HTTP requests.",
			}, []string{"code", "handler", "method"},
		),
	}
}

// InstrumentedHandler is an HTTP middleware that monitors HTTP requests and responses.
func (i *Instrumenter) InstrumentedHandler(handlerName string, next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		i.requestDuration.MustCurryWith(prometheus.Labels{"handler": handlerName}),
		promhttp.InstrumentHandlerRequestSize(
			i.requestSize.MustCurryWith(prometheus.Labels{"handler": handlerName}),
			promhttp.InstrumentHandlerCounter(
				i.requestsTotal.MustCurryWith(prometheus.Labels{"handler": handlerName}),
				next,
			),
		),
	)
}
