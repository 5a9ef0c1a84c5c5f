package cache

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Cacher is able to get and set key value pairs that expire.
//
// A missing and an expired key are indistinguishable: both report ok == false.
// A non-nil error is only returned when the backend itself failed.
type Cacher interface {
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte, expiration time.Duration) error
	// Touch resets the expiration of an existing key.
	// Touching a missing key is not an error.
	Touch(key string, expiration time.Duration) error
}

// Instrumented is a Cacher that counts reads and writes of the wrapped Cacher.
type Instrumented struct {
	c Cacher
	l log.Logger

	// Metrics.
	cacheReadsTotal  *prometheus.CounterVec
	cacheWritesTotal *prometheus.CounterVec
}

// NewInstrumented wraps c and registers its metrics with reg,
// labelled with the given cache name.
func NewInstrumented(name string, c Cacher, l log.Logger, reg prometheus.Registerer) *Instrumented {
	i := &Instrumented{
		c: c,
		l: log.With(l, "component", "cache", "cache", name),
		cacheReadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "cache_reads_total",
				Help:        "The number of read requests made to the cache.",
				ConstLabels: prometheus.Labels{"cache": name},
			}, []string{"result"},
		),
		cacheWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "cache_writes_total",
				Help:        "The number of write requests made to the cache.",
				ConstLabels: prometheus.Labels{"cache": name},
			}, []string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(i.cacheReadsTotal, i.cacheWritesTotal)
	}

	return i
}

// Get implements the Cacher interface.
func (i *Instrumented) Get(key string) ([]byte, bool, error) {
	value, ok, err := i.c.Get(key)
	switch {
	case err != nil:
		i.cacheReadsTotal.WithLabelValues("error").Inc()
		level.Error(i.l).Log("msg", "failed to retrieve value from cache", "err", err)
		return nil, false, errors.Wrap(err, "failed to retrieve value from cache")
	case ok:
		i.cacheReadsTotal.WithLabelValues("hit").Inc()
	default:
		i.cacheReadsTotal.WithLabelValues("miss").Inc()
	}
	return value, ok, nil
}

// Set implements the Cacher interface.
func (i *Instrumented) Set(key string, value []byte, expiration time.Duration) error {
	if err := i.c.Set(key, value, expiration); err != nil {
		i.cacheWritesTotal.WithLabelValues("error").Inc()
		level.Error(i.l).Log("msg", "failed to set value in cache", "err", err)
		return errors.Wrap(err, "failed to set value in cache")
	}
	i.cacheWritesTotal.WithLabelValues("success").Inc()
	return nil
}

// Touch implements the Cacher interface.
func (i *Instrumented) Touch(key string, expiration time.Duration) error {
	if err := i.c.Touch(key, expiration); err != nil {
		i.cacheWritesTotal.WithLabelValues("error").Inc()
		level.Warn(i.l).Log("msg", "failed to refresh expiration in cache", "err", err)
		return errors.Wrap(err, "failed to refresh expiration in cache")
	}
	i.cacheWritesTotal.WithLabelValues("touch").Inc()
	return nil
}
