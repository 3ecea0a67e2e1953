// Package metrics exports collector progress as Prometheus metrics.
//
// Information Hiding:
// - Metric names, labels and buckets hidden behind Collector
// - Error classification for the status label encapsulated
// - Registration on a caller-supplied registry (no global state)

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richinex/mtcollect/mtconnect"
	"github.com/richinex/mtcollect/processor"
	"github.com/richinex/mtcollect/tracker"
)

const namespace = "mtcollect"

// Status label values for fetches_total.
const (
	StatusOK                = "ok"
	StatusConnectionFailure = "connection_failure"
	StatusMalformed         = "malformed_document"
	StatusMissingBound      = "missing_bound"
	StatusError             = "error"
)

// Collector records fetch outcomes and loop position. It implements
// tracker.Recorder.
type Collector struct {
	registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	position      *prometheus.GaugeVec
	last          *prometheus.GaugeVec
	difference    *prometheus.GaugeVec
}

// New creates a Collector and registers its metrics on reg.
// A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: reg,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Agent fetches by mode, endpoint and status",
		}, []string{"mode", "endpoint", "status"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Agent fetch latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"mode", "endpoint"}),
		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "position",
			Help:      "Sequence number most recently fetched",
		}, []string{"mode"}),
		last: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sequence",
			Help:      "Upper bound of the held window",
		}, []string{"mode"}),
		difference: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "difference",
			Help:      "Signed distance from position to lastSequence",
		}, []string{"mode"}),
	}

	for _, col := range []prometheus.Collector{c.fetches, c.fetchDuration, c.position, c.last, c.difference} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveFetch implements tracker.Recorder.
func (c *Collector) ObserveFetch(mode tracker.Mode, endpoint string, elapsed time.Duration, err error) {
	m := string(mode)
	c.fetches.WithLabelValues(m, endpoint, Status(err)).Inc()
	c.fetchDuration.WithLabelValues(m, endpoint).Observe(elapsed.Seconds())
}

// ObserveState implements tracker.Recorder.
func (c *Collector) ObserveState(mode tracker.Mode, s tracker.State) {
	m := string(mode)
	c.position.WithLabelValues(m).Set(float64(s.Position))
	c.last.WithLabelValues(m).Set(float64(s.Window.Last))
	c.difference.WithLabelValues(m).Set(float64(s.Difference()))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Status classifies a fetch error into a status label value.
func Status(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, mtconnect.ErrConnectionFailure):
		return StatusConnectionFailure
	case errors.Is(err, mtconnect.ErrMalformedDocument):
		return StatusMalformed
	case errors.Is(err, processor.ErrMissingBound):
		return StatusMissingBound
	default:
		return StatusError
	}
}

var _ tracker.Recorder = (*Collector)(nil)
