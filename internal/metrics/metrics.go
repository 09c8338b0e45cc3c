// Package metrics exports pipeline counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "webp_offload"

// Metrics holds the pipeline collectors.
type Metrics struct {
	outcomes       *prometheus.CounterVec
	uploads        *prometheus.CounterVec
	uploadDuration prometheus.Histogram
	rewrites       *prometheus.CounterVec
}

// New registers the collectors on reg, or the default registerer when nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_outcomes_total",
			Help:      "Assets handled by the pipeline, by final state.",
		}, []string{"state"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Objects sent to the CDN bucket, by result.",
		}, []string{"result"}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Latency of single object uploads.",
			Buckets:   prometheus.DefBuckets,
		}),
		rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewritten_references_total",
			Help:      "Image references rewritten in markup, by target kind.",
		}, []string{"kind"}),
	}

	var err error
	if m.outcomes, err = register(reg, m.outcomes); err != nil {
		return nil, err
	}
	if m.uploads, err = register(reg, m.uploads); err != nil {
		return nil, err
	}
	if m.uploadDuration, err = register(reg, m.uploadDuration); err != nil {
		return nil, err
	}
	if m.rewrites, err = register(reg, m.rewrites); err != nil {
		return nil, err
	}

	return m, nil
}

// register adds c to reg, reusing an identical collector registered earlier.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

// ObserveOutcome counts one asset reaching state.
func (m *Metrics) ObserveOutcome(state string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(state).Inc()
}

// ObserveUpload records one upload attempt.
func (m *Metrics) ObserveUpload(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.uploadDuration.Observe(d.Seconds())
	if err != nil {
		m.uploads.WithLabelValues("error").Inc()
		return
	}
	m.uploads.WithLabelValues("ok").Inc()
}

// ObserveRewrites counts n rewritten references of kind.
func (m *Metrics) ObserveRewrites(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rewrites.WithLabelValues(kind).Add(float64(n))
}
