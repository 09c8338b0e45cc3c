package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveOutcome("converted")
	m.ObserveOutcome("converted")
	m.ObserveUpload(time.Second, nil)
	m.ObserveUpload(time.Second, errors.New("403"))
	m.ObserveRewrites("cdn", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("converted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.rewrites.WithLabelValues("cdn")))

	again, err := New(reg)
	require.NoError(t, err)
	again.ObserveOutcome("converted")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.outcomes.WithLabelValues("converted")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOutcome("error")
		m.ObserveUpload(time.Second, nil)
		m.ObserveRewrites("local", 1)
	})
}
