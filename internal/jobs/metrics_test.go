package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("inventory:reconcile").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("inventory:reconcile").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("inventory:reconcile", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("inventory:reconcile", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("inventory:reconcile")))
}

func TestAddDivergences(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddDivergences(4, false, 3)
	m.AddDivergences(4, true, 2)
	m.AddDivergences(4, true, 0)

	require.Equal(t, 3.0, testutil.ToFloat64(m.divergences.WithLabelValues("4", "false")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.divergences.WithLabelValues("4", "true")))

	var nilMetrics *Metrics
	nilMetrics.AddDivergences(1, false, 1)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
