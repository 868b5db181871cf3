package scratchnet

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMetricsObserve(t *testing.T) {
	rm := NewRunMetrics()
	flows := scheduledUDP(t, [2]float64{1, 3}, [2]float64{2, 4})
	metrics := []DerivedMetrics{
		{FlowID: 1, OfferedLoad: 2, Throughput: 1.5, Goodput: 1},
		{FlowID: 2, NoData: true},
	}
	rm.observe("r1", 10, flows, metrics)

	assert.Equal(t, 1.0, testutil.ToFloat64(rm.RunsCompleted))
	assert.Equal(t, 2.0, testutil.ToFloat64(rm.FlowsScheduled))
	assert.Equal(t, 1.0, testutil.ToFloat64(rm.FlowsMissing))
	assert.Equal(t, 10.0, testutil.ToFloat64(rm.SimulatedTime))
	assert.Equal(t, 1.5, testutil.ToFloat64(rm.Throughput.WithLabelValues("r1", "1", "udp-constant-rate")))
	assert.Equal(t, 1, testutil.CollectAndCount(rm.Goodput))
}

func TestRunMetricsIsolatedRegistries(t *testing.T) {
	first, second := NewRunMetrics(), NewRunMetrics()
	first.RunsCompleted.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(second.RunsCompleted))

	var nilMetrics *RunMetrics
	assert.NotPanics(t, func() { nilMetrics.observe("r", 1, nil, nil) })
}

func TestRunMetricsFromDriver(t *testing.T) {
	rm := NewRunMetrics()
	cfg := mustConfig(t, validParams())
	_, err := Execute(context.Background(), cfg, newFakeEngine(), WithLogger(quietLogger()), WithMetrics(rm))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(rm.FlowsMissing))

	filename := filepath.Join(t.TempDir(), "run.prom")
	require.NoError(t, rm.WriteToTextfile(filename))
	body, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Contains(t, string(body), "scratchnet_flows_scheduled_total 1")
}
