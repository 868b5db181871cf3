package scratchnet

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult(t *testing.T) *RunResult {
	flows := scheduledUDP(t, [2]float64{1, 3}, [2]float64{2, 4})
	records := map[FlowID]FlowRecord{1: {FlowID: 1, EngineFlowID: 1, TxPackets: 10, TxBytes: 15000,
		RxPackets: 9, RxBytes: 13500, TimeFirstTx: 1, TimeLastTx: 2, TimeFirstRx: 1.1, TimeLastRx: 2.1,
		AppRxBytes: 13248}}
	metrics, warnings := AggregateFlows(flows, records)
	return &RunResult{RunID: uuid.New(), Name: "sample", Spacing: 50, StopTime: 10,
		Flows: flows, Records: records, Metrics: metrics, Warnings: warnings}
}

func TestConsoleReport(t *testing.T) {
	res := sampleResult(t)
	var b strings.Builder
	require.NoError(t, WriteConsoleReport(&b, res))
	out := b.String()

	assert.True(t, strings.HasPrefix(out, "*** Flow monitor statistics (distance = 50) ***\n"))
	labels := []string{"Tx Packets:   10", "Tx Bytes:     15000", "Offered Load:", "Rx Packets:   9",
		"Rx Bytes:     13500", "Throughput:", "Goodput:"}
	last := -1
	for _, label := range labels {
		pos := strings.Index(out, label)
		require.GreaterOrEqual(t, pos, 0, label)
		assert.Greater(t, pos, last, "%s out of order", label)
		last = pos
	}
	assert.Contains(t, out, "Offered Load: 0.120000 Mbps")
	assert.Contains(t, out, "no data")
	assert.Contains(t, out, "Warnings:\n  flow 2: no flow record observed")
}

func TestConsoleReportLeavesMetricsAlone(t *testing.T) {
	res := sampleResult(t)
	before := append([]DerivedMetrics{}, res.Metrics...)
	require.NoError(t, WriteConsoleReport(&strings.Builder{}, res))
	assert.Equal(t, before, res.Metrics)
}

func TestRecordFileRoundTrip(t *testing.T) {
	res := sampleResult(t)
	dir := t.TempDir()
	for _, name := range []string{"run.yaml", "run.json", "run.yaml.sz", "run.json.sz"} {
		filename := filepath.Join(dir, name)
		require.NoError(t, WriteRecords(res, filename), name)

		rf, err := ReadRecordFile(filename)
		require.NoError(t, err, name)
		assert.Equal(t, res.RunID.String(), rf.RunID)
		require.Len(t, rf.Flows, 2)
		require.NotNil(t, rf.Flows[1].Record)
		assert.Equal(t, uint64(15000), rf.Flows[1].Record.TxBytes)
		assert.Nil(t, rf.Flows[2].Record)
		assert.True(t, rf.Flows[2].Metrics.NoData)
		assert.Len(t, rf.Warnings, 1)
	}

	// the .sz form is snappy encoded yaml
	raw, err := os.ReadFile(filepath.Join(dir, "run.yaml.sz"))
	require.NoError(t, err)
	decoded, err := snappy.Decode(nil, raw)
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "runid:")

	assert.Error(t, WriteRecords(res, filepath.Join(dir, "run.txt")))
}
