package scratchnet

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduledUDP(t *testing.T, windows ...[2]float64) []ScheduledFlow {
	flows := []FlowSpec{}
	for _, w := range windows {
		flows = append(flows, udpFlow(0, 1, w[0], w[1]))
	}
	scheduled, err := ScheduleFlows(flows, 10)
	require.NoError(t, err)
	return scheduled
}

func TestDeriveFormulas(t *testing.T) {
	flows := scheduledUDP(t, [2]float64{1, 3})
	rec := FlowRecord{
		FlowID:      1,
		TxBytes:     250000,
		TxPackets:   100,
		RxBytes:     125000,
		RxPackets:   50,
		LostPackets: 50,
		TimeFirstTx: 1,
		TimeLastTx:  2,
		TimeFirstRx: 1.5,
		TimeLastRx:  2.5,
		DelaySum:    0.5,
		AppRxBytes:  100000,
	}
	metrics, warnings := AggregateFlows(flows, map[FlowID]FlowRecord{1: rec})
	require.Empty(t, warnings)
	require.Len(t, metrics, 1)

	dm := metrics[0]
	assert.InDelta(t, 2.0, dm.OfferedLoad, 1e-9)
	assert.InDelta(t, 1.0, dm.Throughput, 1e-9)
	assert.InDelta(t, 0.4, dm.Goodput, 1e-9)
	assert.InDelta(t, 0.01, dm.MeanDelay, 1e-9)
	assert.InDelta(t, 0.5, dm.LossRatio, 1e-9)
	assert.False(t, dm.NoData)
}

func TestZeroSpanIsZero(t *testing.T) {
	flows := scheduledUDP(t, [2]float64{1, 3})
	rec := FlowRecord{FlowID: 1, TxBytes: 1500, TxPackets: 1, TimeFirstTx: 2, TimeLastTx: 2}
	metrics, _ := AggregateFlows(flows, map[FlowID]FlowRecord{1: rec})
	assert.Zero(t, metrics[0].OfferedLoad)
	assert.Zero(t, metrics[0].Throughput)
	assert.Zero(t, metrics[0].MeanDelay)
}

func TestMissingRecordIsNoData(t *testing.T) {
	flows := scheduledUDP(t, [2]float64{1, 3}, [2]float64{2, 4})
	rec := FlowRecord{FlowID: 2, TxBytes: 100, TimeFirstTx: 2, TimeLastTx: 3}
	metrics, warnings := AggregateFlows(flows, map[FlowID]FlowRecord{2: rec})

	require.Len(t, metrics, 2)
	assert.True(t, metrics[0].NoData)
	assert.False(t, metrics[1].NoData)
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], ErrMissingFlowRecord)

	var mfr *MissingFlowRecordError
	require.True(t, errors.As(warnings[0], &mfr))
	assert.Equal(t, FlowID(1), mfr.FlowID)
}

func TestSummarize(t *testing.T) {
	metrics := []DerivedMetrics{
		{FlowID: 1, OfferedLoad: 2, Throughput: 1, Goodput: 1},
		{FlowID: 2, NoData: true},
		{FlowID: 3, OfferedLoad: 4, Throughput: 3, Goodput: 2},
	}
	s := Summarize(metrics)
	assert.Equal(t, 2, s.Flows)
	assert.InDelta(t, 6.0, s.OfferedLoadSum, 1e-12)
	assert.InDelta(t, 3.0, s.OfferedLoadMean, 1e-12)
	assert.InDelta(t, 2.0, s.ThroughputMean, 1e-12)
	assert.InDelta(t, 3.0, s.GoodputSum, 1e-12)

	assert.Equal(t, Summary{}, Summarize([]DerivedMetrics{{NoData: true}}))
}

// TestAggregateProperties checks purity and that no combination of counters
// produces NaN or an infinity
func TestAggregateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	finite := func(vals ...float64) bool {
		for _, v := range vals {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
		return true
	}

	properties.Property("aggregation is pure and finite", prop.ForAll(
		func(txBytes, rxBytes uint32, firstTx, txSpan, firstRx, rxSpan float64) bool {
			flows := []ScheduledFlow{{ID: 1, Start: 1, Stop: 3}}
			records := map[FlowID]FlowRecord{1: {
				FlowID:      1,
				TxBytes:     uint64(txBytes),
				RxBytes:     uint64(rxBytes),
				AppRxBytes:  uint64(rxBytes),
				TimeFirstTx: firstTx,
				TimeLastTx:  firstTx + txSpan,
				TimeFirstRx: firstRx,
				TimeLastRx:  firstRx + rxSpan,
			}}
			first, _ := AggregateFlows(flows, records)
			second, _ := AggregateFlows(flows, records)
			dm := first[0]
			return reflect.DeepEqual(first, second) &&
				finite(dm.OfferedLoad, dm.Throughput, dm.Goodput, dm.MeanDelay, dm.LossRatio) &&
				dm.OfferedLoad >= 0 && dm.Throughput >= 0
		},
		gen.UInt32(),
		gen.UInt32(),
		gen.Float64Range(0, 10),
		gen.OneConstOf(0.0, 1e-9, 0.5, 2.0),
		gen.Float64Range(0, 10),
		gen.OneConstOf(0.0, 1e-6, 1.0),
	))

	properties.TestingRun(t)
}
