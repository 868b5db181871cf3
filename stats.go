package scratchnet

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DerivedMetrics are the rates computed for one scheduled flow.  Rates are in Mbps.
// NoData marks a flow for which the engine produced no record at all
type DerivedMetrics struct {
	FlowID FlowID `json:"flowid" yaml:"flowid"`
	NoData bool   `json:"nodata" yaml:"nodata"`

	OfferedLoad float64 `json:"offeredload" yaml:"offeredload"`
	Throughput  float64 `json:"throughput" yaml:"throughput"`
	Goodput     float64 `json:"goodput" yaml:"goodput"`

	MeanDelay float64 `json:"meandelay" yaml:"meandelay"`
	LossRatio float64 `json:"lossratio" yaml:"lossratio"`
	MeanRTT   float64 `json:"meanrtt,omitempty" yaml:"meanrtt,omitempty"`
}

// rateMbps is bytes*8/span/1e6, and 0 when the span is not positive
func rateMbps(bytes uint64, span float64) float64 {
	if span <= 0 || bytes == 0 {
		return 0
	}
	return float64(bytes) * 8.0 / span / 1e+6
}

// Derive computes the metrics of one flow from its record
func Derive(sf ScheduledFlow, rec FlowRecord) DerivedMetrics {
	dm := DerivedMetrics{
		FlowID:      sf.ID,
		OfferedLoad: rateMbps(rec.TxBytes, rec.TimeLastTx-rec.TimeFirstTx),
		Throughput:  rateMbps(rec.RxBytes, rec.TimeLastRx-rec.TimeFirstRx),
		Goodput:     rateMbps(rec.AppRxBytes, sf.Stop-sf.Start),
		MeanRTT:     rec.MeanRTT,
	}
	if rec.RxPackets > 0 {
		dm.MeanDelay = rec.DelaySum / float64(rec.RxPackets)
	}
	if rec.TxPackets > 0 {
		dm.LossRatio = float64(rec.LostPackets) / float64(rec.TxPackets)
	}
	return dm
}

// AggregateFlows returns one DerivedMetrics per scheduled flow, in flow order.
// A flow absent from records gets a NoData entry and a MissingFlowRecordError
// in the returned warnings.  The result depends on the arguments alone
func AggregateFlows(flows []ScheduledFlow, records map[FlowID]FlowRecord) ([]DerivedMetrics, []error) {
	metrics := make([]DerivedMetrics, 0, len(flows))
	var warnings []error
	for _, sf := range flows {
		rec, present := records[sf.ID]
		if !present {
			metrics = append(metrics, DerivedMetrics{FlowID: sf.ID, NoData: true})
			warnings = append(warnings, &MissingFlowRecordError{FlowID: sf.ID})
			continue
		}
		metrics = append(metrics, Derive(sf, rec))
	}
	return metrics, warnings
}

// Summary is the optional campaign-level reduction over flows with data
type Summary struct {
	Flows int `json:"flows" yaml:"flows"`

	OfferedLoadSum  float64 `json:"offeredloadsum" yaml:"offeredloadsum"`
	OfferedLoadMean float64 `json:"offeredloadmean" yaml:"offeredloadmean"`
	ThroughputSum   float64 `json:"throughputsum" yaml:"throughputsum"`
	ThroughputMean  float64 `json:"throughputmean" yaml:"throughputmean"`
	GoodputSum      float64 `json:"goodputsum" yaml:"goodputsum"`
	GoodputMean     float64 `json:"goodputmean" yaml:"goodputmean"`
}

// Summarize reduces metrics to sums and means, skipping NoData entries
func Summarize(metrics []DerivedMetrics) Summary {
	var offered, thrpt, good []float64
	for _, dm := range metrics {
		if dm.NoData {
			continue
		}
		offered = append(offered, dm.OfferedLoad)
		thrpt = append(thrpt, dm.Throughput)
		good = append(good, dm.Goodput)
	}
	s := Summary{Flows: len(offered)}
	if s.Flows == 0 {
		return s
	}
	s.OfferedLoadSum, s.OfferedLoadMean = floats.Sum(offered), stat.Mean(offered, nil)
	s.ThroughputSum, s.ThroughputMean = floats.Sum(thrpt), stat.Mean(thrpt, nil)
	s.GoodputSum, s.GoodputMean = floats.Sum(good), stat.Mean(good, nil)
	return s
}
