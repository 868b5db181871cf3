package scratchnet

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RunMetrics holds the prometheus collectors of one or more runs.  Each
// RunMetrics owns its registry so that runs in one process do not share state
type RunMetrics struct {
	registry *prometheus.Registry

	FlowsScheduled prometheus.Counter
	FlowsMissing   prometheus.Counter
	RunsCompleted  prometheus.Counter
	SimulatedTime  prometheus.Gauge

	OfferedLoad *prometheus.GaugeVec
	Throughput  *prometheus.GaugeVec
	Goodput     *prometheus.GaugeVec
}

// NewRunMetrics creates the collectors on a fresh registry
func NewRunMetrics() *RunMetrics {
	rm := &RunMetrics{registry: prometheus.NewRegistry()}

	rm.FlowsScheduled = promauto.With(rm.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "scratchnet_flows_scheduled_total",
			Help: "Flows installed on the engine",
		},
	)

	rm.FlowsMissing = promauto.With(rm.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "scratchnet_flows_missing_total",
			Help: "Scheduled flows for which the engine observed no traffic",
		},
	)

	rm.RunsCompleted = promauto.With(rm.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "scratchnet_runs_completed_total",
			Help: "Runs whose clock reached its stop",
		},
	)

	rm.SimulatedTime = promauto.With(rm.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "scratchnet_simulated_seconds",
			Help: "Clock stop of the latest run in simulated seconds",
		},
	)

	labels := []string{"run", "flow", "kind"}
	rm.OfferedLoad = promauto.With(rm.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scratchnet_flow_offered_load_mbps",
			Help: "Offered load of a flow in Mbps",
		},
		labels,
	)

	rm.Throughput = promauto.With(rm.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scratchnet_flow_throughput_mbps",
			Help: "Throughput of a flow in Mbps",
		},
		labels,
	)

	rm.Goodput = promauto.With(rm.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scratchnet_flow_goodput_mbps",
			Help: "Goodput of a flow in Mbps",
		},
		labels,
	)
	return rm
}

// Registry returns the registry the collectors are registered with
func (rm *RunMetrics) Registry() *prometheus.Registry {
	return rm.registry
}

// observe records the outcome of a completed run
func (rm *RunMetrics) observe(run string, stopTime float64, flows []ScheduledFlow, metrics []DerivedMetrics) {
	if rm == nil {
		return
	}
	rm.RunsCompleted.Inc()
	rm.SimulatedTime.Set(stopTime)
	rm.FlowsScheduled.Add(float64(len(flows)))
	for idx, dm := range metrics {
		if dm.NoData {
			rm.FlowsMissing.Inc()
			continue
		}
		kind := ""
		if idx < len(flows) {
			kind = flows[idx].Spec.Kind.String()
		}
		flow := strconv.Itoa(int(dm.FlowID))
		rm.OfferedLoad.WithLabelValues(run, flow, kind).Set(dm.OfferedLoad)
		rm.Throughput.WithLabelValues(run, flow, kind).Set(dm.Throughput)
		rm.Goodput.WithLabelValues(run, flow, kind).Set(dm.Goodput)
	}
}

// WriteToTextfile saves the current values in the node exporter textfile format
func (rm *RunMetrics) WriteToTextfile(filename string) error {
	return prometheus.WriteToTextfile(filename, rm.registry)
}
