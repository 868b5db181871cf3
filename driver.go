package scratchnet

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"

	"github.com/google/uuid"
	"github.com/iti/scratchnet/netsim"
	"gonum.org/v1/gonum/stat"
)

// DriverState is the position of a ScenarioDriver in its lifecycle
type DriverState int

const (
	Unbuilt DriverState = iota
	Built
	Installed
	Running
	Completed

	// Aborted is entered when building or an install step fails
	Aborted
)

func (s DriverState) String() string {
	switch s {
	case Unbuilt:
		return "unbuilt"
	case Built:
		return "built"
	case Installed:
		return "installed"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return "DriverState(" + strconv.Itoa(int(s)) + ")"
}

// the install steps in the order the engine requires them
type installStep int

const (
	stepNodes installStep = iota
	stepDevices
	stepAddresses
	stepRouting
	stepApplications
	stepCapture
	numInstallSteps
)

var installStepNames = []string{"nodes", "devices", "addresses", "routing", "applications", "capture"}

// RunResult is what a completed run reports
type RunResult struct {
	RunID    uuid.UUID
	Name     string
	Spacing  float64
	StopTime float64

	Flows    []ScheduledFlow
	Records  map[FlowID]FlowRecord
	Metrics  []DerivedMetrics
	Warnings []error
}

// ScenarioDriver installs one ExperimentConfig on an engine and runs it once
type ScenarioDriver struct {
	cfg    *ExperimentConfig
	engine Engine
	state  DriverState
	next   installStep
	runID  uuid.UUID

	topo    *Topology
	flows   []ScheduledFlow
	nodeIDs []int

	logger        *slog.Logger
	pcapPrefix    string
	flowStatsPath string
	detail        bool
	tracePath     string
	traceAll      bool
	horizon       float64
	metrics       *RunMetrics
}

// Option configures a ScenarioDriver
type Option func(*ScenarioDriver)

// WithLogger sets the logger of the driver
func WithLogger(logger *slog.Logger) Option {
	return func(sd *ScenarioDriver) {
		if logger != nil {
			sd.logger = logger
		}
	}
}

// WithPcap captures every device into files named from prefix
func WithPcap(prefix string) Option {
	return func(sd *ScenarioDriver) { sd.pcapPrefix = prefix }
}

// WithFlowStatsFile writes the engine's flow monitor file to path after the run.
// detail adds the histograms and the per-node probes
func WithFlowStatsFile(path string, detail bool) Option {
	return func(sd *ScenarioDriver) { sd.flowStatsPath, sd.detail = path, detail }
}

// WithTrace writes the packet trace to path after the run.  all traces every node
func WithTrace(path string, all bool) Option {
	return func(sd *ScenarioDriver) { sd.tracePath, sd.traceAll = path, all }
}

// WithHorizon runs the clock to t instead of the config's stop time.  Flows whose
// stop lies past t never see it
func WithHorizon(t float64) Option {
	return func(sd *ScenarioDriver) { sd.horizon = t }
}

// WithMetrics records the outcome of the run in rm
func WithMetrics(rm *RunMetrics) Option {
	return func(sd *ScenarioDriver) { sd.metrics = rm }
}

// NewScenarioDriver creates a driver in state Unbuilt.  The driver owns engine from here on
func NewScenarioDriver(cfg *ExperimentConfig, engine Engine, opts ...Option) *ScenarioDriver {
	sd := &ScenarioDriver{cfg: cfg, engine: engine, state: Unbuilt, runID: uuid.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(sd)
	}
	sd.logger = sd.logger.With("run", sd.runID.String(), "experiment", cfg.Name())
	return sd
}

func (sd *ScenarioDriver) State() DriverState        { return sd.state }
func (sd *ScenarioDriver) RunID() uuid.UUID          { return sd.runID }
func (sd *ScenarioDriver) Topology() *Topology       { return sd.topo }
func (sd *ScenarioDriver) Config() *ExperimentConfig { return sd.cfg }

// Flows returns the scheduled flows, with their application handles once installed
func (sd *ScenarioDriver) Flows() []ScheduledFlow {
	return append([]ScheduledFlow{}, sd.flows...)
}

func (sd *ScenarioDriver) stateErr(op string) error {
	return fmt.Errorf("%w: %s called in state %s", ErrInvalidDriverState, op, sd.state)
}

func (sd *ScenarioDriver) abort(err error) error {
	sd.state = Aborted
	sd.logger.Error("run aborted", "err", err)
	return err
}

// Build derives the topology and the flow schedule.  Nothing reaches the engine
func (sd *ScenarioDriver) Build() error {
	if sd.state != Unbuilt {
		return sd.stateErr("Build")
	}
	topo, err := BuildTopology(sd.cfg)
	if err != nil {
		return sd.abort(err)
	}
	flows, err := Schedule(sd.cfg)
	if err != nil {
		return sd.abort(err)
	}
	sd.topo, sd.flows = topo, flows
	sd.state = Built
	sd.logger.Info("scenario built", "nodes", len(topo.Nodes), "flows", len(flows))
	return nil
}

// step runs one install step, provided it is the next one due
func (sd *ScenarioDriver) step(s installStep, op func() error) error {
	if sd.state != Built || sd.next != s {
		return sd.stateErr("Install" + installStepNames[s])
	}
	if err := op(); err != nil {
		return sd.abort(fmt.Errorf("install %s: %w", installStepNames[s], err))
	}
	sd.logger.Info("installed", "step", installStepNames[s])
	sd.next++
	if sd.next == numInstallSteps {
		sd.state = Installed
	}
	return nil
}

// InstallNodes creates the nodes
func (sd *ScenarioDriver) InstallNodes() error {
	return sd.step(stepNodes, func() error {
		ids, err := sd.engine.CreateNodes(len(sd.topo.Nodes))
		if err != nil {
			return err
		}
		if len(ids) != len(sd.topo.Nodes) {
			return fmt.Errorf("engine created %d nodes, %d requested", len(ids), len(sd.topo.Nodes))
		}
		sd.nodeIDs = ids
		for idx := range sd.topo.Nodes {
			sd.topo.Nodes[idx].ID = ids[idx]
		}
		return nil
	})
}

// linkAttributes translates the link overrides into engine attributes
func linkAttributes(media MediaType, link LinkParams) []netsim.Attribute {
	fmtFloat := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	attrbs := []netsim.Attribute{}
	if link.Bandwidth > 0 {
		attrbs = append(attrbs, netsim.WildcardAttribute("Channel", "bandwidth", fmtFloat(link.Bandwidth)))
	}
	if link.Delay > 0 && media == PointToPoint {
		attrbs = append(attrbs, netsim.WildcardAttribute("Channel", "latency", fmtFloat(link.Delay)))
	}
	if link.Range > 0 && media == AdhocWifi {
		attrbs = append(attrbs, netsim.WildcardAttribute("Channel", "range", fmtFloat(link.Range)))
	}
	if link.Overhead > 0 && media == AdhocWifi {
		attrbs = append(attrbs, netsim.WildcardAttribute("Channel", "overhead", fmtFloat(link.Overhead)))
	}
	if link.Loss > 0 {
		attrbs = append(attrbs, netsim.WildcardAttribute("Channel", "loss", fmtFloat(link.Loss)))
	}
	if link.Buffer > 0 {
		attrbs = append(attrbs, netsim.WildcardAttribute("Interface", "buffer", strconv.Itoa(link.Buffer)))
	}
	return attrbs
}

// InstallDevices places the nodes and installs the channel and device models
func (sd *ScenarioDriver) InstallDevices() error {
	return sd.step(stepDevices, func() error {
		for _, nd := range sd.topo.Nodes {
			if err := sd.engine.SetPosition(nd.ID, nd.Position.X, nd.Position.Y, nd.Position.Z); err != nil {
				return err
			}
		}
		return sd.engine.InstallDevices(sd.cfg.Media().String(), linkAttributes(sd.cfg.Media(), sd.cfg.Link()))
	})
}

// InstallAddresses assigns the address plan
func (sd *ScenarioDriver) InstallAddresses() error {
	return sd.step(stepAddresses, func() error {
		return sd.engine.AssignAddresses(sd.topo.Addrs.Prefix, sd.topo.Addrs.Addrs)
	})
}

// InstallRouting installs the routing mode
func (sd *ScenarioDriver) InstallRouting() error {
	return sd.step(stepRouting, func() error {
		return sd.engine.InstallRouting(sd.cfg.Routing().String())
	})
}

// appAttribute is one string attribute of an engine application
type appAttribute struct {
	name, value string
}

// flowApps translates a scheduled flow into the engine application types and
// attributes of its source and sink.  sink is empty when the destination
// answers without an application
func flowApps(sf ScheduledFlow, dst netip.Addr) (client string, clientAttrs []appAttribute, sink string, sinkAttrs []appAttribute) {
	fs := sf.Spec
	fmtFloat := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	remote := netip.AddrPortFrom(dst, sf.DstPort).String()
	local := strconv.Itoa(int(sf.SrcPort))

	switch {
	case fs.Kind == ICMPEcho:
		return "Ping", []appAttribute{
			{"Remote", dst.String()},
			{"Identifier", local},
			{"Interval", fmtFloat(fs.Interval)},
			{"Size", strconv.Itoa(fs.PacketSize)},
		}, "", nil

	case sf.RateDriven():
		client = "OnOff"
		clientAttrs = []appAttribute{
			{"Remote", remote},
			{"LocalPort", local},
			{"Protocol", string(sf.Transport)},
			{"DataRate", fmtFloat(fs.Rate) + "Mbps"},
			{"PacketSize", strconv.Itoa(fs.PacketSize)},
		}
		if fs.MaxBytes > 0 {
			clientAttrs = append(clientAttrs, appAttribute{"MaxBytes", strconv.FormatInt(fs.MaxBytes, 10)})
		}

	case fs.Kind == TCPBulk:
		client = "BulkSend"
		clientAttrs = []appAttribute{
			{"Remote", remote},
			{"LocalPort", local},
			{"SendSize", strconv.Itoa(fs.PacketSize)},
		}
		if fs.MaxBytes > 0 {
			clientAttrs = append(clientAttrs, appAttribute{"MaxBytes", strconv.FormatInt(fs.MaxBytes, 10)})
		}

	case fs.Kind == UDPConstantRate:
		client = "UdpClient"
		clientAttrs = []appAttribute{
			{"Remote", remote},
			{"LocalPort", local},
			{"PacketSize", strconv.Itoa(fs.PacketSize)},
			{"Interval", fmtFloat(fs.Interval)},
			{"MaxPackets", strconv.Itoa(fs.MaxPackets)},
		}

	case fs.Kind == UDPTracedReplay:
		client = "UdpTraceClient"
		clientAttrs = []appAttribute{
			{"Remote", remote},
			{"LocalPort", local},
			{"MaxPacketSize", strconv.Itoa(fs.PacketSize)},
			{"TraceLoop", strconv.FormatBool(!fs.NoLoop)},
		}
		if fs.TraceFile != "" {
			clientAttrs = append(clientAttrs, appAttribute{"TraceFilename", fs.TraceFile})
		}
	}

	sinkAttrs = []appAttribute{
		{"Local", strconv.Itoa(int(sf.DstPort))},
		{"Protocol", string(sf.Transport)},
	}
	return client, clientAttrs, "PacketSink", sinkAttrs
}

func attrMap(attrs []appAttribute) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.name] = a.value
	}
	return m
}

// InstallApplications installs one source and sink per scheduled flow and binds
// each to the flow's window.  Sinks are installed first so that a source never
// starts toward an unbound port
func (sd *ScenarioDriver) InstallApplications() error {
	return sd.step(stepApplications, func() error {
		for idx := range sd.flows {
			sf := &sd.flows[idx]
			dstAddr, _ := sd.topo.Addrs.Addr(sf.Spec.Dst)
			client, clientAttrs, sink, sinkAttrs := flowApps(*sf, dstAddr)
			if sink != "" {
				id, err := sd.engine.InstallApp(sink, sd.nodeIDs[sf.Spec.Dst], attrMap(sinkAttrs))
				if err != nil {
					return fmt.Errorf("flow %d sink: %w", sf.ID, err)
				}
				if err := sd.engine.SetAppWindow(id, sf.Start, sf.Stop); err != nil {
					return fmt.Errorf("flow %d sink: %w", sf.ID, err)
				}
				sf.DstApp = id
			}
			id, err := sd.engine.InstallApp(client, sd.nodeIDs[sf.Spec.Src], attrMap(clientAttrs))
			if err != nil {
				return fmt.Errorf("flow %d source: %w", sf.ID, err)
			}
			if err := sd.engine.SetAppWindow(id, sf.Start, sf.Stop); err != nil {
				return fmt.Errorf("flow %d source: %w", sf.ID, err)
			}
			sf.SrcApp = id
			sd.logger.Debug("flow installed", "flow", int(sf.ID), "kind", sf.Spec.Kind.String(),
				"src", sf.Spec.Src, "dst", sf.Spec.Dst, "start", sf.Start, "stop", sf.Stop)
		}
		return nil
	})
}

// InstallCapture enables the flow monitor and the requested pcap and trace outputs
func (sd *ScenarioDriver) InstallCapture() error {
	return sd.step(stepCapture, func() error {
		if err := sd.engine.EnableFlowMonitor(); err != nil {
			return err
		}
		if sd.pcapPrefix != "" {
			if err := sd.engine.EnablePcapAll(sd.pcapPrefix); err != nil {
				return err
			}
		}
		if sd.tracePath != "" {
			if err := sd.engine.EnableTrace(sd.cfg.Name(), sd.traceAll); err != nil {
				return err
			}
		}
		return nil
	})
}

// Install runs the remaining install steps in order
func (sd *ScenarioDriver) Install() error {
	steps := []func() error{sd.InstallNodes, sd.InstallDevices, sd.InstallAddresses,
		sd.InstallRouting, sd.InstallApplications, sd.InstallCapture}
	if sd.state != Built {
		return sd.stateErr("Install")
	}
	for s := sd.next; s < numInstallSteps; s++ {
		if err := steps[s](); err != nil {
			return err
		}
	}
	return nil
}

// StopTime is the instant the clock runs to
func (sd *ScenarioDriver) StopTime() float64 {
	if sd.horizon > 0 {
		return sd.horizon
	}
	return sd.cfg.StopTime()
}

// Run advances the engine clock to the stop time and returns the flow records
// and metrics once it halts.  The clock is not interruptible; ctx is checked
// before it starts
func (sd *ScenarioDriver) Run(ctx context.Context) (*RunResult, error) {
	if sd.state != Installed {
		return nil, sd.stateErr("Run")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sd.state = Running
	stopTime := sd.StopTime()
	sd.logger.Info("run simulation", "stop", stopTime)
	if err := sd.engine.Run(stopTime); err != nil {
		sd.state = Aborted
		return nil, fmt.Errorf("run: %w", err)
	}
	sd.state = Completed
	sd.logger.Info("run complete")

	sd.engine.CheckForLostPackets()
	records := sd.collectRecords()
	metrics, warnings := AggregateFlows(sd.flows, records)
	for _, w := range warnings {
		sd.logger.Warn("flow produced no record", "err", w)
	}
	sd.metrics.observe(sd.runID.String(), stopTime, sd.flows, metrics)

	result := &RunResult{
		RunID:    sd.runID,
		Name:     sd.cfg.Name(),
		Spacing:  sd.cfg.Spacing(),
		StopTime: stopTime,
		Flows:    sd.Flows(),
		Records:  records,
		Metrics:  metrics,
		Warnings: warnings,
	}
	return result, sd.writeOutputs()
}

// collectRecords pairs each scheduled flow with the engine flow its source sent
func (sd *ScenarioDriver) collectRecords() map[FlowID]FlowRecord {
	stats := sd.engine.FlowStats()
	records := make(map[FlowID]FlowRecord)
	for _, sf := range sd.flows {
		tuple, err := sd.engine.AppTuple(sf.SrcApp)
		if err != nil {
			continue
		}
		engineID, present := sd.engine.FindFlow(tuple)
		if !present {
			continue
		}
		fs, present := stats[engineID]
		if !present {
			continue
		}
		rec := recordFromStats(sf.ID, engineID, fs)

		appID := sf.DstApp
		if sf.Spec.Kind == ICMPEcho {
			appID = sf.SrcApp
		}
		if app, err := sd.engine.AppStats(appID); err == nil {
			rec.AppRxBytes, rec.AppRxPackets = app.RxBytes, app.RxPackets
			if len(app.RTTs) > 0 {
				rec.MeanRTT = stat.Mean(app.RTTs, nil)
			}
		}
		records[sf.ID] = rec
	}
	return records
}

// writeOutputs saves the engine's files and releases its capture devices
func (sd *ScenarioDriver) writeOutputs() error {
	errs := []error{}
	if sd.flowStatsPath != "" {
		errs = append(errs, sd.engine.SerializeFlowMonitor(sd.flowStatsPath, sd.detail, sd.detail))
	}
	errs = append(errs, sd.engine.Close())
	if sd.tracePath != "" {
		errs = append(errs, sd.engine.WriteTrace(sd.tracePath))
	}
	return ReportErrs(errs)
}

// Execute builds, installs and runs cfg on engine
func Execute(ctx context.Context, cfg *ExperimentConfig, engine Engine, opts ...Option) (*RunResult, error) {
	sd := NewScenarioDriver(cfg, engine, opts...)
	if err := sd.Build(); err != nil {
		return nil, err
	}
	if err := sd.Install(); err != nil {
		return nil, err
	}
	return sd.Run(ctx)
}
