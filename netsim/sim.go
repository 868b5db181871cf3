// Package netsim is a packet-level discrete-event network simulator.  It offers
// the primitives an orchestration layer needs to reproduce small wireless and
// point-to-point experiments: node creation and placement, channel and device
// models configured through string attributes, address assignment, static and
// link-state routing, traffic applications with start/stop windows, a flow
// monitor, pcap capture and a packet trace.
//
// A Sim owns all of its state.  Several Sims may exist in one process and do
// not share anything except the package-level random stream seeding.
package netsim

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// defaults of the device models
const (
	DefaultWifiBandwidth = 54.0   // Mbps
	DefaultWifiRange     = 100.0  // meters
	DefaultWifiOverhead  = 1e-4   // seconds of MAC time per frame
	DefaultP2PBandwidth  = 5.0    // Mbps
	DefaultP2PLatency    = 0.002  // seconds
	DefaultBuffer        = 100    // packets per interface
)

type stage int

const (
	stageEmpty stage = iota
	stageNodes
	stageDevices
	stageAddresses
	stageRouting
	stageRan
)

// Sim is one simulated network and its event clock
type Sim struct {
	name   string
	evtMgr *evtm.EventManager
	stage  stage

	nodes      []*node
	channels   []*channel
	intrfcs    []*intrfc
	nodeByAddr map[netip.Addr]*node
	prefix     netip.Prefix
	router     *router
	apps       []*app

	monitor  *FlowMonitor
	traceMgr *TraceManager
	pcapOn   bool

	numIDs  int
	numUIDs uint64
}

// New creates an empty simulation.  name seeds the names of the random streams
func New(name string) *Sim {
	sim := &Sim{name: name, evtMgr: evtm.New(), nodeByAddr: make(map[netip.Addr]*node)}
	return sim
}

func (sim *Sim) nxtID() int {
	id := sim.numIDs
	sim.numIDs++
	return id
}

func (sim *Sim) nxtUID() uint64 {
	sim.numUIDs++
	return sim.numUIDs
}

// Now returns the current simulated time in seconds
func (sim *Sim) Now() float64 {
	return sim.evtMgr.CurrentSeconds()
}

// CreateNodes creates count nodes and returns their ids, which run from 0
func (sim *Sim) CreateNodes(count int) ([]int, error) {
	if sim.stage != stageEmpty {
		return nil, fmt.Errorf("nodes already created")
	}
	if count < 1 {
		return nil, fmt.Errorf("node count %d must be positive", count)
	}
	ids := make([]int, 0, count)
	for idx := 0; idx < count; idx++ {
		nd := createNode(sim, sim.nxtID())
		sim.nodes = append(sim.nodes, nd)
		ids = append(ids, nd.id)
	}
	sim.stage = stageNodes
	return ids, nil
}

func (sim *Sim) nodeByID(id int) (*node, error) {
	if id < 0 || id >= len(sim.nodes) {
		return nil, fmt.Errorf("node %d does not exist", id)
	}
	return sim.nodes[id], nil
}

// SetPosition places a node.  Positions are fixed once routing is installed
func (sim *Sim) SetPosition(id int, x, y, z float64) error {
	nd, err := sim.nodeByID(id)
	if err != nil {
		return err
	}
	if sim.stage >= stageRouting {
		return fmt.Errorf("node %d cannot move after routing is installed", id)
	}
	nd.x, nd.y, nd.z = x, y, z
	return nil
}

func (sim *Sim) addIntrfc(nd *node, ch *channel) *intrfc {
	ifc := &intrfc{number: sim.nxtID(), index: len(nd.intrfcs), node: nd, ch: ch, buffer: DefaultBuffer}
	ifc.name = nd.name + "-if" + strconv.Itoa(ifc.index)
	ifc.mac = net.HardwareAddr{0x00, 0x00, 0x00, 0x00, byte(ifc.number >> 8), byte(ifc.number)}
	nd.intrfcs = append(nd.intrfcs, ifc)
	ch.members = append(ch.members, ifc)
	sim.intrfcs = append(sim.intrfcs, ifc)
	return ifc
}

// InstallDevices attaches every node to the medium.  "wifi" puts all nodes on one
// shared ad hoc channel; "p2p" links node i to node i+1 in a chain.  The
// attributes are applied to the channels, interfaces, and nodes afterwards
func (sim *Sim) InstallDevices(media string, params []Attribute) error {
	if sim.stage != stageNodes {
		return fmt.Errorf("devices need created nodes and may be installed once")
	}
	mediaType, err := netMediaFromStr(media)
	if err != nil {
		return err
	}
	errs := []error{}
	for _, param := range params {
		errs = append(errs, ValidateAttribute(param))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	switch mediaType {
	case wireless:
		ch := &channel{name: "wifi-0", media: wireless, bndwdth: DefaultWifiBandwidth,
			rangeM: DefaultWifiRange, overhead: DefaultWifiOverhead}
		sim.channels = append(sim.channels, ch)
		for _, nd := range sim.nodes {
			sim.addIntrfc(nd, ch)
		}
	case wired:
		for idx := 0; idx+1 < len(sim.nodes); idx++ {
			ch := &channel{name: "p2p-" + strconv.Itoa(idx), media: wired, bndwdth: DefaultP2PBandwidth,
				latency: DefaultP2PLatency}
			sim.channels = append(sim.channels, ch)
			sim.addIntrfc(sim.nodes[idx], ch)
			sim.addIntrfc(sim.nodes[idx+1], ch)
		}
	}

	objs := map[string][]paramObj{}
	for _, ch := range sim.channels {
		objs["Channel"] = append(objs["Channel"], ch)
	}
	for _, ifc := range sim.intrfcs {
		objs["Interface"] = append(objs["Interface"], ifc)
	}
	for _, nd := range sim.nodes {
		objs["Node"] = append(objs["Node"], nd)
	}
	applyAttributes(params, objs)

	for _, ch := range sim.channels {
		if ch.bndwdth <= 0 {
			return fmt.Errorf("channel %s bandwidth must be positive", ch.name)
		}
		if ch.loss < 0 || ch.loss > 1 {
			return fmt.Errorf("channel %s loss %g is not a probability", ch.name, ch.loss)
		}
	}
	sim.stage = stageDevices
	return nil
}

// AssignAddresses gives node i the address addrs[i] within prefix
func (sim *Sim) AssignAddresses(prefix netip.Prefix, addrs []netip.Addr) error {
	if sim.stage != stageDevices {
		return fmt.Errorf("addresses need installed devices and may be assigned once")
	}
	if len(addrs) != len(sim.nodes) {
		return fmt.Errorf("%d addresses offered for %d nodes", len(addrs), len(sim.nodes))
	}
	for idx, addr := range addrs {
		if !prefix.Contains(addr) {
			return fmt.Errorf("address %s is outside %s", addr, prefix)
		}
		if _, present := sim.nodeByAddr[addr]; present {
			return fmt.Errorf("address %s assigned twice", addr)
		}
		sim.nodes[idx].addr = addr
		sim.nodeByAddr[addr] = sim.nodes[idx]
	}
	sim.prefix = prefix
	sim.stage = stageAddresses
	return nil
}

// InstallRouting selects the routing protocol, "static" or "olsr"
func (sim *Sim) InstallRouting(protocol string) error {
	if sim.stage != stageAddresses {
		return fmt.Errorf("routing needs assigned addresses and may be installed once")
	}
	proto, err := routingProtoFromStr(protocol)
	if err != nil {
		return err
	}
	sim.router = createRouter(proto, sim.nodes)
	sim.stage = stageRouting
	return nil
}

// Neighbours returns the ids of the nodes one hop from node id
func (sim *Sim) Neighbours(id int) []int {
	if sim.router == nil {
		return nil
	}
	return append([]int{}, sim.router.edges[id]...)
}

// InstallApp installs an application of the named type on a node and returns its handle.
// The application does nothing until SetAppWindow schedules it
func (sim *Sim) InstallApp(typeName string, nodeID int, attrs map[string]string) (int, error) {
	if sim.stage != stageRouting {
		return -1, fmt.Errorf("applications need installed routing and a clock that has not run")
	}
	nd, err := sim.nodeByID(nodeID)
	if err != nil {
		return -1, err
	}
	a, err := createApp(sim, typeName, nd, attrs)
	if err != nil {
		return -1, err
	}
	sim.apps = append(sim.apps, a)
	return a.id, nil
}

func (sim *Sim) appByID(id int) (*app, error) {
	if id < 0 || id >= len(sim.apps) {
		return nil, fmt.Errorf("application %d does not exist", id)
	}
	return sim.apps[id], nil
}

// SetAppWindow schedules the start and stop of an application.  An application
// has exactly one window
func (sim *Sim) SetAppWindow(id int, start, stop float64) error {
	a, err := sim.appByID(id)
	if err != nil {
		return err
	}
	if a.windowed {
		return fmt.Errorf("application %d already has a start/stop window", id)
	}
	if sim.stage == stageRan {
		return fmt.Errorf("the clock has already run")
	}
	if start < 0 || stop <= start {
		return fmt.Errorf("application %d window [%g, %g] is not valid", id, start, stop)
	}
	a.start, a.stop, a.windowed = start, stop, true
	sim.evtMgr.Schedule(a, nil, appStart, vrtime.SecondsToTime(start))
	sim.evtMgr.Schedule(a, nil, appStop, vrtime.SecondsToTime(stop))
	return nil
}

// AppStats returns the counters of an application
func (sim *Sim) AppStats(id int) (AppStats, error) {
	a, err := sim.appByID(id)
	if err != nil {
		return AppStats{}, err
	}
	stats := a.stats
	stats.RTTs = append([]float64{}, a.stats.RTTs...)
	return stats, nil
}

// AppTuple returns the five-tuple of the packets a source application sends
func (sim *Sim) AppTuple(id int) (FiveTuple, error) {
	a, err := sim.appByID(id)
	if err != nil {
		return FiveTuple{}, err
	}
	if !a.isSource() {
		return FiveTuple{}, fmt.Errorf("application %d is a sink", id)
	}
	return FiveTuple{Src: a.nd.addr, Dst: a.remote.Addr(), Proto: a.proto, SrcPort: a.localPort, DstPort: a.remote.Port()}, nil
}

// EnableFlowMonitor starts classifying packets.  It must precede Run
func (sim *Sim) EnableFlowMonitor() error {
	if sim.stage == stageRan {
		return fmt.Errorf("the clock has already run")
	}
	if sim.monitor == nil {
		sim.monitor = createFlowMonitor(sim)
	}
	return nil
}

// Monitor returns the flow monitor, nil if it is not enabled
func (sim *Sim) Monitor() *FlowMonitor {
	return sim.monitor
}

// EnablePcapAll opens one capture file per device, named by PcapFileName
func (sim *Sim) EnablePcapAll(prefix string) error {
	if sim.stage < stageDevices || sim.stage == stageRan {
		return fmt.Errorf("capture needs installed devices and a clock that has not run")
	}
	if sim.pcapOn {
		return fmt.Errorf("capture already enabled")
	}
	for _, ifc := range sim.intrfcs {
		pd, err := createPcapDev(PcapFileName(prefix, ifc.node.id, ifc.index))
		if err != nil {
			return errors.Join(err, sim.closePcap())
		}
		ifc.pcap = pd
	}
	sim.pcapOn = true
	return nil
}

// EnableTrace activates the packet trace for the nodes and interfaces whose
// trace parameter is set, or for every node when all is true
func (sim *Sim) EnableTrace(expName string, all bool) error {
	if sim.stage < stageDevices {
		return fmt.Errorf("trace needs installed devices")
	}
	sim.traceMgr = CreateTraceManager(expName, true)
	for _, nd := range sim.nodes {
		if all {
			nd.trace = true
		}
		sim.traceMgr.AddName(nd.id, nd.name, "node")
		for _, ifc := range nd.intrfcs {
			sim.traceMgr.AddName(ifc.number, ifc.name, "interface")
		}
	}
	return nil
}

// WriteTrace saves the packet trace, yaml or json by the file extension
func (sim *Sim) WriteTrace(filename string) error {
	if !sim.traceMgr.Active() {
		return fmt.Errorf("trace is not enabled")
	}
	return sim.traceMgr.WriteToFile(filename)
}

// Run advances the clock until limit seconds or until no events remain.
// A Sim runs once
func (sim *Sim) Run(limit float64) error {
	if sim.stage < stageNodes {
		return fmt.Errorf("nothing to run")
	}
	if sim.stage == stageRan {
		return fmt.Errorf("the clock has already run")
	}
	if limit <= 0 {
		return fmt.Errorf("run limit %g must be positive", limit)
	}
	sim.stage = stageRan
	sim.evtMgr.Run(limit)
	return nil
}

// CheckForLostPackets declares lost the packets in flight too long
func (sim *Sim) CheckForLostPackets() {
	sim.monitor.CheckForLostPackets()
}

// FindFlow returns the flow monitor identifier of a five-tuple
func (sim *Sim) FindFlow(tuple FiveTuple) (int, bool) {
	return sim.monitor.FindFlow(tuple)
}

// FlowStats returns the monitor statistics of every classified flow
func (sim *Sim) FlowStats() map[int]FlowStats {
	return sim.monitor.FlowStats()
}

// SerializeFlowMonitor writes the flow monitor file
func (sim *Sim) SerializeFlowMonitor(filename string, histograms, probes bool) error {
	return sim.monitor.SerializeToXmlFile(filename, histograms, probes)
}

func (sim *Sim) closePcap() error {
	errs := []error{}
	for _, ifc := range sim.intrfcs {
		errs = append(errs, ifc.pcap.close())
		ifc.pcap = nil
	}
	return errors.Join(errs...)
}

// Close flushes and closes the capture files
func (sim *Sim) Close() error {
	return sim.closePcap()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
