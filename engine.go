package scratchnet

import (
	"net/netip"

	"github.com/iti/scratchnet/netsim"
)

// Engine is the simulation substrate a ScenarioDriver configures.  The calls
// are issued in the order nodes, devices, addresses, routing, applications,
// capture, run, and the engine may reject any other order
type Engine interface {
	CreateNodes(count int) ([]int, error)
	SetPosition(id int, x, y, z float64) error
	InstallDevices(media string, params []netsim.Attribute) error
	AssignAddresses(prefix netip.Prefix, addrs []netip.Addr) error
	InstallRouting(protocol string) error
	InstallApp(typeName string, nodeID int, attrs map[string]string) (int, error)
	SetAppWindow(id int, start, stop float64) error

	EnablePcapAll(prefix string) error
	EnableFlowMonitor() error
	EnableTrace(expName string, all bool) error

	Run(limit float64) error

	CheckForLostPackets()
	FindFlow(tuple netsim.FiveTuple) (int, bool)
	FlowStats() map[int]netsim.FlowStats
	AppStats(id int) (netsim.AppStats, error)
	AppTuple(id int) (netsim.FiveTuple, error)
	SerializeFlowMonitor(filename string, histograms, probes bool) error
	WriteTrace(filename string) error
	Close() error
}

// EngineFactory creates a fresh engine for a named run
type EngineFactory func(name string) Engine

// DefaultEngine creates a netsim simulation
func DefaultEngine(name string) Engine {
	return netsim.New(name)
}

var _ Engine = (*netsim.Sim)(nil)

// FlowRecord is the snapshot of one scheduled flow's counters taken after the clock halts.
// Times are in seconds.  Byte counts at the network layer include the IP header
type FlowRecord struct {
	FlowID       FlowID `json:"flowid" yaml:"flowid"`
	EngineFlowID int    `json:"engineflowid" yaml:"engineflowid"`

	TxBytes   uint64 `json:"txbytes" yaml:"txbytes"`
	TxPackets uint64 `json:"txpackets" yaml:"txpackets"`
	RxBytes   uint64 `json:"rxbytes" yaml:"rxbytes"`
	RxPackets uint64 `json:"rxpackets" yaml:"rxpackets"`

	LostPackets    uint64 `json:"lostpackets" yaml:"lostpackets"`
	TimesForwarded uint64 `json:"timesforwarded" yaml:"timesforwarded"`

	TimeFirstTx float64 `json:"timefirsttx" yaml:"timefirsttx"`
	TimeLastTx  float64 `json:"timelasttx" yaml:"timelasttx"`
	TimeFirstRx float64 `json:"timefirstrx" yaml:"timefirstrx"`
	TimeLastRx  float64 `json:"timelastrx" yaml:"timelastrx"`

	DelaySum  float64 `json:"delaysum" yaml:"delaysum"`
	JitterSum float64 `json:"jittersum" yaml:"jittersum"`

	// payload received by the application at the sink (the echo client for ICMP)
	AppRxBytes   uint64 `json:"apprxbytes" yaml:"apprxbytes"`
	AppRxPackets uint64 `json:"apprxpackets" yaml:"apprxpackets"`

	// mean round trip time of answered echo requests, ICMP flows only
	MeanRTT float64 `json:"meanrtt,omitempty" yaml:"meanrtt,omitempty"`
}

// recordFromStats copies the monitor counters of one flow
func recordFromStats(id FlowID, engineID int, fs netsim.FlowStats) FlowRecord {
	return FlowRecord{
		FlowID:         id,
		EngineFlowID:   engineID,
		TxBytes:        fs.TxBytes,
		TxPackets:      fs.TxPackets,
		RxBytes:        fs.RxBytes,
		RxPackets:      fs.RxPackets,
		LostPackets:    fs.LostPackets,
		TimesForwarded: fs.TimesForwarded,
		TimeFirstTx:    fs.TimeFirstTxPacket,
		TimeLastTx:     fs.TimeLastTxPacket,
		TimeFirstRx:    fs.TimeFirstRxPacket,
		TimeLastRx:     fs.TimeLastRxPacket,
		DelaySum:       fs.DelaySum,
		JitterSum:      fs.JitterSum,
	}
}
