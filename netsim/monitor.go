package netsim

import (
	"encoding/xml"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
)

// DropReason tells why the network discarded a packet
type DropReason string

const (
	DropNoRoute    DropReason = "no-route"
	DropTTL        DropReason = "ttl-expired"
	DropQueue      DropReason = "queue-full"
	DropOutOfRange DropReason = "out-of-range"
	DropChannel    DropReason = "channel-loss"
)

// reason codes written to the flow monitor file
var dropReasonCode = map[DropReason]int{
	DropNoRoute:    0,
	DropTTL:        1,
	DropQueue:      2,
	DropOutOfRange: 3,
	DropChannel:    4,
}

// Histogram counts samples in bins of fixed width
type Histogram struct {
	BinWidth float64
	Counts   map[int]uint64
}

func newHistogram(width float64) Histogram {
	return Histogram{BinWidth: width, Counts: make(map[int]uint64)}
}

func (h *Histogram) add(v float64) {
	h.Counts[int(math.Floor(v/h.BinWidth))]++
}

func (h Histogram) clone() Histogram {
	c := newHistogram(h.BinWidth)
	for bin, count := range h.Counts {
		c.Counts[bin] = count
	}
	return c
}

// FlowStats holds the counters the monitor keeps for one flow.  Times are in seconds
type FlowStats struct {
	TimeFirstTxPacket float64
	TimeFirstRxPacket float64
	TimeLastTxPacket  float64
	TimeLastRxPacket  float64
	DelaySum          float64
	JitterSum         float64
	LastDelay         float64
	TxBytes           uint64
	RxBytes           uint64
	TxPackets         uint64
	RxPackets         uint64
	LostPackets       uint64
	TimesForwarded    uint64

	PacketsDropped map[DropReason]uint64
	BytesDropped   map[DropReason]uint64

	DelayHistogram      Histogram
	JitterHistogram     Histogram
	PacketSizeHistogram Histogram
}

func (fs *FlowStats) clone() FlowStats {
	c := *fs
	c.PacketsDropped = make(map[DropReason]uint64)
	c.BytesDropped = make(map[DropReason]uint64)
	for r, n := range fs.PacketsDropped {
		c.PacketsDropped[r] = n
	}
	for r, n := range fs.BytesDropped {
		c.BytesDropped[r] = n
	}
	c.DelayHistogram = fs.DelayHistogram.clone()
	c.JitterHistogram = fs.JitterHistogram.clone()
	c.PacketSizeHistogram = fs.PacketSizeHistogram.clone()
	return c
}

type trackedPacket struct {
	flowID int
	txTime float64
	size   int
}

type probeStats struct {
	packets             uint64
	bytes               uint64
	delayFromFirstProbe float64
}

// FlowMonitor classifies IP packets into flows by five-tuple and accumulates
// per-flow statistics.  Flow identifiers are assigned from 1 in the order in
// which the first packet of each flow is sent
type FlowMonitor struct {
	sim         *Sim
	flowByTuple map[FiveTuple]int
	tupleByFlow map[int]FiveTuple
	stats       map[int]*FlowStats
	inFlight    map[uint64]trackedPacket
	probes      map[int]map[int]*probeStats

	// packets in flight longer than this are declared lost by CheckForLostPackets
	MaxPerHopDelay float64

	DelayBinWidth      float64
	JitterBinWidth     float64
	PacketSizeBinWidth float64
}

func createFlowMonitor(sim *Sim) *FlowMonitor {
	return &FlowMonitor{
		sim:                sim,
		flowByTuple:        make(map[FiveTuple]int),
		tupleByFlow:        make(map[int]FiveTuple),
		stats:              make(map[int]*FlowStats),
		inFlight:           make(map[uint64]trackedPacket),
		probes:             make(map[int]map[int]*probeStats),
		MaxPerHopDelay:     10.0,
		DelayBinWidth:      0.001,
		JitterBinWidth:     0.001,
		PacketSizeBinWidth: 20,
	}
}

func (fm *FlowMonitor) now() float64 {
	return fm.sim.evtMgr.CurrentSeconds()
}

func (fm *FlowMonitor) classify(p *packet) int {
	flowID, present := fm.flowByTuple[p.tuple]
	if !present {
		flowID = len(fm.flowByTuple) + 1
		fm.flowByTuple[p.tuple] = flowID
		fm.tupleByFlow[flowID] = p.tuple
		fm.stats[flowID] = &FlowStats{
			PacketsDropped:      make(map[DropReason]uint64),
			BytesDropped:        make(map[DropReason]uint64),
			DelayHistogram:      newHistogram(fm.DelayBinWidth),
			JitterHistogram:     newHistogram(fm.JitterBinWidth),
			PacketSizeHistogram: newHistogram(fm.PacketSizeBinWidth),
		}
	}
	return flowID
}

func (fm *FlowMonitor) probe(nd *node, flowID int, size int, delay float64) {
	perFlow, present := fm.probes[nd.id]
	if !present {
		perFlow = make(map[int]*probeStats)
		fm.probes[nd.id] = perFlow
	}
	ps, present := perFlow[flowID]
	if !present {
		ps = new(probeStats)
		perFlow[flowID] = ps
	}
	ps.packets++
	ps.bytes += uint64(size)
	ps.delayFromFirstProbe += delay
}

// reportFirstTx records a packet leaving the IP layer of its source
func (fm *FlowMonitor) reportFirstTx(p *packet, nd *node) {
	if fm == nil {
		return
	}
	now := fm.now()
	flowID := fm.classify(p)
	fs := fm.stats[flowID]
	if fs.TxPackets == 0 {
		fs.TimeFirstTxPacket = now
	}
	fs.TimeLastTxPacket = now
	fs.TxPackets++
	fs.TxBytes += uint64(p.size())
	fm.inFlight[p.uid] = trackedPacket{flowID: flowID, txTime: now, size: p.size()}
	fm.probe(nd, flowID, p.size(), 0)
}

// reportForwarding records a packet relayed by an intermediate node
func (fm *FlowMonitor) reportForwarding(p *packet, nd *node) {
	if fm == nil {
		return
	}
	tracked, present := fm.inFlight[p.uid]
	if !present {
		return
	}
	fm.stats[tracked.flowID].TimesForwarded++
	fm.probe(nd, tracked.flowID, tracked.size, fm.now()-tracked.txTime)
}

// reportLastRx records a packet delivered to the IP layer of its destination
func (fm *FlowMonitor) reportLastRx(p *packet, nd *node) {
	if fm == nil {
		return
	}
	tracked, present := fm.inFlight[p.uid]
	if !present {
		return
	}
	delete(fm.inFlight, p.uid)

	now := fm.now()
	fs := fm.stats[tracked.flowID]
	delay := now - tracked.txTime
	fs.DelaySum += delay
	fs.DelayHistogram.add(delay)
	if fs.RxPackets > 0 {
		jitter := math.Abs(delay - fs.LastDelay)
		fs.JitterSum += jitter
		fs.JitterHistogram.add(jitter)
	}
	fs.LastDelay = delay
	if fs.RxPackets == 0 {
		fs.TimeFirstRxPacket = now
	}
	fs.TimeLastRxPacket = now
	fs.RxPackets++
	fs.RxBytes += uint64(tracked.size)
	fs.PacketSizeHistogram.add(float64(tracked.size))
	fm.probe(nd, tracked.flowID, tracked.size, delay)
}

// reportDrop records a packet discarded somewhere in the network
func (fm *FlowMonitor) reportDrop(p *packet, nd *node, reason DropReason) {
	if fm == nil {
		return
	}
	tracked, present := fm.inFlight[p.uid]
	if !present {
		return
	}
	delete(fm.inFlight, p.uid)
	fs := fm.stats[tracked.flowID]
	fs.LostPackets++
	fs.PacketsDropped[reason]++
	fs.BytesDropped[reason] += uint64(tracked.size)
}

// CheckForLostPackets declares lost every packet in flight for longer than MaxPerHopDelay
func (fm *FlowMonitor) CheckForLostPackets() {
	if fm == nil {
		return
	}
	now := fm.now()
	for uid, tracked := range fm.inFlight {
		if now-tracked.txTime > fm.MaxPerHopDelay {
			fm.stats[tracked.flowID].LostPackets++
			delete(fm.inFlight, uid)
		}
	}
}

// FindFlow returns the identifier the classifier assigned to the tuple
func (fm *FlowMonitor) FindFlow(tuple FiveTuple) (int, bool) {
	if fm == nil {
		return 0, false
	}
	flowID, present := fm.flowByTuple[tuple]
	return flowID, present
}

// FindTuple returns the tuple classified under flowID
func (fm *FlowMonitor) FindTuple(flowID int) (FiveTuple, bool) {
	if fm == nil {
		return FiveTuple{}, false
	}
	tuple, present := fm.tupleByFlow[flowID]
	return tuple, present
}

// FlowStats returns a copy of the statistics of every flow seen
func (fm *FlowMonitor) FlowStats() map[int]FlowStats {
	rtn := make(map[int]FlowStats)
	if fm == nil {
		return rtn
	}
	for flowID, fs := range fm.stats {
		rtn[flowID] = fs.clone()
	}
	return rtn
}

// the xml layout follows the ns-3 FlowMonitor file so existing parsing scripts work on it

type xmlFlowMonitor struct {
	XMLName    xml.Name          `xml:"FlowMonitor"`
	FlowStats  xmlFlowStatsList  `xml:"FlowStats"`
	Classifier xmlClassifierList `xml:"Ipv4FlowClassifier"`
	Probes     *xmlProbeList     `xml:"FlowProbes,omitempty"`
}

type xmlFlowStatsList struct {
	Flows []xmlFlow `xml:"Flow"`
}

type xmlFlow struct {
	FlowID            int    `xml:"flowId,attr"`
	TimeFirstTxPacket string `xml:"timeFirstTxPacket,attr"`
	TimeFirstRxPacket string `xml:"timeFirstRxPacket,attr"`
	TimeLastTxPacket  string `xml:"timeLastTxPacket,attr"`
	TimeLastRxPacket  string `xml:"timeLastRxPacket,attr"`
	DelaySum          string `xml:"delaySum,attr"`
	JitterSum         string `xml:"jitterSum,attr"`
	LastDelay         string `xml:"lastDelay,attr"`
	TxBytes           uint64 `xml:"txBytes,attr"`
	RxBytes           uint64 `xml:"rxBytes,attr"`
	TxPackets         uint64 `xml:"txPackets,attr"`
	RxPackets         uint64 `xml:"rxPackets,attr"`
	LostPackets       uint64 `xml:"lostPackets,attr"`
	TimesForwarded    uint64 `xml:"timesForwarded,attr"`

	PacketsDropped []xmlDropped `xml:"packetsDropped"`
	BytesDropped   []xmlDropped `xml:"bytesDropped"`

	DelayHistogram      *xmlHistogram `xml:"delayHistogram,omitempty"`
	JitterHistogram     *xmlHistogram `xml:"jitterHistogram,omitempty"`
	PacketSizeHistogram *xmlHistogram `xml:"packetSizeHistogram,omitempty"`
}

type xmlDropped struct {
	ReasonCode int    `xml:"reasonCode,attr"`
	Number     uint64 `xml:"number,attr"`
}

type xmlHistogram struct {
	NBins int      `xml:"nBins,attr"`
	Bins  []xmlBin `xml:"bin"`
}

type xmlBin struct {
	Index int     `xml:"index,attr"`
	Start float64 `xml:"start,attr"`
	Width float64 `xml:"width,attr"`
	Count uint64  `xml:"count,attr"`
}

type xmlClassifierList struct {
	Flows []xmlClassifiedFlow `xml:"Flow"`
}

type xmlClassifiedFlow struct {
	FlowID          int    `xml:"flowId,attr"`
	SourceAddress   string `xml:"sourceAddress,attr"`
	DestAddress     string `xml:"destinationAddress,attr"`
	Protocol        uint8  `xml:"protocol,attr"`
	SourcePort      uint16 `xml:"sourcePort,attr"`
	DestinationPort uint16 `xml:"destinationPort,attr"`
}

type xmlProbeList struct {
	Probes []xmlProbe `xml:"FlowProbe"`
}

type xmlProbe struct {
	Index int             `xml:"index,attr"`
	Stats []xmlProbeStats `xml:"FlowStats"`
}

type xmlProbeStats struct {
	FlowID                 int    `xml:"flowId,attr"`
	Packets                uint64 `xml:"packets,attr"`
	Bytes                  uint64 `xml:"bytes,attr"`
	DelayFromFirstProbeSum string `xml:"delayFromFirstProbeSum,attr"`
}

// nsTime writes seconds the way the ns-3 time attribute does
func nsTime(seconds float64) string {
	return "+" + strconv.FormatFloat(seconds*1e+9, 'f', 1, 64) + "ns"
}

func xmlHist(h Histogram) *xmlHistogram {
	bins := make([]int, 0, len(h.Counts))
	for bin := range h.Counts {
		bins = append(bins, bin)
	}
	sort.Ints(bins)
	xh := &xmlHistogram{}
	for _, bin := range bins {
		xh.Bins = append(xh.Bins, xmlBin{Index: bin, Start: float64(bin) * h.BinWidth, Width: h.BinWidth, Count: h.Counts[bin]})
	}
	if len(bins) > 0 {
		xh.NBins = bins[len(bins)-1] + 1
	}
	return xh
}

func xmlDrops(drops map[DropReason]uint64) []xmlDropped {
	rtn := []xmlDropped{}
	for reason, n := range drops {
		rtn = append(rtn, xmlDropped{ReasonCode: dropReasonCode[reason], Number: n})
	}
	sort.Slice(rtn, func(i, j int) bool { return rtn[i].ReasonCode < rtn[j].ReasonCode })
	return rtn
}

// SerializeToXmlFile writes the flow statistics, the classifier table and optionally
// the histograms and per-node probes to the named file
func (fm *FlowMonitor) SerializeToXmlFile(filename string, histograms, probes bool) error {
	if fm == nil {
		return fmt.Errorf("flow monitor is not enabled")
	}
	doc := xmlFlowMonitor{}

	flowIDs := make([]int, 0, len(fm.stats))
	for flowID := range fm.stats {
		flowIDs = append(flowIDs, flowID)
	}
	sort.Ints(flowIDs)

	for _, flowID := range flowIDs {
		fs := fm.stats[flowID]
		xf := xmlFlow{
			FlowID:            flowID,
			TimeFirstTxPacket: nsTime(fs.TimeFirstTxPacket),
			TimeFirstRxPacket: nsTime(fs.TimeFirstRxPacket),
			TimeLastTxPacket:  nsTime(fs.TimeLastTxPacket),
			TimeLastRxPacket:  nsTime(fs.TimeLastRxPacket),
			DelaySum:          nsTime(fs.DelaySum),
			JitterSum:         nsTime(fs.JitterSum),
			LastDelay:         nsTime(fs.LastDelay),
			TxBytes:           fs.TxBytes,
			RxBytes:           fs.RxBytes,
			TxPackets:         fs.TxPackets,
			RxPackets:         fs.RxPackets,
			LostPackets:       fs.LostPackets,
			TimesForwarded:    fs.TimesForwarded,
			PacketsDropped:    xmlDrops(fs.PacketsDropped),
			BytesDropped:      xmlDrops(fs.BytesDropped),
		}
		if histograms {
			xf.DelayHistogram = xmlHist(fs.DelayHistogram)
			xf.JitterHistogram = xmlHist(fs.JitterHistogram)
			xf.PacketSizeHistogram = xmlHist(fs.PacketSizeHistogram)
		}
		doc.FlowStats.Flows = append(doc.FlowStats.Flows, xf)

		tuple := fm.tupleByFlow[flowID]
		doc.Classifier.Flows = append(doc.Classifier.Flows, xmlClassifiedFlow{
			FlowID:          flowID,
			SourceAddress:   tuple.Src.String(),
			DestAddress:     tuple.Dst.String(),
			Protocol:        tuple.Proto,
			SourcePort:      tuple.SrcPort,
			DestinationPort: tuple.DstPort,
		})
	}

	if probes {
		doc.Probes = &xmlProbeList{}
		nodeIDs := make([]int, 0, len(fm.probes))
		for nodeID := range fm.probes {
			nodeIDs = append(nodeIDs, nodeID)
		}
		sort.Ints(nodeIDs)
		for _, nodeID := range nodeIDs {
			xp := xmlProbe{Index: nodeID}
			perFlow := fm.probes[nodeID]
			ids := make([]int, 0, len(perFlow))
			for flowID := range perFlow {
				ids = append(ids, flowID)
			}
			sort.Ints(ids)
			for _, flowID := range ids {
				ps := perFlow[flowID]
				xp.Stats = append(xp.Stats, xmlProbeStats{
					FlowID:                 flowID,
					Packets:                ps.packets,
					Bytes:                  ps.bytes,
					DelayFromFirstProbeSum: nsTime(ps.delayFromFirstProbe),
				})
			}
			doc.Probes.Probes = append(doc.Probes.Probes, xp)
		}
	}

	bytes, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	bytes = append([]byte(xml.Header), bytes...)
	return os.WriteFile(filename, bytes, 0o644)
}
