package netsim

// net.go holds the structures of the simulated network (nodes, interfaces,
// channels, packets) and the event handlers that move a packet from the
// egress queue of one interface to the ingress of the next

import (
	"fmt"
	"math"
	"net"
	"net/netip"
	"strconv"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// header lengths in bytes
const (
	ipHdrLen   = 20
	udpHdrLen  = 8
	tcpHdrLen  = 20
	icmpHdrLen = 8

	// link layer framing added to the IP datagram on the medium
	wifiHdrLen = 36
	pppHdrLen  = 2
)

// IP protocol numbers used in the five-tuple
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

const (
	icmpEchoReply   uint8 = 0
	icmpEchoRequest uint8 = 8
)

const defaultTTL = 64

const speedOfLight = 299792458.0

// FiveTuple classifies a packet into a flow
type FiveTuple struct {
	Src     netip.Addr
	Dst     netip.Addr
	Proto   uint8
	SrcPort uint16
	DstPort uint16
}

func (ft FiveTuple) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%d", ft.Src, ft.SrcPort, ft.Dst, ft.DstPort, ft.Proto)
}

// packet is one IP datagram in transit
type packet struct {
	uid     uint64
	tuple   FiveTuple
	payload int
	ttl     int

	icmpType uint8
	icmpSeq  uint16
	tcpSeq   uint32

	// time an echo request left its source, carried back in the reply
	echoStamp float64

	// nxtHop is the id of the node the packet is addressed to on the current link,
	// hopMAC the link address of the interface that last transmitted it
	nxtHop int
	hopMAC net.HardwareAddr

	// origin is notified once the packet clears the egress interface of its source node
	origin *app
}

// size returns the IP total length of the packet
func (p *packet) size() int {
	switch p.tuple.Proto {
	case ProtoUDP:
		return ipHdrLen + udpHdrLen + p.payload
	case ProtoTCP:
		return ipHdrLen + tcpHdrLen + p.payload
	case ProtoICMP:
		return ipHdrLen + icmpHdrLen + p.payload
	}
	return ipHdrLen + p.payload
}

type networkMedia int

const (
	wireless networkMedia = iota
	wired
)

func netMediaFromStr(media string) (networkMedia, error) {
	switch media {
	case "wifi", "wireless", "adhoc":
		return wireless, nil
	case "p2p", "wired", "point-to-point":
		return wired, nil
	}
	return wireless, fmt.Errorf("media %q is not recognized", media)
}

func netMediaToStr(media networkMedia) string {
	if media == wired {
		return "p2p"
	}
	return "wifi"
}

// portKey identifies the application bound to a protocol and port on a node.
// For ICMP the port is the echo identifier.
type portKey struct {
	proto uint8
	port  uint16
}

// node is a simulated host.  It originates, forwards, and consumes packets
type node struct {
	id      int
	name    string
	x, y, z float64
	addr    netip.Addr
	intrfcs []*intrfc
	rngstrm *rngstream.RngStream
	bound   map[portKey]*app
	trace   bool
	sim     *Sim
}

func createNode(sim *Sim, id int) *node {
	nd := &node{id: id, sim: sim, bound: make(map[portKey]*app)}
	nd.name = "node-" + strconv.Itoa(id)
	nd.rngstrm = rngstream.New(sim.name + "/" + nd.name)
	return nd
}

func (nd *node) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "index":
		return strconv.Itoa(nd.id) == attrbValue
	}
	return false
}

func (nd *node) setParam(param string, value valueStruct) {
	switch param {
	case "trace":
		nd.trace = value.boolValue
	}
}

func (nd *node) paramObjName() string {
	return nd.name
}

func (nd *node) distance(other *node) float64 {
	dx, dy, dz := nd.x-other.x, nd.y-other.y, nd.z-other.z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// intrfcToward returns the interface of nd sharing a channel with the interface of
// node hop, along with that interface of hop.
func (nd *node) intrfcToward(hop *node) (*intrfc, *intrfc) {
	for _, egress := range nd.intrfcs {
		for _, peer := range egress.ch.members {
			if peer.node == hop && egress.ch.reaches(egress, peer) {
				return egress, peer
			}
		}
	}
	return nil, nil
}

// intrfc is a network device attached to a channel
type intrfc struct {
	number  int
	index   int
	name    string
	node    *node
	ch      *channel
	mac     net.HardwareAddr
	bndwdth float64 // Mbps, 0 means the channel's
	buffer  int     // packets
	trace   bool

	queue []*packet
	busy  bool
	pcap  *pcapDev
}

func (intrfc *intrfc) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "media":
		return netMediaToStr(intrfc.ch.media) == attrbValue
	case "node":
		return intrfc.node.name == attrbValue || strconv.Itoa(intrfc.node.id) == attrbValue
	}
	return false
}

func (intrfc *intrfc) setParam(param string, value valueStruct) {
	switch param {
	case "bandwidth":
		intrfc.bndwdth = value.floatValue
	case "buffer":
		intrfc.buffer = value.intValue
	case "trace":
		intrfc.trace = value.boolValue
	}
}

func (intrfc *intrfc) paramObjName() string {
	return intrfc.name
}

// txTime is the time the medium is occupied serializing p
func (intrfc *intrfc) txTime(p *packet) float64 {
	bw := intrfc.bndwdth
	if bw <= 0 {
		bw = intrfc.ch.bndwdth
	}
	hdr := pppHdrLen
	if intrfc.ch.media == wireless {
		hdr = wifiHdrLen
	}
	frameMbits := float64((p.size()+hdr)*8) / 1e+6
	delay := frameMbits / bw
	if intrfc.ch.media == wireless {
		delay += intrfc.ch.overhead
	}
	return delay
}

// channel is a shared wireless medium or one point-to-point link
type channel struct {
	name     string
	media    networkMedia
	members  []*intrfc
	bndwdth  float64 // Mbps
	latency  float64 // seconds, wired only
	rangeM   float64 // meters, wireless only
	loss     float64 // per-hop loss probability
	overhead float64 // per-frame MAC time, wireless only

	// time at which the shared medium next falls idle
	busyUntil float64
}

func (ch *channel) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "media":
		return netMediaToStr(ch.media) == attrbValue
	}
	return false
}

func (ch *channel) setParam(param string, value valueStruct) {
	switch param {
	case "bandwidth":
		ch.bndwdth = value.floatValue
	case "latency":
		ch.latency = value.floatValue
	case "range":
		ch.rangeM = value.floatValue
	case "loss":
		ch.loss = value.floatValue
	case "overhead":
		ch.overhead = value.floatValue
	}
}

func (ch *channel) paramObjName() string {
	return ch.name
}

// reaches is true if a frame sent by interface a is heard by interface b
func (ch *channel) reaches(a, b *intrfc) bool {
	if a == b || a.node == b.node {
		return false
	}
	if ch.media == wired {
		return true
	}
	return a.node.distance(b.node) <= ch.rangeM
}

// propagation is the delay between the last bit leaving a and arriving at b
func (ch *channel) propagation(a, b *intrfc) float64 {
	if ch.media == wired {
		return ch.latency
	}
	return a.node.distance(b.node) / speedOfLight
}

// send pushes p toward its destination from node nd. originate is true
// when nd is the source of p.
func (nd *node) send(p *packet, originate bool) {
	sim := nd.sim
	dst, present := sim.nodeByAddr[p.tuple.Dst]
	if !present {
		if !originate {
			sim.monitor.reportDrop(p, nd, DropNoRoute)
		}
		nd.addTrace("noroute", p)
		return
	}

	if dst == nd {
		if originate {
			sim.monitor.reportFirstTx(p, nd)
		}
		nd.deliver(p)
		return
	}

	hop := sim.nextHop(nd, dst)
	if hop == nil {
		// packets without a route at their source never enter the monitor
		if !originate {
			sim.monitor.reportDrop(p, nd, DropNoRoute)
		}
		nd.addTrace("noroute", p)
		return
	}

	egress, _ := nd.intrfcToward(hop)
	if egress == nil {
		panic(fmt.Errorf("route from %s through %s has no interface", nd.name, hop.name))
	}

	if originate {
		sim.monitor.reportFirstTx(p, nd)
	}
	p.nxtHop = hop.id
	egress.enterEgress(p)
}

// enterEgress places p on the interface's FCFS queue, dropping it if the buffer is full
func (intrfc *intrfc) enterEgress(p *packet) {
	sim := intrfc.node.sim
	if intrfc.buffer > 0 && len(intrfc.queue) >= intrfc.buffer {
		sim.monitor.reportDrop(p, intrfc.node, DropQueue)
		intrfc.addTrace("drop", p)
		// a bulk source retries once the segment would have been serialized
		if p.origin != nil {
			sim.evtMgr.Schedule(p.origin, p.origin.gen, appSent, vrtime.SecondsToTime(intrfc.txTime(p)))
			p.origin = nil
		}
		return
	}
	intrfc.queue = append(intrfc.queue, p)
	intrfc.addTrace("enqueue", p)
	if !intrfc.busy {
		intrfc.startTx()
	}
}

// startTx begins serializing the packet at the head of the queue.  On a wireless
// channel the transmission waits until the shared medium falls idle.
func (intrfc *intrfc) startTx() {
	evtMgr := intrfc.node.sim.evtMgr
	p := intrfc.queue[0]
	now := evtMgr.CurrentSeconds()
	begin := now
	delay := intrfc.txTime(p)
	if intrfc.ch.media == wireless {
		begin = math.Max(now, intrfc.ch.busyUntil)
		intrfc.ch.busyUntil = begin + delay
	}
	intrfc.busy = true
	evtMgr.Schedule(intrfc, p, exitEgressIntrfc, vrtime.SecondsToTime(begin+delay-now))
}

// exitEgressIntrfc is the event handler for the last bit of a packet leaving an
// interface.  It samples per-hop loss, schedules the arrival at the next hop, and
// starts serving the next packet in the queue
func exitEgressIntrfc(evtMgr *evtm.EventManager, context any, data any) any {
	ifc := context.(*intrfc)
	p := data.(*packet)
	sim := ifc.node.sim

	ifc.queue = ifc.queue[1:]
	ifc.busy = false

	var peer *intrfc
	for _, member := range ifc.ch.members {
		if member.node.id == p.nxtHop {
			peer = member
			break
		}
	}

	var peerMAC net.HardwareAddr
	if peer != nil {
		peerMAC = peer.mac
	}
	ifc.pcap.write(ifc.mac, peerMAC, p, evtMgr.CurrentSeconds())
	ifc.addTrace("transmit", p)
	p.hopMAC = ifc.mac

	// the source application may offer its next segment
	if p.origin != nil {
		evtMgr.Schedule(p.origin, p.origin.gen, appSent, vrtime.SecondsToTime(0.0))
		p.origin = nil
	}

	switch {
	case peer == nil || !ifc.ch.reaches(ifc, peer):
		sim.monitor.reportDrop(p, ifc.node, DropOutOfRange)
		ifc.addTrace("drop", p)
	case ifc.ch.loss > 0 && ifc.node.rngstrm.RandU01() < ifc.ch.loss:
		sim.monitor.reportDrop(p, ifc.node, DropChannel)
		ifc.addTrace("drop", p)
	default:
		evtMgr.Schedule(peer, p, enterIngressIntrfc, vrtime.SecondsToTime(ifc.ch.propagation(ifc, peer)))
	}

	if len(ifc.queue) > 0 {
		ifc.startTx()
	}
	return nil
}

// enterIngressIntrfc is the event handler for a packet arriving at an interface.
// It either delivers the packet locally or forwards it toward its destination
func enterIngressIntrfc(evtMgr *evtm.EventManager, context any, data any) any {
	ifc := context.(*intrfc)
	p := data.(*packet)
	nd := ifc.node

	ifc.pcap.write(p.hopMAC, ifc.mac, p, evtMgr.CurrentSeconds())
	ifc.addTrace("receive", p)

	if p.tuple.Dst == nd.addr {
		nd.deliver(p)
		return nil
	}

	p.ttl--
	if p.ttl <= 0 {
		nd.sim.monitor.reportDrop(p, nd, DropTTL)
		return nil
	}
	nd.sim.monitor.reportForwarding(p, nd)
	nd.send(p, false)
	return nil
}

// deliver hands a packet addressed to nd to the IP layer's consumers
func (nd *node) deliver(p *packet) {
	sim := nd.sim
	sim.monitor.reportLastRx(p, nd)
	nd.addTrace("deliver", p)

	if p.tuple.Proto == ProtoICMP && p.icmpType == icmpEchoRequest {
		// the destination answers echo requests itself
		reply := &packet{
			uid:       sim.nxtUID(),
			tuple:     FiveTuple{Src: nd.addr, Dst: p.tuple.Src, Proto: ProtoICMP, DstPort: p.tuple.SrcPort},
			payload:   p.payload,
			ttl:       defaultTTL,
			icmpType:  icmpEchoReply,
			icmpSeq:   p.icmpSeq,
			echoStamp: p.echoStamp,
		}
		nd.send(reply, true)
		return
	}

	port := p.tuple.DstPort
	if a, present := nd.bound[portKey{proto: p.tuple.Proto, port: port}]; present {
		a.receive(p)
	}
}

func (nd *node) addTrace(op string, p *packet) {
	if !nd.trace {
		return
	}
	nd.sim.traceMgr.addNetTrace(nd.sim.evtMgr.CurrentTime(), p, nd.id, nd.name, op)
}

func (intrfc *intrfc) addTrace(op string, p *packet) {
	if !intrfc.trace && !intrfc.node.trace {
		return
	}
	intrfc.node.sim.traceMgr.addNetTrace(intrfc.node.sim.evtMgr.CurrentTime(), p, intrfc.number, intrfc.name, op)
}
