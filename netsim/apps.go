package netsim

// apps.go holds the traffic applications.  Sources generate packets on timers
// they reschedule themselves, the way a background flow does; sinks count what
// arrives while they are running.

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
)

type appKind int

const (
	pingApp appKind = iota
	udpClientApp
	udpTraceClientApp
	onOffApp
	bulkSendApp
	packetSinkApp
	udpServerApp
)

var appKindByType = map[string]appKind{
	"Ping":           pingApp,
	"UdpClient":      udpClientApp,
	"UdpTraceClient": udpTraceClientApp,
	"OnOff":          onOffApp,
	"BulkSend":       bulkSendApp,
	"PacketSink":     packetSinkApp,
	"UdpServer":      udpServerApp,
}

// the attributes each application type recognizes
var appAttributes = map[appKind][]string{
	pingApp:           {"Remote", "Interval", "Size", "Identifier"},
	udpClientApp:      {"Remote", "LocalPort", "PacketSize", "Interval", "MaxPackets"},
	udpTraceClientApp: {"Remote", "LocalPort", "MaxPacketSize", "TraceFilename", "TraceLoop"},
	onOffApp:          {"Remote", "LocalPort", "Protocol", "DataRate", "PacketSize", "MaxBytes"},
	bulkSendApp:       {"Remote", "LocalPort", "SendSize", "MaxBytes"},
	packetSinkApp:     {"Local", "Protocol"},
	udpServerApp:      {"Port"},
}

// AppStats reports the application-level counters of one installed application.
// Byte counts are payload bytes
type AppStats struct {
	TxPackets uint64
	TxBytes   uint64
	RxPackets uint64
	RxBytes   uint64

	// round trip times of answered echo requests, in seconds
	RTTs []float64
}

// app is an installed application
type app struct {
	id       int
	kind     appKind
	typeName string
	nd       *node
	sim      *Sim

	start, stop float64
	windowed    bool
	running     bool

	// gen is bumped on every start and stop so that timers from an earlier
	// activation find themselves stale
	gen int

	proto      uint8
	remote     netip.AddrPort
	localPort  uint16
	size       int
	interval   float64
	rate       float64 // Mbps
	maxPackets int
	maxBytes   int64

	frames   []traceFrame
	frameIdx int
	loop     bool

	seq   uint32
	stats AppStats
}

func parseDataRate(v string) (float64, error) {
	scale := 1.0
	lower := strings.ToLower(strings.TrimSpace(v))
	switch {
	case strings.HasSuffix(lower, "gbps"):
		scale, lower = 1e+3, strings.TrimSuffix(lower, "gbps")
	case strings.HasSuffix(lower, "mbps"):
		scale, lower = 1.0, strings.TrimSuffix(lower, "mbps")
	case strings.HasSuffix(lower, "kbps"):
		scale, lower = 1e-3, strings.TrimSuffix(lower, "kbps")
	case strings.HasSuffix(lower, "bps"):
		scale, lower = 1e-6, strings.TrimSuffix(lower, "bps")
	}
	rate, err := strconv.ParseFloat(lower, 64)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("data rate %q is not valid", v)
	}
	return rate * scale, nil
}

func parseProtocol(v string) (uint8, error) {
	switch strings.ToLower(v) {
	case "udp", "ns3::udpsocketfactory":
		return ProtoUDP, nil
	case "tcp", "ns3::tcpsocketfactory":
		return ProtoTCP, nil
	}
	return 0, fmt.Errorf("protocol %q is not recognized", v)
}

func parsePort(v string) (uint16, error) {
	port, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("port %q is not valid", v)
	}
	return uint16(port), nil
}

func parsePositive(name, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%s %q must be a positive number", name, v)
	}
	return f, nil
}

func parseCount(name, v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s %q must be a non-negative integer", name, v)
	}
	return n, nil
}

// createApp builds an application of the named type from its attributes
func createApp(sim *Sim, typeName string, nd *node, attrs map[string]string) (*app, error) {
	kind, present := appKindByType[typeName]
	if !present {
		return nil, fmt.Errorf("application type %q is not recognized", typeName)
	}
	a := &app{id: len(sim.apps), kind: kind, typeName: typeName, nd: nd, sim: sim}

	// defaults
	switch kind {
	case pingApp:
		a.proto, a.size, a.interval = ProtoICMP, 56, 1.0
		a.localPort = uint16(a.id + 1)
	case udpClientApp:
		a.proto, a.size, a.interval, a.maxPackets = ProtoUDP, 1024, 1.0, 100
	case udpTraceClientApp:
		a.proto, a.size, a.loop = ProtoUDP, 1472, true
	case onOffApp:
		a.proto, a.size, a.rate = ProtoUDP, 512, 0.5
	case bulkSendApp:
		a.proto, a.size = ProtoTCP, 512
	case packetSinkApp:
		a.proto = ProtoUDP
	case udpServerApp:
		a.proto, a.localPort = ProtoUDP, 100
	}

	traceFile := ""
	for _, name := range sortedKeys(attrs) {
		value := attrs[name]
		if !slices.Contains(appAttributes[kind], name) {
			return nil, fmt.Errorf("attribute %s is not recognized by %s", name, typeName)
		}
		var err error
		switch name {
		case "Remote":
			if kind == pingApp {
				var addr netip.Addr
				addr, err = netip.ParseAddr(value)
				a.remote = netip.AddrPortFrom(addr, 0)
			} else {
				a.remote, err = netip.ParseAddrPort(value)
			}
		case "LocalPort", "Local", "Port", "Identifier":
			a.localPort, err = parsePort(value)
		case "Interval":
			a.interval, err = parsePositive(name, value)
		case "Size", "PacketSize", "MaxPacketSize", "SendSize":
			var n int64
			n, err = parseCount(name, value)
			a.size = int(n)
			if err == nil && (n == 0 || n > 65507) {
				err = fmt.Errorf("%s %d is out of range", name, n)
			}
		case "MaxPackets":
			var n int64
			n, err = parseCount(name, value)
			a.maxPackets = int(n)
		case "MaxBytes":
			a.maxBytes, err = parseCount(name, value)
		case "DataRate":
			a.rate, err = parseDataRate(value)
		case "Protocol":
			a.proto, err = parseProtocol(value)
		case "TraceFilename":
			traceFile = value
		case "TraceLoop":
			a.loop, err = strconv.ParseBool(value)
		}
		if err != nil {
			return nil, fmt.Errorf("%s attribute %s: %w", typeName, name, err)
		}
	}

	if a.isSource() {
		if !a.remote.Addr().IsValid() {
			return nil, fmt.Errorf("%s needs a Remote attribute", typeName)
		}
		if _, present := sim.nodeByAddr[a.remote.Addr()]; !present {
			return nil, fmt.Errorf("%s remote address %s is not assigned to any node", typeName, a.remote.Addr())
		}
	}

	if kind == udpTraceClientApp {
		var err error
		if traceFile == "" {
			a.frames = defaultTraceFrames()
		} else if a.frames, err = loadTraceFile(traceFile); err != nil {
			return nil, err
		}
		span := 0.0
		for _, frame := range a.frames {
			span += frame.delta
		}
		if a.loop && span <= 0 {
			return nil, fmt.Errorf("%s cannot loop %s, its frames span no time", typeName, traceFile)
		}
	}

	// sinks and the ping client claim their port on the node
	if a.isSink() || kind == pingApp {
		key := portKey{proto: a.proto, port: a.localPort}
		if _, present := nd.bound[key]; present {
			return nil, fmt.Errorf("%s port %d already bound on %s", typeName, a.localPort, nd.name)
		}
		nd.bound[key] = a
	}
	if a.isSource() && a.localPort == 0 {
		a.localPort = 49152 + uint16(a.id%16000)
	}
	return a, nil
}

func (a *app) isSink() bool {
	return a.kind == packetSinkApp || a.kind == udpServerApp
}

func (a *app) isSource() bool {
	return !a.isSink()
}

// appStart is the event handler for the beginning of an application's window
func appStart(evtMgr *evtm.EventManager, context any, data any) any {
	a := context.(*app)
	a.running = true
	a.gen++
	if a.isSource() {
		evtMgr.Schedule(a, a.gen, appWake, vrtime.SecondsToTime(0.0))
	}
	return nil
}

// appStop is the event handler for the end of an application's window
func appStop(evtMgr *evtm.EventManager, context any, data any) any {
	a := context.(*app)
	a.running = false
	a.gen++
	return nil
}

// appWake generates the next packet of a source and reschedules itself
func appWake(evtMgr *evtm.EventManager, context any, data any) any {
	a := context.(*app)
	if !a.running || data.(int) != a.gen {
		return nil
	}

	var next float64
	switch a.kind {
	case pingApp:
		a.sendEcho()
		next = a.interval

	case udpClientApp:
		if a.maxPackets > 0 && a.stats.TxPackets >= uint64(a.maxPackets) {
			return nil
		}
		a.sendData(a.size, nil)
		next = a.interval

	case onOffApp:
		if a.maxBytes > 0 && int64(a.stats.TxBytes) >= a.maxBytes {
			return nil
		}
		a.sendData(a.size, nil)
		next = float64(a.size*8) / (a.rate * 1e+6)

	case udpTraceClientApp:
		if len(a.frames) == 0 {
			return nil
		}
		frame := a.frames[a.frameIdx]
		for remaining := frame.size; remaining > 0; remaining -= a.size {
			a.sendData(min(remaining, a.size), nil)
		}
		a.frameIdx++
		if a.frameIdx == len(a.frames) {
			if !a.loop {
				return nil
			}
			a.frameIdx = 0
		}
		next = a.frames[a.frameIdx].delta

	case bulkSendApp:
		// paced by appSent rather than a timer
		a.sendSegment()
		return nil
	}

	evtMgr.Schedule(a, a.gen, appWake, vrtime.SecondsToTime(next))
	return nil
}

// appSent is the event handler for a bulk source's segment clearing the first
// interface.  The source offers its next segment
func appSent(evtMgr *evtm.EventManager, context any, data any) any {
	a := context.(*app)
	if a.kind != bulkSendApp || !a.running || data.(int) != a.gen {
		return nil
	}
	a.sendSegment()
	return nil
}

func (a *app) sendSegment() {
	size := a.size
	if a.maxBytes > 0 {
		left := a.maxBytes - int64(a.stats.TxBytes)
		if left <= 0 {
			return
		}
		size = int(min(int64(size), left))
	}
	a.sendData(size, a)
}

func (a *app) sendData(payload int, origin *app) {
	p := &packet{
		uid:     a.sim.nxtUID(),
		tuple:   FiveTuple{Src: a.nd.addr, Dst: a.remote.Addr(), Proto: a.proto, SrcPort: a.localPort, DstPort: a.remote.Port()},
		payload: payload,
		ttl:     defaultTTL,
		tcpSeq:  a.seq,
		origin:  origin,
	}
	a.seq += uint32(payload)
	a.stats.TxPackets++
	a.stats.TxBytes += uint64(payload)
	a.nd.send(p, true)
}

func (a *app) sendEcho() {
	p := &packet{
		uid:       a.sim.nxtUID(),
		tuple:     FiveTuple{Src: a.nd.addr, Dst: a.remote.Addr(), Proto: ProtoICMP, SrcPort: a.localPort},
		payload:   a.size,
		ttl:       defaultTTL,
		icmpType:  icmpEchoRequest,
		icmpSeq:   uint16(a.stats.TxPackets),
		echoStamp: a.sim.evtMgr.CurrentSeconds(),
	}
	a.stats.TxPackets++
	a.stats.TxBytes += uint64(a.size)
	a.nd.send(p, true)
}

// receive hands a delivered packet to the application bound to its port
func (a *app) receive(p *packet) {
	if !a.running {
		return
	}
	if a.kind == pingApp {
		if p.icmpType != icmpEchoReply {
			return
		}
		a.stats.RTTs = append(a.stats.RTTs, a.sim.evtMgr.CurrentSeconds()-p.echoStamp)
	}
	a.stats.RxPackets++
	a.stats.RxBytes += uint64(p.payload)
}
