package scratchnet

import "fmt"

// FlowID identifies a scheduled flow.  IDs run from 1 in configuration order
type FlowID int

// default parameters of the flow kinds
const (
	DefaultPingSize       = 56
	DefaultPingInterval   = 1.0
	DefaultBulkSendSize   = 512
	DefaultBulkPort       = 9
	DefaultUDPPacketSize  = 1472
	DefaultUDPInterval    = 0.00066
	DefaultUDPMaxPackets  = 1000000
	DefaultUDPPort        = 4000
	DefaultOnOffPacket    = 512
	FirstSourcePort       = 49153
	maxTransportPortValue = 65535
)

// Transport names the protocol a flow's packets carry
type Transport string

const (
	TransportICMP Transport = "icmp"
	TransportTCP  Transport = "tcp"
	TransportUDP  Transport = "udp"
)

// ScheduledFlow is a FlowSpec with defaults resolved and ports chosen.
// SrcApp and DstApp are set by the driver when it installs the flow
type ScheduledFlow struct {
	ID        FlowID
	Index     int
	Spec      FlowSpec
	Transport Transport
	SrcPort   uint16
	DstPort   uint16

	// Start and Stop are the instants handed to the engine
	Start float64
	Stop  float64

	SrcApp int
	DstApp int
}

// Duration is the configured length of the flow's window
func (sf ScheduledFlow) Duration() float64 {
	return sf.Stop - sf.Start
}

// RateDriven reports whether the flow is sent by a constant-rate on/off source
func (sf ScheduledFlow) RateDriven() bool {
	return sf.Spec.Rate > 0 && (sf.Spec.Kind == TCPBulk || sf.Spec.Kind == UDPConstantRate)
}

func transportOf(kind FlowKind) Transport {
	switch kind {
	case ICMPEcho:
		return TransportICMP
	case TCPBulk:
		return TransportTCP
	}
	return TransportUDP
}

// normalizeFlow fills the zero-valued optional fields with the kind's defaults
func normalizeFlow(fs FlowSpec) FlowSpec {
	switch fs.Kind {
	case ICMPEcho:
		if fs.PacketSize == 0 {
			fs.PacketSize = DefaultPingSize
		}
		if fs.Interval == 0 {
			fs.Interval = DefaultPingInterval
		}
	case TCPBulk:
		if fs.PacketSize == 0 {
			fs.PacketSize = DefaultBulkSendSize
		}
		if fs.Port == 0 {
			fs.Port = DefaultBulkPort
		}
	case UDPConstantRate:
		if fs.PacketSize == 0 {
			fs.PacketSize = DefaultUDPPacketSize
			if fs.Rate > 0 {
				fs.PacketSize = DefaultOnOffPacket
			}
		}
		if fs.Rate == 0 {
			if fs.Interval == 0 {
				fs.Interval = DefaultUDPInterval
			}
			if fs.MaxPackets == 0 {
				fs.MaxPackets = DefaultUDPMaxPackets
			}
		}
		if fs.Port == 0 {
			fs.Port = DefaultUDPPort
		}
	case UDPTracedReplay:
		if fs.PacketSize == 0 {
			fs.PacketSize = DefaultUDPPacketSize
		}
		if fs.Port == 0 {
			fs.Port = DefaultUDPPort
		}
	}
	return fs
}

type portUse struct {
	dst       int
	transport Transport
	port      int
}

// ScheduleFlows validates every flow window against stopTime and returns one
// ScheduledFlow per FlowSpec in input order.  Windows are accepted as given;
// overlapping and repeated flows are independent.  Repeated flows into the same
// destination port are moved to the next free port; every flow gets its own source port
func ScheduleFlows(flows []FlowSpec, stopTime float64) ([]ScheduledFlow, error) {
	errs := []error{}
	for idx, fs := range flows {
		if err := checkFlowTiming(idx, fs, stopTime); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ReportErrs(errs); err != nil {
		return nil, err
	}

	used := make(map[portUse]bool)
	scheduled := make([]ScheduledFlow, 0, len(flows))
	for idx, fs := range flows {
		fs = normalizeFlow(fs)
		sf := ScheduledFlow{
			ID:        FlowID(idx + 1),
			Index:     idx,
			Spec:      fs,
			Transport: transportOf(fs.Kind),
			Start:     fs.Start,
			Stop:      fs.Stop,
			SrcApp:    -1,
			DstApp:    -1,
		}
		if FirstSourcePort+idx > maxTransportPortValue {
			return nil, fmt.Errorf("%w: flow %d has no source port left", ErrInvalidConfig, idx)
		}
		sf.SrcPort = uint16(FirstSourcePort + idx)

		if sf.Transport != TransportICMP {
			port := fs.Port
			for used[portUse{dst: fs.Dst, transport: sf.Transport, port: port}] {
				port++
			}
			if port > maxTransportPortValue {
				return nil, fmt.Errorf("%w: flow %d has no destination port left", ErrInvalidConfig, idx)
			}
			used[portUse{dst: fs.Dst, transport: sf.Transport, port: port}] = true
			sf.DstPort = uint16(port)
		}
		scheduled = append(scheduled, sf)
	}
	return scheduled, nil
}

// Schedule schedules the flows of cfg against its stop time
func Schedule(cfg *ExperimentConfig) ([]ScheduledFlow, error) {
	return ScheduleFlows(cfg.Flows(), cfg.StopTime())
}
