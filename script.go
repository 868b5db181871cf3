package scratchnet

import (
	"fmt"
	"strings"
)

// NormalModeRate is the rate of the single flow of a normal-mode run, in Mbps
const NormalModeRate = 54.0

// ScriptOptions are the command line choices of the scratch programs.
//
// Without any enable flag a run follows Mode: "debug" installs one ICMP echo flow
// from the first to the last node over [1, SimTime]; "normal" installs one flow of
// App ("tcp" or "udp") at NormalModeRate over the same window.  With an enable
// flag set, each enabled kind gets its own window and the run lasts SimStop
type ScriptOptions struct {
	Name      string
	NodeCount int
	Distance  float64
	Mode      string
	App       string
	SimTime   float64

	EnPing, EnTcp, EnUdp bool
	UdpStart, UdpStop    float64
	TcpStart, TcpStop    float64
	PingStart, PingStop  float64
	SimStop              float64

	Routing   string
	Layout    string
	GridWidth int
	Media     string
	Link      LinkParams
}

// DefaultScriptOptions returns the options a program run without flags uses
func DefaultScriptOptions() ScriptOptions {
	return ScriptOptions{
		Name:      "scratch",
		NodeCount: 4,
		Distance:  1,
		Mode:      "normal",
		App:       "tcp",
		SimTime:   5,
		UdpStart:  1,
		UdpStop:   5,
		TcpStart:  6,
		TcpStop:   10,
		PingStart: 11,
		PingStop:  15,
		SimStop:   30,
		Routing:   "olsr",
		Layout:    "linear",
		Media:     "wifi",
	}
}

// EnableFlags reports whether any per-kind enable flag is set
func (so ScriptOptions) EnableFlags() bool {
	return so.EnPing || so.EnTcp || so.EnUdp
}

// BuildScriptConfig turns the options into a validated config
func BuildScriptConfig(so ScriptOptions) (*ExperimentConfig, error) {
	p := ConfigParams{
		Name:      so.Name,
		NodeCount: so.NodeCount,
		Spacing:   so.Distance,
		GridWidth: so.GridWidth,
		Link:      so.Link,
	}

	var err error
	if p.Routing, err = ParseRoutingMode(so.Routing); err != nil {
		return nil, err
	}
	if p.Layout, err = ParseLayoutPolicy(so.Layout); err != nil {
		return nil, err
	}
	if p.Media, err = ParseMediaType(so.Media); err != nil {
		return nil, err
	}

	src, dst := 0, so.NodeCount-1
	if so.EnableFlags() {
		p.StopTime = so.SimStop
		if so.EnUdp {
			p.Flows = append(p.Flows, FlowSpec{Kind: UDPConstantRate, Src: src, Dst: dst, Start: so.UdpStart, Stop: so.UdpStop})
		}
		if so.EnTcp {
			p.Flows = append(p.Flows, FlowSpec{Kind: TCPBulk, Src: src, Dst: dst, Start: so.TcpStart, Stop: so.TcpStop})
		}
		if so.EnPing {
			p.Flows = append(p.Flows, FlowSpec{Kind: ICMPEcho, Src: src, Dst: dst, Start: so.PingStart, Stop: so.PingStop})
		}
		return NewExperimentConfig(p)
	}

	p.StopTime = so.SimTime
	switch strings.ToLower(so.Mode) {
	case "debug":
		p.Flows = append(p.Flows, FlowSpec{Kind: ICMPEcho, Src: src, Dst: dst, Start: 1, Stop: so.SimTime})
	case "normal", "":
		switch strings.ToLower(so.App) {
		case "tcp", "":
			p.Flows = append(p.Flows, FlowSpec{Kind: TCPBulk, Src: src, Dst: dst, Start: 1, Stop: so.SimTime, Rate: NormalModeRate})
		case "udp":
			p.Flows = append(p.Flows, FlowSpec{Kind: UDPConstantRate, Src: src, Dst: dst, Start: 1, Stop: so.SimTime, Rate: NormalModeRate})
		default:
			return nil, fmt.Errorf("%w: app %q is neither tcp nor udp", ErrInvalidConfig, so.App)
		}
	default:
		return nil, fmt.Errorf("%w: mode %q is neither debug nor normal", ErrInvalidConfig, so.Mode)
	}
	return NewExperimentConfig(p)
}
