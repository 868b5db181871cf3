// Package scratchnet orchestrates small network-simulation experiments: it turns
// an experiment description (node count, spacing, routing mode, flows and their
// time windows) into installed simulation objects, runs the clock, and reduces
// the per-flow records the engine returns to offered load, throughput and goodput.
package scratchnet

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton struct validator
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// DefaultAddressBase is the block addresses are drawn from when none is given
const DefaultAddressBase = "10.1.1.0/24"

// FlowKind selects the traffic pattern of a flow
type FlowKind int

const (
	ICMPEcho FlowKind = iota
	TCPBulk
	UDPConstantRate
	UDPTracedReplay
)

var flowKindNames = []string{"icmp-echo", "tcp-bulk", "udp-constant-rate", "udp-traced-replay"}

func (k FlowKind) String() string {
	if k < 0 || int(k) >= len(flowKindNames) {
		return fmt.Sprintf("FlowKind(%d)", int(k))
	}
	return flowKindNames[k]
}

// ParseFlowKind accepts the kind names and the short forms ping, tcp, udp and trace
func ParseFlowKind(s string) (FlowKind, error) {
	switch strings.ToLower(s) {
	case "icmp-echo", "icmp", "ping":
		return ICMPEcho, nil
	case "tcp-bulk", "tcp", "bulk":
		return TCPBulk, nil
	case "udp-constant-rate", "udp", "cbr":
		return UDPConstantRate, nil
	case "udp-traced-replay", "trace", "udp-trace":
		return UDPTracedReplay, nil
	}
	return 0, fmt.Errorf("%w: flow kind %q is not recognized", ErrInvalidConfig, s)
}

// RoutingMode selects how nodes learn routes
type RoutingMode int

const (
	// StaticOnly reaches only destinations on a directly reachable link
	StaticOnly RoutingMode = iota

	// ProactiveLinkState floods topology and forwards along shortest paths (OLSR)
	ProactiveLinkState
)

func (m RoutingMode) String() string {
	switch m {
	case StaticOnly:
		return "static"
	case ProactiveLinkState:
		return "olsr"
	}
	return fmt.Sprintf("RoutingMode(%d)", int(m))
}

// ParseRoutingMode accepts "static" and "olsr" (or "link-state")
func ParseRoutingMode(s string) (RoutingMode, error) {
	switch strings.ToLower(s) {
	case "static", "static-only":
		return StaticOnly, nil
	case "olsr", "link-state", "proactive":
		return ProactiveLinkState, nil
	}
	return 0, fmt.Errorf("%w: routing mode %q is not recognized", ErrInvalidConfig, s)
}

// LayoutPolicy places nodes in space
type LayoutPolicy int

const (
	LinearLayout LayoutPolicy = iota
	GridLayout
)

func (l LayoutPolicy) String() string {
	switch l {
	case LinearLayout:
		return "linear"
	case GridLayout:
		return "grid"
	}
	return fmt.Sprintf("LayoutPolicy(%d)", int(l))
}

func ParseLayoutPolicy(s string) (LayoutPolicy, error) {
	switch strings.ToLower(s) {
	case "linear", "line":
		return LinearLayout, nil
	case "grid":
		return GridLayout, nil
	}
	return 0, fmt.Errorf("%w: layout %q is not recognized", ErrInvalidConfig, s)
}

// MediaType selects the link model
type MediaType int

const (
	// AdhocWifi is one shared, range-limited wireless channel
	AdhocWifi MediaType = iota

	// PointToPoint links each node to the next in a chain
	PointToPoint
)

func (m MediaType) String() string {
	switch m {
	case AdhocWifi:
		return "wifi"
	case PointToPoint:
		return "p2p"
	}
	return fmt.Sprintf("MediaType(%d)", int(m))
}

func ParseMediaType(s string) (MediaType, error) {
	switch strings.ToLower(s) {
	case "wifi", "adhoc", "wireless":
		return AdhocWifi, nil
	case "p2p", "point-to-point", "wired":
		return PointToPoint, nil
	}
	return 0, fmt.Errorf("%w: media %q is not recognized", ErrInvalidConfig, s)
}

// FlowSpec describes one traffic flow.  Zero-valued optional fields take the
// defaults of the flow kind
type FlowSpec struct {
	Kind  FlowKind
	Src   int `validate:"gte=0"`
	Dst   int `validate:"gte=0"`
	Start float64
	Stop  float64

	// Rate in Mbps.  For TCP-bulk and UDP-constant-rate a rate selects a
	// constant-rate on/off source instead of the kind's default generator
	Rate       float64 `validate:"gte=0"`
	PacketSize int     `validate:"gte=0,lte=65507"`
	Interval   float64 `validate:"gte=0"`
	MaxPackets int     `validate:"gte=0"`
	MaxBytes   int64   `validate:"gte=0"`
	Port       int     `validate:"gte=0,lte=65535"`

	// TraceFile names a frame trace for UDP-traced-replay; empty replays the built-in trace
	TraceFile string
	NoLoop    bool
}

// LinkParams override the engine's device model defaults.  Zero leaves a default in place
type LinkParams struct {
	Bandwidth float64 `validate:"gte=0"` // Mbps
	Delay     float64 `validate:"gte=0"` // seconds, point-to-point
	Range     float64 `validate:"gte=0"` // meters, wifi
	Buffer    int     `validate:"gte=0"` // packets per interface
	Loss      float64 `validate:"gte=0,lte=1"`
	Overhead  float64 `validate:"gte=0"` // seconds of MAC time per wifi frame
}

// ConfigParams is the mutable form from which an ExperimentConfig is built
type ConfigParams struct {
	Name        string
	NodeCount   int     `validate:"gte=2"`
	Spacing     float64 `validate:"gte=0"`
	Routing     RoutingMode
	StopTime    float64 `validate:"gt=0"`
	Layout      LayoutPolicy
	GridWidth   int `validate:"gte=0"`
	Media       MediaType
	AddressBase string
	Link        LinkParams
	Flows       []FlowSpec `validate:"dive"`
}

// ExperimentConfig is the validated, immutable description of one run
type ExperimentConfig struct {
	params ConfigParams
	base   netip.Prefix
}

// formatValidationError turns the first struct tag failure into a readable error
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}
	for _, e := range validationErrs {
		switch e.Tag() {
		case "gte":
			return fmt.Errorf("%s: must be at least %s", e.Namespace(), e.Param())
		case "gt":
			return fmt.Errorf("%s: must be greater than %s", e.Namespace(), e.Param())
		case "lte":
			return fmt.Errorf("%s: must not exceed %s", e.Namespace(), e.Param())
		default:
			return fmt.Errorf("%s: validation failed (%s)", e.Namespace(), e.Tag())
		}
	}
	return err
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// checkFlowTiming returns a FlowTimingError unless 0 <= start < stop <= stopTime
func checkFlowTiming(idx int, fs FlowSpec, stopTime float64) error {
	if !(fs.Start >= 0 && fs.Start < fs.Stop && fs.Stop <= stopTime) || math.IsInf(fs.Stop, 1) {
		return &FlowTimingError{Index: idx, Start: fs.Start, Stop: fs.Stop, StopTime: stopTime}
	}
	return nil
}

// NewExperimentConfig validates p and returns the immutable config it describes.
// Every failure wraps ErrInvalidConfig; timing failures also wrap ErrFlowTiming
func NewExperimentConfig(p ConfigParams) (*ExperimentConfig, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, formatValidationError(err))
	}

	errs := []error{}
	for _, field := range []struct {
		name string
		v    float64
	}{
		{"Spacing", p.Spacing},
		{"StopTime", p.StopTime},
		{"Link.Bandwidth", p.Link.Bandwidth},
		{"Link.Delay", p.Link.Delay},
		{"Link.Range", p.Link.Range},
		{"Link.Loss", p.Link.Loss},
		{"Link.Overhead", p.Link.Overhead},
	} {
		if !finite(field.v) {
			errs = append(errs, fmt.Errorf("%s: %g is not a finite number", field.name, field.v))
		}
	}
	if p.Routing != StaticOnly && p.Routing != ProactiveLinkState {
		errs = append(errs, fmt.Errorf("routing mode %d is not recognized", p.Routing))
	}
	if p.Layout != LinearLayout && p.Layout != GridLayout {
		errs = append(errs, fmt.Errorf("layout %d is not recognized", p.Layout))
	}
	if p.Media != AdhocWifi && p.Media != PointToPoint {
		errs = append(errs, fmt.Errorf("media %d is not recognized", p.Media))
	}

	baseStr := p.AddressBase
	if baseStr == "" {
		baseStr = DefaultAddressBase
	}
	base, perr := netip.ParsePrefix(baseStr)
	if perr != nil || !base.Addr().Is4() {
		errs = append(errs, fmt.Errorf("address base %q is not an IPv4 prefix", p.AddressBase))
	}

	for idx, fs := range p.Flows {
		if fs.Kind < ICMPEcho || fs.Kind > UDPTracedReplay {
			errs = append(errs, fmt.Errorf("flow %d kind %d is not recognized", idx, fs.Kind))
		}
		if fs.Src >= p.NodeCount || fs.Dst >= p.NodeCount {
			errs = append(errs, fmt.Errorf("flow %d endpoints (%d, %d) outside [0, %d)", idx, fs.Src, fs.Dst, p.NodeCount))
		}
		if fs.Src == fs.Dst {
			errs = append(errs, fmt.Errorf("flow %d source and destination are both node %d", idx, fs.Src))
		}
		if !finite(fs.Rate) || !finite(fs.Interval) {
			errs = append(errs, fmt.Errorf("flow %d rate and interval must be finite numbers", idx))
		}
		if err := checkFlowTiming(idx, fs, p.StopTime); err != nil {
			errs = append(errs, err)
		}
		if fs.TraceFile != "" && fs.Kind != UDPTracedReplay {
			errs = append(errs, fmt.Errorf("flow %d: only %s flows take a trace file", idx, UDPTracedReplay))
		}
	}

	if err := ReportErrs(errs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg := &ExperimentConfig{params: p, base: base.Masked()}
	cfg.params.AddressBase = cfg.base.String()
	cfg.params.Flows = append([]FlowSpec{}, p.Flows...)
	return cfg, nil
}

func (cfg *ExperimentConfig) Name() string              { return cfg.params.Name }
func (cfg *ExperimentConfig) NodeCount() int            { return cfg.params.NodeCount }
func (cfg *ExperimentConfig) Spacing() float64          { return cfg.params.Spacing }
func (cfg *ExperimentConfig) Routing() RoutingMode      { return cfg.params.Routing }
func (cfg *ExperimentConfig) StopTime() float64         { return cfg.params.StopTime }
func (cfg *ExperimentConfig) Layout() LayoutPolicy      { return cfg.params.Layout }
func (cfg *ExperimentConfig) GridWidth() int            { return cfg.params.GridWidth }
func (cfg *ExperimentConfig) Media() MediaType          { return cfg.params.Media }
func (cfg *ExperimentConfig) AddressBase() netip.Prefix { return cfg.base }
func (cfg *ExperimentConfig) Link() LinkParams          { return cfg.params.Link }

// Flows returns a copy of the flow list in configuration order
func (cfg *ExperimentConfig) Flows() []FlowSpec {
	return append([]FlowSpec{}, cfg.params.Flows...)
}

// Params returns a copy of the parameters the config was built from
func (cfg *ExperimentConfig) Params() ConfigParams {
	p := cfg.params
	p.Flows = cfg.Flows()
	return p
}

// WithSpacing derives a config identical but for the spacing
func (cfg *ExperimentConfig) WithSpacing(spacing float64) (*ExperimentConfig, error) {
	p := cfg.Params()
	p.Spacing = spacing
	return NewExperimentConfig(p)
}

// WithName derives a config identical but for the name
func (cfg *ExperimentConfig) WithName(name string) *ExperimentConfig {
	derived := &ExperimentConfig{params: cfg.Params(), base: cfg.base}
	derived.params.Name = name
	return derived
}
