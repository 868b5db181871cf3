package scratchnet

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpFlow(src, dst int, start, stop float64) FlowSpec {
	return FlowSpec{Kind: UDPConstantRate, Src: src, Dst: dst, Start: start, Stop: stop}
}

func validParams() ConfigParams {
	return ConfigParams{
		Name:      "two-node",
		NodeCount: 2,
		Spacing:   0,
		Routing:   ProactiveLinkState,
		StopTime:  5,
		Flows:     []FlowSpec{udpFlow(0, 1, 1, 3)},
	}
}

func TestNewExperimentConfig(t *testing.T) {
	cfg, err := NewExperimentConfig(validParams())
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.NodeCount())
	assert.Equal(t, DefaultAddressBase, cfg.AddressBase().String())
	assert.Equal(t, LinearLayout, cfg.Layout())
	assert.Equal(t, AdhocWifi, cfg.Media())
	require.Len(t, cfg.Flows(), 1)
}

func TestConfigRejectsBadFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *ConfigParams)
		timing bool
	}{
		{"one node", func(p *ConfigParams) { p.NodeCount = 1; p.Flows = nil }, false},
		{"negative spacing", func(p *ConfigParams) { p.Spacing = -1 }, false},
		{"zero stop time", func(p *ConfigParams) { p.StopTime = 0; p.Flows = nil }, false},
		{"same endpoints", func(p *ConfigParams) { p.Flows[0].Dst = 0 }, false},
		{"endpoint out of range", func(p *ConfigParams) { p.Flows[0].Dst = 2 }, false},
		{"negative endpoint", func(p *ConfigParams) { p.Flows[0].Src = -1 }, false},
		{"bad address base", func(p *ConfigParams) { p.AddressBase = "not-a-prefix" }, false},
		{"ipv6 base", func(p *ConfigParams) { p.AddressBase = "fd00::/64" }, false},
		{"loss above one", func(p *ConfigParams) { p.Link.Loss = 1.5 }, false},
		{"unknown routing", func(p *ConfigParams) { p.Routing = RoutingMode(9) }, false},
		{"trace file on udp flow", func(p *ConfigParams) { p.Flows[0].TraceFile = "x.trace" }, false},
		{"start after stop", func(p *ConfigParams) { p.Flows[0].Start = 4; p.Flows[0].Stop = 2 }, true},
		{"empty window", func(p *ConfigParams) { p.Flows[0].Start = 2; p.Flows[0].Stop = 2 }, true},
		{"negative start", func(p *ConfigParams) { p.Flows[0].Start = -1 }, true},
		{"stop past stop time", func(p *ConfigParams) { p.Flows[0].Stop = 5.5 }, true},
		{"nan start", func(p *ConfigParams) { p.Flows[0].Start = math.NaN() }, true},
		{"nan stop", func(p *ConfigParams) { p.Flows[0].Stop = math.NaN() }, true},
		{"infinite stop time", func(p *ConfigParams) { p.StopTime = math.Inf(1) }, false},
		{"infinite spacing", func(p *ConfigParams) { p.Spacing = math.Inf(1) }, false},
		{"infinite rate", func(p *ConfigParams) { p.Flows[0].Rate = math.Inf(1) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			_, err := NewExperimentConfig(p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
			assert.Equal(t, tt.timing, errors.Is(err, ErrFlowTiming), "got %v", err)
		})
	}
}

func TestConfigStopAtStopTimeAccepted(t *testing.T) {
	p := validParams()
	p.Flows[0].Stop = p.StopTime
	_, err := NewExperimentConfig(p)
	require.NoError(t, err)
}

func TestConfigIsIsolatedFromParams(t *testing.T) {
	p := validParams()
	cfg, err := NewExperimentConfig(p)
	require.NoError(t, err)

	p.Flows[0].Start = 2.5
	assert.Equal(t, 1.0, cfg.Flows()[0].Start)

	flows := cfg.Flows()
	flows[0].Stop = 4
	assert.Equal(t, 3.0, cfg.Flows()[0].Stop)
}

func TestWithSpacing(t *testing.T) {
	cfg, err := NewExperimentConfig(validParams())
	require.NoError(t, err)

	wider, err := cfg.WithSpacing(250)
	require.NoError(t, err)
	assert.Equal(t, 250.0, wider.Spacing())
	assert.Equal(t, 0.0, cfg.Spacing())

	_, err = cfg.WithSpacing(-3)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseEnums(t *testing.T) {
	kinds := map[string]FlowKind{"ping": ICMPEcho, "tcp": TCPBulk, "udp": UDPConstantRate,
		"udp-traced-replay": UDPTracedReplay, "ICMP-Echo": ICMPEcho}
	for name, want := range kinds {
		got, err := ParseFlowKind(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseFlowKind("sctp")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	for _, k := range []FlowKind{ICMPEcho, TCPBulk, UDPConstantRate, UDPTracedReplay} {
		got, err := ParseFlowKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	mode, err := ParseRoutingMode("static")
	require.NoError(t, err)
	assert.Equal(t, StaticOnly, mode)
	assert.Equal(t, "olsr", ProactiveLinkState.String())

	media, err := ParseMediaType("p2p")
	require.NoError(t, err)
	assert.Equal(t, PointToPoint, media)

	layout, err := ParseLayoutPolicy("grid")
	require.NoError(t, err)
	assert.Equal(t, GridLayout, layout)
}
