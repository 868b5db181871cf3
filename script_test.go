package scratchnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptNormalMode(t *testing.T) {
	cfg, err := BuildScriptConfig(DefaultScriptOptions())
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NodeCount())
	assert.Equal(t, 1.0, cfg.Spacing())
	assert.Equal(t, 5.0, cfg.StopTime())
	assert.Equal(t, ProactiveLinkState, cfg.Routing())

	flows := cfg.Flows()
	require.Len(t, flows, 1)
	assert.Equal(t, FlowSpec{Kind: TCPBulk, Src: 0, Dst: 3, Start: 1, Stop: 5, Rate: NormalModeRate}, flows[0])

	so := DefaultScriptOptions()
	so.App = "udp"
	cfg, err = BuildScriptConfig(so)
	require.NoError(t, err)
	assert.Equal(t, UDPConstantRate, cfg.Flows()[0].Kind)

	so.App = "sctp"
	_, err = BuildScriptConfig(so)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestScriptDebugMode(t *testing.T) {
	so := DefaultScriptOptions()
	so.Mode = "debug"
	cfg, err := BuildScriptConfig(so)
	require.NoError(t, err)

	flows := cfg.Flows()
	require.Len(t, flows, 1)
	assert.Equal(t, ICMPEcho, flows[0].Kind)
	for _, fs := range flows {
		assert.NotEqual(t, TCPBulk, fs.Kind)
		assert.NotEqual(t, UDPConstantRate, fs.Kind)
	}
}

func TestScriptEnableFlags(t *testing.T) {
	so := DefaultScriptOptions()
	so.EnUdp, so.EnPing = true, true
	so.PingStop = 14
	cfg, err := BuildScriptConfig(so)
	require.NoError(t, err)
	assert.Equal(t, 30.0, cfg.StopTime())

	flows := cfg.Flows()
	require.Len(t, flows, 2)
	assert.Equal(t, UDPConstantRate, flows[0].Kind)
	assert.Equal(t, [2]float64{1, 5}, [2]float64{flows[0].Start, flows[0].Stop})
	assert.Equal(t, ICMPEcho, flows[1].Kind)
	assert.Equal(t, [2]float64{11, 14}, [2]float64{flows[1].Start, flows[1].Stop})

	so.TcpStart, so.TcpStop, so.EnTcp = 6, 31, true
	_, err = BuildScriptConfig(so)
	assert.ErrorIs(t, err, ErrFlowTiming)
}

func TestScriptRejectsSingleNode(t *testing.T) {
	so := DefaultScriptOptions()
	so.NodeCount = 1
	_, err := BuildScriptConfig(so)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	so = DefaultScriptOptions()
	so.Mode = "verbose"
	_, err = BuildScriptConfig(so)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
