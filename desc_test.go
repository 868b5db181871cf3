package scratchnet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sweepDesc = `
name: adhoc
nodecount: 3
spacing: 20
routing: static
stoptime: 30
media: wifi
link:
  range: 50
flows:
  - kind: udp
    src: 0
    dst: 2
    start: 1
    stop: 5
  - kind: ping
    src: 0
    dst: 2
    start: 11
    stop: 15
`

func TestReadExperimentDesc(t *testing.T) {
	ed, err := ReadExperimentDesc("", true, []byte(sweepDesc))
	require.NoError(t, err)
	cfg, err := ed.Transform()
	require.NoError(t, err)

	assert.Equal(t, "adhoc", cfg.Name())
	assert.Equal(t, StaticOnly, cfg.Routing())
	assert.Equal(t, 50.0, cfg.Link().Range)
	require.Len(t, cfg.Flows(), 2)
	assert.Equal(t, ICMPEcho, cfg.Flows()[1].Kind)
}

func TestDescribeConfigRoundTrip(t *testing.T) {
	cfg := mustConfig(t, validParams())
	dir := t.TempDir()
	for _, name := range []string{"exp.yaml", "exp.json"} {
		filename := filepath.Join(dir, name)
		require.NoError(t, DescribeConfig(cfg).WriteToFile(filename))

		cfgs, err := LoadExperiments(filename)
		require.NoError(t, err, name)
		require.Len(t, cfgs, 1)
		assert.Equal(t, cfg.Params(), cfgs[0].Params(), name)
	}
}

func TestExperimentDescDict(t *testing.T) {
	edd := CreateExperimentDescDict("campaign")
	for _, name := range []string{"b", "a"} {
		ed := DescribeConfig(mustConfig(t, validParams()))
		ed.Name = name
		require.NoError(t, edd.AddExperimentDesc(ed))
	}
	assert.Error(t, edd.AddExperimentDesc(&ExperimentDesc{Name: "a"}))

	filename := filepath.Join(t.TempDir(), "dict.yaml")
	require.NoError(t, edd.WriteToFile(filename))
	cfgs, err := LoadExperiments(filename)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, "a", cfgs[0].Name())
	assert.Equal(t, "b", cfgs[1].Name())
}

func TestTransformRejectsBadDescriptions(t *testing.T) {
	ed, err := ReadExperimentDesc("", true, []byte(sweepDesc))
	require.NoError(t, err)

	bad := *ed
	bad.Flows = append([]FlowDesc{}, ed.Flows...)
	bad.Flows[0].Kind = "sctp"
	_, err = bad.Transform()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad = *ed
	bad.Flows = []FlowDesc{{Kind: "udp", Src: 0, Dst: 1, Start: 1, Stop: 40}}
	_, err = bad.Transform()
	assert.ErrorIs(t, err, ErrFlowTiming)
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.yaml")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o644))

	assert.NoError(t, CheckOutputFiles([]string{filepath.Join(dir, "new.xml"), ""}))
	assert.Error(t, CheckOutputFiles([]string{filepath.Join(dir, "missing", "new.xml")}))
	assert.NoError(t, CheckFiles([]string{present}, true))
	assert.Error(t, CheckFiles([]string{filepath.Join(dir, "absent.yaml")}, true))
}
