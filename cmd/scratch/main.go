package main

// scratch builds one of the scratch experiments from its command line, runs it,
// and prints the flow statistics of every run

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/iti/cmdline"
	"github.com/iti/scratchnet"
)

// cmdlineParameters define variables that may appear on the command line
func cmdlineParameters() *cmdline.CmdParser {
	cp := cmdline.NewCmdParser()
	cp.AddFlag(cmdline.StringFlag, "nodeCount", false) // number of nodes
	cp.AddFlag(cmdline.StringFlag, "distance", false)  // spacing between neighbouring nodes, meters
	cp.AddFlag(cmdline.StringFlag, "mode", false)      // debug or normal
	cp.AddFlag(cmdline.StringFlag, "app", false)       // tcp or udp, in normal mode
	cp.AddFlag(cmdline.StringFlag, "simTime", false)   // stop time of mode runs

	cp.AddFlag(cmdline.StringFlag, "enPing", false) // per-kind enable flags
	cp.AddFlag(cmdline.StringFlag, "enTcp", false)
	cp.AddFlag(cmdline.StringFlag, "enUdp", false)
	cp.AddFlag(cmdline.StringFlag, "udpStart", false)
	cp.AddFlag(cmdline.StringFlag, "udpStop", false)
	cp.AddFlag(cmdline.StringFlag, "tcpStart", false)
	cp.AddFlag(cmdline.StringFlag, "tcpStop", false)
	cp.AddFlag(cmdline.StringFlag, "pingStart", false)
	cp.AddFlag(cmdline.StringFlag, "pingStop", false)
	cp.AddFlag(cmdline.StringFlag, "simStop", false) // stop time of enable-flag runs

	cp.AddFlag(cmdline.StringFlag, "routing", false)   // olsr or static
	cp.AddFlag(cmdline.StringFlag, "layout", false)    // linear or grid
	cp.AddFlag(cmdline.StringFlag, "gridWidth", false) // nodes per grid row
	cp.AddFlag(cmdline.StringFlag, "media", false)     // wifi or p2p

	cp.AddFlag(cmdline.StringFlag, "exp", false)       // experiment description file, replaces the flags above
	cp.AddFlag(cmdline.StringFlag, "sweep", false)     // comma separated distances
	cp.AddFlag(cmdline.StringFlag, "horizon", false)   // clock stop override
	cp.AddFlag(cmdline.StringFlag, "pcap", false)      // prefix of the capture files
	cp.AddFlag(cmdline.StringFlag, "flowStats", false) // flow monitor xml file
	cp.AddFlag(cmdline.StringFlag, "detail", false)    // histograms and probes in the flow monitor file
	cp.AddFlag(cmdline.StringFlag, "records", false)   // structured record file, .yaml/.json[.sz]
	cp.AddFlag(cmdline.StringFlag, "trace", false)     // packet trace file, .yaml/.json
	cp.AddFlag(cmdline.StringFlag, "metrics", false)   // prometheus textfile
	cp.AddFlag(cmdline.StringFlag, "verbose", false)   // debug logging

	return cp
}

// flagReader converts string flags, remembering the first conversion failure
type flagReader struct {
	cp  *cmdline.CmdParser
	err error
}

func (fr *flagReader) str(name string) string {
	v, _ := fr.cp.GetVar(name).(string)
	return strings.TrimSpace(v)
}

func (fr *flagReader) intVar(name string, dst *int) {
	if v := fr.str(name); v != "" && fr.err == nil {
		n, err := strconv.Atoi(v)
		if err != nil {
			fr.err = fmt.Errorf("--%s=%s is not an integer", name, v)
			return
		}
		*dst = n
	}
}

func (fr *flagReader) floatVar(name string, dst *float64) {
	if v := fr.str(name); v != "" && fr.err == nil {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fr.err = fmt.Errorf("--%s=%s is not a number", name, v)
			return
		}
		*dst = f
	}
}

func (fr *flagReader) boolVar(name string, dst *bool) {
	if v := fr.str(name); v != "" && fr.err == nil {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fr.err = fmt.Errorf("--%s=%s is not a boolean", name, v)
			return
		}
		*dst = b
	}
}

func (fr *flagReader) strVar(name string, dst *string) {
	if v := fr.str(name); v != "" {
		*dst = v
	}
}

func (fr *flagReader) sweep() []float64 {
	v := fr.str("sweep")
	if v == "" || fr.err != nil {
		return nil
	}
	distances := []float64{}
	for _, field := range strings.Split(v, ",") {
		d, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			fr.err = fmt.Errorf("--sweep entry %q is not a number", field)
			return nil
		}
		distances = append(distances, d)
	}
	return distances
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "scratch: %s\n", err)
	os.Exit(1)
}

// main is, well, main
func main() {
	cp := cmdlineParameters()
	cp.Parse()
	fr := &flagReader{cp: cp}

	so := scratchnet.DefaultScriptOptions()
	fr.intVar("nodeCount", &so.NodeCount)
	fr.floatVar("distance", &so.Distance)
	fr.strVar("mode", &so.Mode)
	fr.strVar("app", &so.App)
	fr.floatVar("simTime", &so.SimTime)
	fr.boolVar("enPing", &so.EnPing)
	fr.boolVar("enTcp", &so.EnTcp)
	fr.boolVar("enUdp", &so.EnUdp)
	fr.floatVar("udpStart", &so.UdpStart)
	fr.floatVar("udpStop", &so.UdpStop)
	fr.floatVar("tcpStart", &so.TcpStart)
	fr.floatVar("tcpStop", &so.TcpStop)
	fr.floatVar("pingStart", &so.PingStart)
	fr.floatVar("pingStop", &so.PingStop)
	fr.floatVar("simStop", &so.SimStop)
	fr.strVar("routing", &so.Routing)
	fr.strVar("layout", &so.Layout)
	fr.intVar("gridWidth", &so.GridWidth)
	fr.strVar("media", &so.Media)

	co := scratchnet.CampaignOptions{
		PcapPrefix:    fr.str("pcap"),
		FlowStatsPath: fr.str("flowStats"),
		RecordsPath:   fr.str("records"),
		TracePath:     fr.str("trace"),
	}
	fr.boolVar("detail", &co.Detail)
	fr.floatVar("horizon", &co.Horizon)
	verbose := false
	fr.boolVar("verbose", &verbose)
	distances := fr.sweep()
	if fr.err != nil {
		fail(fr.err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	co.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	co.TraceAll = co.TracePath != ""

	metricsFile := fr.str("metrics")
	if metricsFile != "" {
		co.Metrics = scratchnet.NewRunMetrics()
	}
	outputs := []string{co.FlowStatsPath, co.RecordsPath, co.TracePath, metricsFile}
	if co.PcapPrefix != "" {
		outputs = append(outputs, co.PcapPrefix)
	}
	if err := scratchnet.CheckOutputFiles(outputs); err != nil {
		fail(err)
	}

	// the configs to run, from a description file or from the flags
	var cfgs []*scratchnet.ExperimentConfig
	var err error
	if expFile := fr.str("exp"); expFile != "" {
		if err = scratchnet.CheckFiles([]string{expFile}, true); err != nil {
			fail(err)
		}
		cfgs, err = scratchnet.LoadExperiments(expFile)
	} else {
		var cfg *scratchnet.ExperimentConfig
		cfg, err = scratchnet.BuildScriptConfig(so)
		cfgs = []*scratchnet.ExperimentConfig{cfg}
	}
	if err != nil {
		fail(err)
	}
	if len(distances) > 0 {
		swept := []*scratchnet.ExperimentConfig{}
		for _, cfg := range cfgs {
			derived, serr := scratchnet.SweepSpacing(cfg, distances)
			if serr != nil {
				fail(serr)
			}
			swept = append(swept, derived...)
		}
		cfgs = swept
	}

	results, err := scratchnet.RunCampaign(context.Background(), cfgs, scratchnet.DefaultEngine, co)
	for _, res := range results {
		if werr := scratchnet.WriteConsoleReport(os.Stdout, res); werr != nil {
			fail(werr)
		}
	}
	if err != nil {
		fail(err)
	}
	if len(results) > 1 {
		fmt.Println(scratchnet.CampaignTable(results))
	}
	if co.Metrics != nil {
		if err := co.Metrics.WriteToTextfile(metricsFile); err != nil {
			fail(err)
		}
	}
}
