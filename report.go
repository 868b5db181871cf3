package scratchnet

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"gopkg.in/yaml.v3"
)

// WriteConsoleReport prints the per-flow block of a run in the column order
// tx packets, tx bytes, offered load, rx packets, rx bytes, throughput, goodput,
// followed by the warnings of flows without data
func WriteConsoleReport(w io.Writer, res *RunResult) error {
	var b strings.Builder
	fmt.Fprintf(&b, "*** Flow monitor statistics (distance = %g) ***\n", res.Spacing)
	for idx, sf := range res.Flows {
		src, dst := sf.Spec.Src, sf.Spec.Dst
		fmt.Fprintf(&b, "Flow %d (%s node %d -> node %d, [%g, %g])\n", sf.ID, sf.Spec.Kind, src, dst, sf.Start, sf.Stop)
		rec, present := res.Records[sf.ID]
		if !present || (idx < len(res.Metrics) && res.Metrics[idx].NoData) {
			fmt.Fprintf(&b, "  no data\n")
			continue
		}
		var dm DerivedMetrics
		if idx < len(res.Metrics) {
			dm = res.Metrics[idx]
		}
		fmt.Fprintf(&b, "  Tx Packets:   %d\n", rec.TxPackets)
		fmt.Fprintf(&b, "  Tx Bytes:     %d\n", rec.TxBytes)
		fmt.Fprintf(&b, "  Offered Load: %.6f Mbps\n", dm.OfferedLoad)
		fmt.Fprintf(&b, "  Rx Packets:   %d\n", rec.RxPackets)
		fmt.Fprintf(&b, "  Rx Bytes:     %d\n", rec.RxBytes)
		fmt.Fprintf(&b, "  Throughput:   %.6f Mbps\n", dm.Throughput)
		fmt.Fprintf(&b, "  Goodput:      %.6f Mbps\n", dm.Goodput)
		if sf.Spec.Kind == ICMPEcho && dm.MeanRTT > 0 {
			fmt.Fprintf(&b, "  Mean RTT:     %.6f s\n", dm.MeanRTT)
		}
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintf(&b, "Warnings:\n")
		for _, w := range res.Warnings {
			fmt.Fprintf(&b, "  %s\n", w)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// FlowEntry is the persisted form of one flow
type FlowEntry struct {
	Kind    string         `json:"kind" yaml:"kind"`
	Src     int            `json:"src" yaml:"src"`
	Dst     int            `json:"dst" yaml:"dst"`
	Start   float64        `json:"start" yaml:"start"`
	Stop    float64        `json:"stop" yaml:"stop"`
	Record  *FlowRecord    `json:"record,omitempty" yaml:"record,omitempty"`
	Metrics DerivedMetrics `json:"metrics" yaml:"metrics"`
}

// RecordFile is the structured file of one run's raw records and derived metrics
type RecordFile struct {
	RunID    string            `json:"runid" yaml:"runid"`
	Name     string            `json:"name" yaml:"name"`
	Spacing  float64           `json:"spacing" yaml:"spacing"`
	StopTime float64           `json:"stoptime" yaml:"stoptime"`
	Flows    map[int]FlowEntry `json:"flows" yaml:"flows"`
	Warnings []string          `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// CreateRecordFile gathers the persisted form of res, indexed by flow id
func CreateRecordFile(res *RunResult) *RecordFile {
	rf := &RecordFile{RunID: res.RunID.String(), Name: res.Name, Spacing: res.Spacing,
		StopTime: res.StopTime, Flows: make(map[int]FlowEntry)}
	for idx, sf := range res.Flows {
		entry := FlowEntry{Kind: sf.Spec.Kind.String(), Src: sf.Spec.Src, Dst: sf.Spec.Dst, Start: sf.Start, Stop: sf.Stop}
		if rec, present := res.Records[sf.ID]; present {
			entry.Record = &rec
		}
		if idx < len(res.Metrics) {
			entry.Metrics = res.Metrics[idx]
		}
		rf.Flows[int(sf.ID)] = entry
	}
	for _, w := range res.Warnings {
		rf.Warnings = append(rf.Warnings, w.Error())
	}
	return rf
}

// recordFormat inspects filename for a ".sz" suffix and then the yaml or json extension
func recordFormat(filename string) (useYAML, compress bool, err error) {
	base := filename
	if filepath.Ext(base) == ".sz" {
		compress = true
		base = strings.TrimSuffix(base, ".sz")
	}
	switch filepath.Ext(base) {
	case ".yaml", ".yml":
		useYAML = true
	case ".json":
		useYAML = false
	default:
		return false, false, fmt.Errorf("record file %s has neither a yaml nor a json extension", filename)
	}
	return useYAML, compress, nil
}

// WriteToFile stores the record file, yaml or json by extension, snappy compressed
// when the name ends in ".sz"
func (rf *RecordFile) WriteToFile(filename string) error {
	useYAML, compress, err := recordFormat(filename)
	if err != nil {
		return err
	}

	var bytes []byte
	if useYAML {
		bytes, err = yaml.Marshal(*rf)
	} else {
		bytes, err = json.MarshalIndent(*rf, "", "\t")
	}
	if err != nil {
		return err
	}
	if compress {
		bytes = snappy.Encode(nil, bytes)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	_, werr := f.Write(bytes)
	if werr != nil {
		f.Close()
		return werr
	}
	return f.Close()
}

// ReadRecordFile loads a file written by WriteToFile
func ReadRecordFile(filename string) (*RecordFile, error) {
	useYAML, compress, err := recordFormat(filename)
	if err != nil {
		return nil, err
	}
	bytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if compress {
		if bytes, err = snappy.Decode(nil, bytes); err != nil {
			return nil, err
		}
	}
	rf := RecordFile{}
	if useYAML {
		err = yaml.Unmarshal(bytes, &rf)
	} else {
		err = json.Unmarshal(bytes, &rf)
	}
	if err != nil {
		return nil, err
	}
	return &rf, nil
}

// WriteRecords saves the structured record file of res
func WriteRecords(res *RunResult, filename string) error {
	return CreateRecordFile(res).WriteToFile(filename)
}
