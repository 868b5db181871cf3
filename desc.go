package scratchnet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// FlowDesc is the serializable form of a FlowSpec.  Kind accepts the names ParseFlowKind does
type FlowDesc struct {
	Kind       string  `json:"kind" yaml:"kind"`
	Src        int     `json:"src" yaml:"src"`
	Dst        int     `json:"dst" yaml:"dst"`
	Start      float64 `json:"start" yaml:"start"`
	Stop       float64 `json:"stop" yaml:"stop"`
	Rate       float64 `json:"rate,omitempty" yaml:"rate,omitempty"`
	PacketSize int     `json:"packetsize,omitempty" yaml:"packetsize,omitempty"`
	Interval   float64 `json:"interval,omitempty" yaml:"interval,omitempty"`
	MaxPackets int     `json:"maxpackets,omitempty" yaml:"maxpackets,omitempty"`
	MaxBytes   int64   `json:"maxbytes,omitempty" yaml:"maxbytes,omitempty"`
	Port       int     `json:"port,omitempty" yaml:"port,omitempty"`
	TraceFile  string  `json:"tracefile,omitempty" yaml:"tracefile,omitempty"`
	NoLoop     bool    `json:"noloop,omitempty" yaml:"noloop,omitempty"`
}

// LinkDesc is the serializable form of LinkParams
type LinkDesc struct {
	Bandwidth float64 `json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"`
	Delay     float64 `json:"delay,omitempty" yaml:"delay,omitempty"`
	Range     float64 `json:"range,omitempty" yaml:"range,omitempty"`
	Buffer    int     `json:"buffer,omitempty" yaml:"buffer,omitempty"`
	Loss      float64 `json:"loss,omitempty" yaml:"loss,omitempty"`
	Overhead  float64 `json:"overhead,omitempty" yaml:"overhead,omitempty"`
}

// ExperimentDesc is the serializable description of one experiment.  Empty
// strings select the default routing (olsr), layout (linear) and media (wifi)
type ExperimentDesc struct {
	Name        string     `json:"name" yaml:"name"`
	NodeCount   int        `json:"nodecount" yaml:"nodecount"`
	Spacing     float64    `json:"spacing" yaml:"spacing"`
	Routing     string     `json:"routing,omitempty" yaml:"routing,omitempty"`
	StopTime    float64    `json:"stoptime" yaml:"stoptime"`
	Layout      string     `json:"layout,omitempty" yaml:"layout,omitempty"`
	GridWidth   int        `json:"gridwidth,omitempty" yaml:"gridwidth,omitempty"`
	Media       string     `json:"media,omitempty" yaml:"media,omitempty"`
	AddressBase string     `json:"addressbase,omitempty" yaml:"addressbase,omitempty"`
	Link        LinkDesc   `json:"link,omitempty" yaml:"link,omitempty"`
	Flows       []FlowDesc `json:"flows" yaml:"flows"`
}

// CreateExperimentDesc is a constructor.  Saves the name and initializes the flow list
func CreateExperimentDesc(name string) *ExperimentDesc {
	return &ExperimentDesc{Name: name, Flows: make([]FlowDesc, 0)}
}

// DescribeConfig is the inverse of ExperimentDesc.Transform
func DescribeConfig(cfg *ExperimentConfig) *ExperimentDesc {
	p := cfg.Params()
	ed := &ExperimentDesc{
		Name:        p.Name,
		NodeCount:   p.NodeCount,
		Spacing:     p.Spacing,
		Routing:     p.Routing.String(),
		StopTime:    p.StopTime,
		Layout:      p.Layout.String(),
		GridWidth:   p.GridWidth,
		Media:       p.Media.String(),
		AddressBase: p.AddressBase,
		Link:        LinkDesc(p.Link),
		Flows:       make([]FlowDesc, 0, len(p.Flows)),
	}
	for _, fs := range p.Flows {
		ed.Flows = append(ed.Flows, FlowDesc{
			Kind: fs.Kind.String(), Src: fs.Src, Dst: fs.Dst, Start: fs.Start, Stop: fs.Stop,
			Rate: fs.Rate, PacketSize: fs.PacketSize, Interval: fs.Interval, MaxPackets: fs.MaxPackets,
			MaxBytes: fs.MaxBytes, Port: fs.Port, TraceFile: fs.TraceFile, NoLoop: fs.NoLoop,
		})
	}
	return ed
}

// Transform parses the enumerated fields and validates the description
func (ed *ExperimentDesc) Transform() (*ExperimentConfig, error) {
	p := ConfigParams{
		Name:        ed.Name,
		NodeCount:   ed.NodeCount,
		Spacing:     ed.Spacing,
		Routing:     ProactiveLinkState,
		StopTime:    ed.StopTime,
		GridWidth:   ed.GridWidth,
		AddressBase: ed.AddressBase,
		Link:        LinkParams(ed.Link),
	}

	errs := []error{}
	var err error
	if ed.Routing != "" {
		p.Routing, err = ParseRoutingMode(ed.Routing)
		errs = append(errs, err)
	}
	if ed.Layout != "" {
		p.Layout, err = ParseLayoutPolicy(ed.Layout)
		errs = append(errs, err)
	}
	if ed.Media != "" {
		p.Media, err = ParseMediaType(ed.Media)
		errs = append(errs, err)
	}
	for _, fd := range ed.Flows {
		kind, kerr := ParseFlowKind(fd.Kind)
		errs = append(errs, kerr)
		p.Flows = append(p.Flows, FlowSpec{
			Kind: kind, Src: fd.Src, Dst: fd.Dst, Start: fd.Start, Stop: fd.Stop,
			Rate: fd.Rate, PacketSize: fd.PacketSize, Interval: fd.Interval, MaxPackets: fd.MaxPackets,
			MaxBytes: fd.MaxBytes, Port: fd.Port, TraceFile: fd.TraceFile, NoLoop: fd.NoLoop,
		})
	}
	if err := ReportErrs(errs); err != nil {
		return nil, fmt.Errorf("experiment %s: %w", ed.Name, err)
	}
	return NewExperimentConfig(p)
}

// useYAMLFor selects yaml or json from the extension of filename
func useYAMLFor(filename string) (bool, error) {
	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		return true, nil
	case ".json", ".JSON":
		return false, nil
	}
	return false, fmt.Errorf("description %s needs a .yaml or .json extension", filename)
}

func writeDesc(filename string, desc any) error {
	useYAML, err := useYAMLFor(filename)
	if err != nil {
		return err
	}
	var bytes []byte
	if useYAML {
		bytes, err = yaml.Marshal(desc)
	} else {
		bytes, err = json.MarshalIndent(desc, "", "\t")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// WriteToFile stores the description, yaml or json by extension
func (ed *ExperimentDesc) WriteToFile(filename string) error {
	return writeDesc(filename, *ed)
}

// ReadExperimentDesc deserializes a byte slice holding a representation of an
// ExperimentDesc.  If the input argument dict (those bytes) is empty, the file
// whose name is given is read to acquire them
func ReadExperimentDesc(filename string, useYAML bool, dict []byte) (*ExperimentDesc, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := ExperimentDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	return &example, nil
}

// ExperimentDescDict holds named experiment descriptions, run as one campaign
type ExperimentDescDict struct {
	DictName    string                    `json:"dictname" yaml:"dictname"`
	Experiments map[string]ExperimentDesc `json:"experiments" yaml:"experiments"`
}

// CreateExperimentDescDict is a constructor
func CreateExperimentDescDict(name string) *ExperimentDescDict {
	return &ExperimentDescDict{DictName: name, Experiments: make(map[string]ExperimentDesc)}
}

// AddExperimentDesc includes ed in the dictionary, indexed by its name
func (edd *ExperimentDescDict) AddExperimentDesc(ed *ExperimentDesc) error {
	if _, present := edd.Experiments[ed.Name]; present {
		return fmt.Errorf("experiment %s already in dictionary %s", ed.Name, edd.DictName)
	}
	edd.Experiments[ed.Name] = *ed
	return nil
}

// Configs transforms every description, in name order
func (edd *ExperimentDescDict) Configs() ([]*ExperimentConfig, error) {
	names := make([]string, 0, len(edd.Experiments))
	for name := range edd.Experiments {
		names = append(names, name)
	}
	sort.Strings(names)

	cfgs := make([]*ExperimentConfig, 0, len(names))
	errs := []error{}
	for _, name := range names {
		ed := edd.Experiments[name]
		cfg, err := ed.Transform()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cfgs = append(cfgs, cfg)
	}
	if err := ReportErrs(errs); err != nil {
		return nil, err
	}
	return cfgs, nil
}

// WriteToFile stores the dictionary, yaml or json by extension
func (edd *ExperimentDescDict) WriteToFile(filename string) error {
	return writeDesc(filename, *edd)
}

// ReadExperimentDescDict deserializes an ExperimentDescDict, from dict if it is
// not empty and otherwise from the named file
func ReadExperimentDescDict(filename string, useYAML bool, dict []byte) (*ExperimentDescDict, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := ExperimentDescDict{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	return &example, nil
}

// LoadExperiments reads filename as a dictionary of descriptions if it has one,
// and as a single description otherwise
func LoadExperiments(filename string) ([]*ExperimentConfig, error) {
	useYAML, err := useYAMLFor(filename)
	if err != nil {
		return nil, err
	}
	dict, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if edd, derr := ReadExperimentDescDict(filename, useYAML, dict); derr == nil && len(edd.Experiments) > 0 {
		return edd.Configs()
	}
	ed, err := ReadExperimentDesc(filename, useYAML, dict)
	if err != nil {
		return nil, err
	}
	cfg, err := ed.Transform()
	if err != nil {
		return nil, err
	}
	return []*ExperimentConfig{cfg}, nil
}

// CheckOutputFiles checks that the directory of every named output file exists
func CheckOutputFiles(names []string) error {
	return CheckFiles(names, false)
}

// CheckFiles probes the file system for the directory of every named (non-empty)
// file, and optionally for the file itself
func CheckFiles(names []string, checkExistence bool) error {
	errs := make([]error, 0)
	for _, name := range names {
		if len(name) == 0 {
			continue
		}
		directory := filepath.Dir(name)
		if _, err := os.Stat(directory); err != nil {
			errs = append(errs, fmt.Errorf("directory of %s: %w", name, err))
			continue
		}
		if checkExistence {
			if _, err := os.Stat(name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := ReportErrs(errs); err != nil {
		return errors.Join(errors.New("file check failed"), err)
	}
	return nil
}
