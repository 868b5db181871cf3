package netsim

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// TraceInst is one serialized trace record
type TraceInst struct {
	TraceTime string `json:"tracetime" yaml:"tracetime"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// NameType is an entry in the dictionary a trace carries that maps
// object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers per-packet records from the objects whose trace
// parameter is set.  When it is not in use every call is a no-op
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// trace records by the id of the object that made them
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the TraceManager is being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddTrace stores a trace record made by object objID
func (tm *TraceManager) AddTrace(objID int, trace TraceInst) {
	if !tm.Active() {
		return
	}
	tm.Traces[objID] = append(tm.Traces[objID], trace)
}

// AddName adds an element to the id -> (name,type) dictionary
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if !tm.Active() {
		return
	}
	if _, present := tm.NameByID[id]; present {
		panic(fmt.Errorf("duplicated id %d in AddName", id))
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
}

// WriteToFile stores the TraceManager to the named file.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.Active() {
		return nil
	}
	var bytes []byte
	var merr error

	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(*tm)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	default:
		return fmt.Errorf("trace file %s needs a .yaml or .json extension", filename)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// NetTrace records the passage of a packet through some point of the network
type NetTrace struct {
	Time     float64 `json:"time" yaml:"time"`
	Ticks    int64   `json:"ticks" yaml:"ticks"`
	Priority int64   `json:"priority" yaml:"priority"`
	PcktID   uint64  `json:"pcktid" yaml:"pcktid"`
	Flow     string  `json:"flow" yaml:"flow"`
	ObjID    int     `json:"objid" yaml:"objid"`
	ObjName  string  `json:"objname" yaml:"objname"`
	Op       string  `json:"op" yaml:"op"`
	Size     int     `json:"size" yaml:"size"`
}

// Serialize returns the yaml encoding of the record
func (ntr *NetTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*ntr)
	if merr != nil {
		panic(merr)
	}
	return string(bytes)
}

func (tm *TraceManager) addNetTrace(vrt vrtime.Time, p *packet, objID int, objName, op string) {
	if !tm.Active() {
		return
	}
	ntr := NetTrace{
		Time:     vrt.Seconds(),
		Ticks:    vrt.Ticks(),
		Priority: vrt.Pri(),
		PcktID:   p.uid,
		Flow:     p.tuple.String(),
		ObjID:    objID,
		ObjName:  objName,
		Op:       op,
		Size:     p.size(),
	}
	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	tm.AddTrace(objID, TraceInst{TraceTime: traceTime, TraceType: "network", TraceStr: ntr.Serialize()})
}
