package relay

// trace.go adapts the teacher's TraceManager into a relay-level event log:
// instead of network-message enter/exit events keyed by execution id, it
// records cell push/pop/sendme events keyed by circuit id.
// The opt-in InUse flag and the dual yaml/json WriteToFile are kept
// verbatim from the original design.

import (
	"encoding/json"
	"os"
	"path"
	"strconv"

	"gopkg.in/yaml.v3"
)

// TraceInst is one rendered trace line, ready to serialize.
type TraceInst struct {
	TraceTime string
	TraceType string
	TraceStr  string
}

// TraceManager gathers cell-level trace records about a relay's execution,
// keyed by circuit id, and can dump them to YAML or JSON on request.
type TraceManager struct {
	InUse bool `json:"inuse" yaml:"inuse"`

	ExpName string `json:"expname" yaml:"expname"`

	// all trace records for this experiment, keyed by circuit id
	Traces map[uint16][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor. active controls whether AddTrace
// calls actually record anything, so call sites can be left in place
// unconditionally and only the flag here decides if they cost anything.
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.Traces = make(map[uint16][]TraceInst)
	return tm
}

// Active reports whether the trace manager is actively recording.
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace appends trace to the record list for circID.
func (tm *TraceManager) AddTrace(circID uint16, trace TraceInst) {
	if !tm.InUse {
		return
	}
	tm.Traces[circID] = append(tm.Traces[circID], trace)
}

// cellTraceOp is the yaml/json-serialized form of one cell-level event.
type cellTraceOp struct {
	Time      float64 `yaml:"time"`
	CircID    uint16  `yaml:"circid"`
	Direction string  `yaml:"direction"`
	Op        string  `yaml:"op"`
	Bytes     int     `yaml:"bytes"`
}

func (op *cellTraceOp) serialize() string {
	bytes, err := yaml.Marshal(*op)
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

func directionStr(dir CellDirection) string {
	if dir == Outbound {
		return "outbound"
	}
	return "inbound"
}

// AddCellTrace records one push/pop/sendme event for circID travelling in
// dir, at simulated time t.
func (tm *TraceManager) AddCellTrace(t float64, circID uint16, dir CellDirection, op string, nbytes int) {
	if !tm.InUse {
		return
	}
	cto := &cellTraceOp{Time: t, CircID: circID, Direction: directionStr(dir), Op: op, Bytes: nbytes}
	inst := TraceInst{
		TraceTime: strconv.FormatFloat(t, 'f', -1, 64),
		TraceType: "cell",
		TraceStr:  cto.serialize(),
	}
	tm.AddTrace(circID, inst)
}

// WriteToFile stores the trace to filename, choosing YAML or JSON based on
// its extension.
func (tm *TraceManager) WriteToFile(filename string) bool {
	if !tm.InUse {
		return false
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	switch pathExt {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(*tm)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	}
	if merr != nil {
		panic(merr)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		panic(cerr)
	}
	defer f.Close()

	if _, werr := f.WriteString(string(bytes)); werr != nil {
		panic(werr)
	}
	return true
}
