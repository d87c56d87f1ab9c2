package netsim

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

type TraceRecordType int

const (
	NetworkType TraceRecordType = iota
)

var trtToStr map[TraceRecordType]string = map[TraceRecordType]string{NetworkType: "network"}

type TraceInst struct {
	TraceTime string `json:"tracetime" yaml:"tracetime"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// NameType is a an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers the passages of packets through interfaces during a
// run, together with a dictionary naming the devices and interfaces involved.
// Traces are kept by the id of the device that originated the packet.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddTrace stores a trace record under execID
func (tm *TraceManager) AddTrace(vrt vrtime.Time, execID int, trace TraceInst) {
	if !tm.Active() {
		return
	}
	tm.Traces[execID] = append(tm.Traces[execID], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if !tm.Active() {
		return
	}
	if _, present := tm.NameByID[id]; present {
		panic(fmt.Errorf("duplicated id %d in AddName", id))
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
}

// Len returns the number of trace records gathered.
func (tm *TraceManager) Len() int {
	cnt := 0
	for _, trcs := range tm.Traces {
		cnt += len(trcs)
	}
	return cnt
}

// WriteToFile stores the trace manager to the file whose name is given.
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
		return fmt.Errorf("trace file %s: extension must be .yaml, .yml or .json", filename)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// NetTrace saves information about the visitation of a packet to an
// interface, for post-run analysis
type NetTrace struct {
	Time     float64 `yaml:"time"`     // time in float64
	Ticks    int64   `yaml:"ticks"`    // ticks variable of time
	Priority int64   `yaml:"priority"` // priority field of time-stamp
	SrcID    int     `yaml:"srcid"`    // id of the device that originated the packet
	PcktID   int     `yaml:"pcktid"`   // IPv4 identification field of the packet
	ObjID    int     `yaml:"objid"`    // integer id for object being referenced
	Op       string  `yaml:"op"`       // handler that saw the packet
	Step     int     `yaml:"step"`     // index of the route step
	Len      int     `yaml:"len"`      // datagram length in bytes
}

func (ntr *NetTrace) TraceType() TraceRecordType {
	return NetworkType
}

func (ntr *NetTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*ntr)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddNetTrace creates a record of the trace using its calling arguments, and stores it
func AddNetTrace(tm *TraceManager, vrt vrtime.Time, nm *networkMsg, objID int, op string) {
	if !tm.Active() {
		return
	}
	ntr := new(NetTrace)
	ntr.Time = vrt.Seconds()
	ntr.Ticks = vrt.Ticks()
	ntr.Priority = vrt.Pri()
	ntr.SrcID = nm.srcID
	ntr.ObjID = objID
	ntr.Op = op
	ntr.Step = nm.stepIdx
	ntr.Len = len(nm.data)
	if len(nm.data) >= 6 {
		ntr.PcktID = int(binary.BigEndian.Uint16(nm.data[4:6]))
	}

	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	trcInst := TraceInst{TraceTime: traceTime, TraceType: trtToStr[ntr.TraceType()], TraceStr: ntr.Serialize()}
	tm.AddTrace(vrt, ntr.SrcID, trcInst)
}
