package cpsim

// trace.go gathers an optional record of the events a simulation executes,
// for post-run analysis. The trace manager keeps a dictionary mapping
// object ids to names so the trace file is self-describing.

import (
	"encoding/json"
	"os"
	"path"
	"strconv"

	"gopkg.in/yaml.v3"
)

type TraceRecordType int

const (
	EventType TraceRecordType = iota
)

type TraceInst struct {
	TraceTime string
	TraceType string
	TraceStr  string
}

// NameType is an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string
	Type string
}

// TraceManager gathers information about a simulation model and an
// execution of that model
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

// CreateTraceManager is a constructor. It saves the name of the experiment
// and a flag indicating whether the trace manager is active. By testing
// this flag we can inhibit the activity of gathering a trace when we don't
// want it, while embedding calls to its methods everywhere we need them
// when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the trace manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace creates a record of the trace using its calling arguments, and stores it
func (tm *TraceManager) AddTrace(execID int, trace TraceInst) {
	if !tm.InUse {
		return
	}
	_, present := tm.Traces[execID]
	if !present {
		tm.Traces[execID] = make([]TraceInst, 0)
	}
	tm.Traces[execID] = append(tm.Traces[execID], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		_, present := tm.NameByID[id]
		if present {
			panic("duplicated id in AddName")
		}
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) bool {
	if !tm.InUse {
		return false
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*tm)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	}

	if merr != nil {
		panic(merr)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		panic(cerr)
	}
	_, werr := f.WriteString(string(bytes[:]))
	if werr != nil {
		panic(werr)
	}
	f.Close()
	return true
}

// EventTrace saves information about the delivery of one control-plane
// event, for post-run analysis
type EventTrace struct {
	Time    float64 // nominal delivery time, zero under the FIFO queue
	Ticks   int64   // ticks variable of time
	Src     int     // id of the emitting router
	Dst     int     // id of the processing router
	Kind    string  // event kind
	Subject string  // prefix the event talks about, if any
}

func (etr *EventTrace) TraceType() TraceRecordType {
	return EventType
}

func (etr *EventTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*etr)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddEventTrace creates a record of an executed event and stores it
func AddEventTrace(tm *TraceManager, ev *Event) {
	if !tm.InUse {
		return
	}
	etr := new(EventTrace)
	etr.Time = ev.Time.Seconds()
	etr.Ticks = ev.Time.Ticks()
	etr.Src = int(ev.Src)
	etr.Dst = int(ev.Dst)
	etr.Kind = ev.Kind.String()
	if prefix, present := ev.eventPrefix(); present {
		etr.Subject = prefix.String()
	}

	traceTime := strconv.FormatFloat(ev.Time.Seconds(), 'f', -1, 64)
	trcInst := TraceInst{TraceTime: traceTime, TraceType: "event", TraceStr: etr.Serialize()}
	tm.AddTrace(int(ev.Dst), trcInst)
}
