package cpsim

// experiment.go runs scripted what-if studies on a network: a list of
// timed configuration mutations (weight changes, withdrawals, link
// failures) scheduled on a virtual-time event manager. Each mutation is
// applied at its nominal time and the network is driven back to
// convergence before the next one fires, which is how failover timelines
// are produced without wall-clock delays.

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// ExpEvent is one scheduled mutation. Op selects which fields apply.
type ExpEvent struct {
	// virtual time, in seconds, at which the mutation fires
	Time float64 `json:"time" yaml:"time"`

	// one of "set-weight", "remove-link", "add-link", "advertise",
	// "withdraw", "set-area"
	Op string `json:"op" yaml:"op"`

	A      string     `json:"a,omitempty" yaml:"a,omitempty"`
	B      string     `json:"b,omitempty" yaml:"b,omitempty"`
	Weight LinkWeight `json:"weight,omitempty" yaml:"weight,omitempty"`
	Area   OspfArea   `json:"area,omitempty" yaml:"area,omitempty"`

	Router      string      `json:"router,omitempty" yaml:"router,omitempty"`
	Prefix      string      `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	AsPath      []AsN       `json:"aspath,omitempty" yaml:"aspath,omitempty"`
	Med         uint32      `json:"med,omitempty" yaml:"med,omitempty"`
	Communities []Community `json:"communities,omitempty" yaml:"communities,omitempty"`
}

// An Experiment names a list of scheduled mutations.
type Experiment struct {
	ExpName string     `json:"expname" yaml:"expname"`
	Events  []ExpEvent `json:"events" yaml:"events"`
}

// CreateExperiment is a constructor.
func CreateExperiment(name string) *Experiment {
	return &Experiment{ExpName: name, Events: []ExpEvent{}}
}

// AddEvent appends a scheduled mutation.
func (exp *Experiment) AddEvent(ev ExpEvent) {
	exp.Events = append(exp.Events, ev)
}

// WriteToFile stores the experiment, serialized as YAML or JSON depending
// on the file extension.
func (exp *Experiment) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*exp)
	} else {
		bytes, merr = json.MarshalIndent(*exp, "", "\t")
	}
	if merr != nil {
		return merr
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	_, werr := f.WriteString(string(bytes))
	f.Close()
	return werr
}

// ReadExperiment deserializes an experiment description. If dict is empty
// the named file is read to acquire the bytes.
func ReadExperiment(filename string, useYAML bool, dict []byte) (*Experiment, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := Experiment{}
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

// expRun carries the state shared by the scheduled handlers.
type expRun struct {
	net  *Network
	errs []error
}

// Run schedules every mutation on a fresh event manager and executes them
// in virtual-time order. The network is driven to convergence after each
// mutation. Every convergence failure and rejected mutation is collected
// and reported, joined into one error, after the run completes.
func (exp *Experiment) Run(net *Network) error {
	evtMgr := evtm.New()
	run := &expRun{net: net}

	endTime := 0.0
	for _, ev := range exp.Events {
		evtMgr.Schedule(run, ev, applyExpEvent, vrtime.SecondsToTime(ev.Time))
		if ev.Time > endTime {
			endTime = ev.Time
		}
	}
	evtMgr.Run(endTime + 1.0)

	return ReportErrs(run.errs)
}

// applyExpEvent is the event handler executed per scheduled mutation.
func applyExpEvent(evtMgr *evtm.EventManager, context any, data any) any {
	run := context.(*expRun)
	ev := data.(ExpEvent)

	if err := run.apply(ev); err != nil {
		run.errs = append(run.errs, fmt.Errorf("t=%v %s: %w", ev.Time, ev.Op, err))
		return nil
	}
	if err := run.net.Simulate(); err != nil {
		run.errs = append(run.errs, fmt.Errorf("t=%v %s: %w", ev.Time, ev.Op, err))
	}
	return nil
}

func (run *expRun) apply(ev ExpEvent) error {
	net := run.net
	switch ev.Op {
	case "set-weight":
		a, err := net.RidByName(ev.A)
		if err != nil {
			return err
		}
		b, err := net.RidByName(ev.B)
		if err != nil {
			return err
		}
		return net.SetLinkWeight(a, b, ev.Weight)
	case "add-link":
		a, err := net.RidByName(ev.A)
		if err != nil {
			return err
		}
		b, err := net.RidByName(ev.B)
		if err != nil {
			return err
		}
		return net.AddLink(a, b)
	case "remove-link":
		a, err := net.RidByName(ev.A)
		if err != nil {
			return err
		}
		b, err := net.RidByName(ev.B)
		if err != nil {
			return err
		}
		return net.RemoveLink(a, b)
	case "set-area":
		a, err := net.RidByName(ev.A)
		if err != nil {
			return err
		}
		b, err := net.RidByName(ev.B)
		if err != nil {
			return err
		}
		return net.SetOspfArea(a, b, ev.Area)
	case "advertise":
		rid, err := net.RidByName(ev.Router)
		if err != nil {
			return err
		}
		prefix, err := netip.ParsePrefix(ev.Prefix)
		if err != nil {
			return &InvalidConfigurationError{Reason: fmt.Sprintf("bad prefix %q", ev.Prefix)}
		}
		return net.AdvertiseExternalRoute(rid, prefix, ev.AsPath, ev.Med, ev.Communities)
	case "withdraw":
		rid, err := net.RidByName(ev.Router)
		if err != nil {
			return err
		}
		prefix, err := netip.ParsePrefix(ev.Prefix)
		if err != nil {
			return &InvalidConfigurationError{Reason: fmt.Sprintf("bad prefix %q", ev.Prefix)}
		}
		return net.WithdrawExternalRoute(rid, prefix)
	}
	return &InvalidConfigurationError{Reason: fmt.Sprintf("unknown experiment op %q", ev.Op)}
}
