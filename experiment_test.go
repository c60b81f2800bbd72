package cpsim

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExperimentScriptedFailover(t *testing.T) {
	net, ids := lineTopology(t, SimplePrefix, nil)
	p := "100.0.0.0/8"

	exp := CreateExperiment("failover")
	exp.AddEvent(ExpEvent{Time: 1.0, Op: "advertise", Router: "e0", Prefix: p, AsPath: []AsN{1, 2, 3}})
	exp.AddEvent(ExpEvent{Time: 2.0, Op: "advertise", Router: "e1", Prefix: p, AsPath: []AsN{2, 3}})
	exp.AddEvent(ExpEvent{Time: 3.0, Op: "withdraw", Router: "e1", Prefix: p})

	require.NoError(t, exp.Run(net))

	// after the scripted withdraw everything falls back to e0
	fs, err := net.GetForwardingState()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"r0", "b0", "e0"}}, namedPaths(t, net, fs, ids["r0"], mp(p)))
}

func TestExperimentWeightShift(t *testing.T) {
	net, ids := squareTopology(t, GlobalOspf)

	exp := CreateExperiment("weight-shift")
	exp.AddEvent(ExpEvent{Time: 1.0, Op: "set-weight", A: "a", B: "b", Weight: 10.0})
	require.NoError(t, exp.Run(net))

	hops, _, err := net.OspfNextHops(ids["a"], ids["d"])
	require.NoError(t, err)
	assert.Equal(t, []Rid{ids["c"]}, hops)
}

func TestExperimentReportsBadOps(t *testing.T) {
	net, _ := lineTopology(t, SimplePrefix, nil)

	exp := CreateExperiment("broken")
	exp.AddEvent(ExpEvent{Time: 1.0, Op: "no-such-op"})
	exp.AddEvent(ExpEvent{Time: 2.0, Op: "withdraw", Router: "nobody", Prefix: "10.0.0.0/8"})
	require.Error(t, exp.Run(net))
}

func TestExperimentFileRoundTrip(t *testing.T) {
	exp := CreateExperiment("rtrip")
	exp.AddEvent(ExpEvent{Time: 1.5, Op: "set-weight", A: "a", B: "b", Weight: 4.0})
	exp.AddEvent(ExpEvent{Time: 2.5, Op: "withdraw", Router: "e1", Prefix: "100.0.0.0/8"})

	dir := t.TempDir()
	for _, name := range []string{"exp.yaml", "exp.json"} {
		filename := filepath.Join(dir, name)
		require.NoError(t, exp.WriteToFile(filename))

		read, err := ReadExperiment(filename, filepath.Ext(name) == ".yaml", nil)
		require.NoError(t, err)
		assert.Equal(t, exp.ExpName, read.ExpName)
		require.Len(t, read.Events, 2)
		assert.Equal(t, exp.Events[0].Weight, read.Events[0].Weight)
		assert.Equal(t, exp.Events[1].Prefix, read.Events[1].Prefix)
	}
}
