package cpsim

import (
	"io"
	"log/slog"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sessionType(t BgpSessionType) *BgpSessionType { return &t }

// lineTopology builds the six-router line used by several scenarios:
//
//	e0 -- b0 -- r0 -- r1 -- b1 -- e1
//
// with all internal weights 1.0, EBGP at both edges, r0 reflecting for b0,
// r1 reflecting for b1, and an iBGP peering r0 -- r1.
func lineTopology(t *testing.T, kind PrefixKind, queue EventQueue) (*Network, map[string]Rid) {
	t.Helper()
	net := CreateNetwork(kind, GlobalOspf, queue)
	net.SetLogger(discardLogger())

	ids := make(map[string]Rid)
	for _, name := range []string{"b0", "r0", "r1", "b1"} {
		rid, err := net.AddRouter(name)
		require.NoError(t, err)
		ids[name] = rid
	}
	var err error
	ids["e0"], err = net.AddExternalRouter("e0", 1)
	require.NoError(t, err)
	ids["e1"], err = net.AddExternalRouter("e1", 2)
	require.NoError(t, err)

	for _, pair := range [][2]string{{"e0", "b0"}, {"b0", "r0"}, {"r0", "r1"}, {"r1", "b1"}, {"b1", "e1"}} {
		require.NoError(t, net.AddLink(ids[pair[0]], ids[pair[1]]))
	}
	for _, pair := range [][2]string{{"b0", "r0"}, {"r0", "r1"}, {"r1", "b1"}} {
		require.NoError(t, net.SetLinkWeight(ids[pair[0]], ids[pair[1]], 1.0))
		require.NoError(t, net.SetLinkWeight(ids[pair[1]], ids[pair[0]], 1.0))
	}

	require.NoError(t, net.SetBgpSession(ids["b0"], ids["e0"], sessionType(EBgp)))
	require.NoError(t, net.SetBgpSession(ids["r0"], ids["b0"], sessionType(IBgpClient)))
	require.NoError(t, net.SetBgpSession(ids["r0"], ids["r1"], sessionType(IBgpPeer)))
	require.NoError(t, net.SetBgpSession(ids["r1"], ids["b1"], sessionType(IBgpClient)))
	require.NoError(t, net.SetBgpSession(ids["b1"], ids["e1"], sessionType(EBgp)))
	require.NoError(t, net.Simulate())
	return net, ids
}

func namedPaths(t *testing.T, net *Network, fs *FsSnapshot, from Rid, prefix netip.Prefix) [][]string {
	t.Helper()
	paths, err := fs.GetPaths(from, prefix)
	require.NoError(t, err)
	named := make([][]string, 0, len(paths))
	for _, p := range paths {
		row := make([]string, 0, len(p))
		for _, hop := range p {
			row = append(row, net.NameOf(hop))
		}
		named = append(named, row)
	}
	return named
}

func TestScenarioLinearBestPathWithReflection(t *testing.T) {
	net, ids := lineTopology(t, SimplePrefix, nil)
	p := mp("100.0.0.0/8")

	require.NoError(t, net.AdvertiseExternalRoute(ids["e0"], p, []AsN{1, 2, 3}, 0, nil))
	require.NoError(t, net.AdvertiseExternalRoute(ids["e1"], p, []AsN{2, 3}, 0, nil))
	require.NoError(t, net.Simulate())

	fs, err := net.GetForwardingState()
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"b0", "r0", "r1", "b1", "e1"}}, namedPaths(t, net, fs, ids["b0"], p))
	assert.Equal(t, [][]string{{"r0", "r1", "b1", "e1"}}, namedPaths(t, net, fs, ids["r0"], p))
	assert.Equal(t, [][]string{{"r1", "b1", "e1"}}, namedPaths(t, net, fs, ids["r1"], p))
	assert.Equal(t, [][]string{{"b1", "e1"}}, namedPaths(t, net, fs, ids["b1"], p))
}

func TestScenarioTieBrokenByMed(t *testing.T) {
	net, ids := lineTopology(t, SimplePrefix, nil)
	p := mp("100.0.0.0/8")

	// equal paths through the same neighboring AS, e1 wins on lower MED
	require.NoError(t, net.AdvertiseExternalRoute(ids["e0"], p, []AsN{1, 2, 3}, 10, nil))
	require.NoError(t, net.AdvertiseExternalRoute(ids["e1"], p, []AsN{1, 2, 3}, 5, nil))
	require.NoError(t, net.Simulate())

	fs, err := net.GetForwardingState()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"b0", "r0", "r1", "b1", "e1"}}, namedPaths(t, net, fs, ids["b0"], p))
	assert.Equal(t, [][]string{{"r0", "r1", "b1", "e1"}}, namedPaths(t, net, fs, ids["r0"], p))
}

func TestScenarioMedDisabledAcrossNeighborAs(t *testing.T) {
	net, ids := lineTopology(t, SimplePrefix, nil)
	p := mp("100.0.0.0/8")

	// the leftmost ASes differ, so MED is never compared and the tie
	// falls through to hot-potato igp cost: each side exits nearby
	require.NoError(t, net.AdvertiseExternalRoute(ids["e0"], p, []AsN{1, 2, 3}, 10, nil))
	require.NoError(t, net.AdvertiseExternalRoute(ids["e1"], p, []AsN{9, 2, 3}, 5, nil))
	require.NoError(t, net.Simulate())

	fs, err := net.GetForwardingState()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"r0", "b0", "e0"}}, namedPaths(t, net, fs, ids["r0"], p))
	assert.Equal(t, [][]string{{"r1", "b1", "e1"}}, namedPaths(t, net, fs, ids["r1"], p))
}

func TestScenarioWithdrawalPropagation(t *testing.T) {
	net, ids := lineTopology(t, SimplePrefix, nil)
	p := mp("100.0.0.0/8")

	require.NoError(t, net.AdvertiseExternalRoute(ids["e0"], p, []AsN{1, 2, 3}, 0, nil))
	require.NoError(t, net.AdvertiseExternalRoute(ids["e1"], p, []AsN{2, 3}, 0, nil))
	require.NoError(t, net.Simulate())

	require.NoError(t, net.WithdrawExternalRoute(ids["e1"], p))
	require.NoError(t, net.Simulate())

	fs, err := net.GetForwardingState()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"r0", "b0", "e0"}}, namedPaths(t, net, fs, ids["r0"], p))
	assert.Equal(t, [][]string{{"b1", "r1", "r0", "b0", "e0"}}, namedPaths(t, net, fs, ids["b1"], p))
}

func TestScenarioRouteMapDrop(t *testing.T) {
	net, ids := lineTopology(t, SimplePrefix, nil)
	p := mp("100.0.0.0/8")

	deny := []*RouteMapClause{{
		Order:  10,
		Action: Deny,
		Conds:  []RouteMapMatch{{Kind: MatchCommunity, Community: Community{Asn: 1, Num: 42}}},
	}}
	require.NoError(t, net.SetRouteMap(ids["b0"], ids["e0"], Ingress, deny))
	require.NoError(t, net.Simulate())

	require.NoError(t, net.AdvertiseExternalRoute(ids["e0"], p, []AsN{1, 2, 3}, 0,
		[]Community{{Asn: 1, Num: 42}}))
	require.NoError(t, net.Simulate())

	ribIn, err := net.GetRibIn(ids["b0"])
	require.NoError(t, err)
	assert.Empty(t, ribIn[p])

	fs, err := net.GetForwardingState()
	require.NoError(t, err)
	assert.True(t, fs.IsBlackHole(ids["b0"], p))
	_, err = fs.GetPaths(ids["b0"], p)
	var hole *BlackHoleError
	require.ErrorAs(t, err, &hole)
}

func TestIBgpNonTransitivity(t *testing.T) {
	// x -- y -- z with plain peer sessions: a route y learns from its
	// peer x must never reach z
	net := CreateNetwork(SimplePrefix, GlobalOspf, nil)
	net.SetLogger(discardLogger())
	x, _ := net.AddRouter("x")
	y, _ := net.AddRouter("y")
	z, _ := net.AddRouter("z")
	e, _ := net.AddExternalRouter("e", 7)

	require.NoError(t, net.AddLink(e, x))
	require.NoError(t, net.AddLink(x, y))
	require.NoError(t, net.AddLink(y, z))
	require.NoError(t, net.SetBgpSession(x, e, sessionType(EBgp)))
	require.NoError(t, net.SetBgpSession(x, y, sessionType(IBgpPeer)))
	require.NoError(t, net.SetBgpSession(y, z, sessionType(IBgpPeer)))

	p := mp("50.0.0.0/8")
	require.NoError(t, net.AdvertiseExternalRoute(e, p, []AsN{7}, 0, nil))
	require.NoError(t, net.Simulate())

	// y selected the route but did not pass it on
	ribY, err := net.GetRib(y)
	require.NoError(t, err)
	require.Len(t, ribY, 1)

	ribOutY, err := net.GetRibOut(y)
	require.NoError(t, err)
	assert.Empty(t, ribOutY[p])

	ribZ, err := net.GetRibIn(z)
	require.NoError(t, err)
	assert.Empty(t, ribZ[p])
}

func TestLoopFreeAsPathsInvariant(t *testing.T) {
	net, ids := lineTopology(t, SimplePrefix, nil)
	p := mp("100.0.0.0/8")

	// a path already carrying the internal AS must be dropped at ingress
	require.NoError(t, net.AdvertiseExternalRoute(ids["e0"], p, []AsN{1, AsN(DefaultInternalAsn), 3}, 0, nil))
	require.NoError(t, net.Simulate())

	for _, name := range []string{"b0", "r0", "r1", "b1"} {
		ribIn, err := net.GetRibIn(ids[name])
		require.NoError(t, err)
		for _, entries := range ribIn {
			for _, entry := range entries {
				for _, asn := range entry.Route.AsPath {
					assert.NotEqual(t, DefaultInternalAsn, asn)
				}
			}
		}
	}
	fs, err := net.GetForwardingState()
	require.NoError(t, err)
	assert.True(t, fs.IsBlackHole(ids["b0"], p))
}

func TestDeterministicConvergence(t *testing.T) {
	run := func() []byte {
		net, ids := lineTopology(t, SimplePrefix, nil)
		p := mp("100.0.0.0/8")
		require.NoError(t, net.AdvertiseExternalRoute(ids["e0"], p, []AsN{1, 2, 3}, 0, nil))
		require.NoError(t, net.AdvertiseExternalRoute(ids["e1"], p, []AsN{2, 3}, 0, nil))
		require.NoError(t, net.Simulate())
		bytes, err := yaml.Marshal(net.Transform())
		require.NoError(t, err)
		return bytes
	}
	assert.Equal(t, string(run()), string(run()))
}

func TestConvergenceIdempotence(t *testing.T) {
	net, ids := lineTopology(t, SimplePrefix, nil)
	p := mp("100.0.0.0/8")
	require.NoError(t, net.AdvertiseExternalRoute(ids["e0"], p, []AsN{1, 2, 3}, 0, nil))
	require.NoError(t, net.Simulate())

	require.Equal(t, 0, net.Queue().Len())
	require.NoError(t, net.Simulate())
	assert.Equal(t, 0, net.Queue().Len())
	assert.False(t, net.Step())
}

func TestNoConvergenceBudget(t *testing.T) {
	net, ids := lineTopology(t, SimplePrefix, nil)
	net.SetStepLimit(1)
	p := mp("100.0.0.0/8")
	require.NoError(t, net.AdvertiseExternalRoute(ids["e0"], p, []AsN{1, 2, 3}, 0, nil))
	require.ErrorIs(t, net.Simulate(), ErrNoConvergence)

	// the partial state remains inspectable and the run can be resumed
	_, err := net.GetForwardingState()
	require.ErrorIs(t, err, ErrNotConverged)
	net.SetStepLimit(DefaultStopAfter)
	require.NoError(t, net.Simulate())
}

func TestValidationErrors(t *testing.T) {
	net := CreateNetwork(SimplePrefix, GlobalOspf, nil)
	net.SetLogger(discardLogger())
	a, _ := net.AddRouter("a")
	b, _ := net.AddRouter("b")
	require.NoError(t, net.AddLink(a, b))

	var topo *InvalidTopologyError
	var cfg *InvalidConfigurationError
	var missing *NotFoundError

	require.ErrorAs(t, net.AddLink(a, b), &topo)
	require.ErrorAs(t, net.AddLink(a, a), &topo)
	require.ErrorAs(t, net.AddLink(a, Rid(99)), &topo)
	require.ErrorAs(t, net.SetLinkWeight(a, b, -1.0), &cfg)
	require.ErrorAs(t, net.SetLinkWeight(a, Rid(99), 1.0), &missing)
	require.ErrorAs(t, net.SetBgpSession(a, b, sessionType(EBgp)), &cfg)

	_, err := net.AddRouter("a")
	require.ErrorAs(t, err, &topo)

	// withdrawing an unknown external router
	require.ErrorAs(t, net.WithdrawExternalRoute(Rid(42), mp("1.0.0.0/8")), &missing)
}

func TestSessionTeardownWithdraws(t *testing.T) {
	net, ids := lineTopology(t, SimplePrefix, nil)
	p := mp("100.0.0.0/8")
	require.NoError(t, net.AdvertiseExternalRoute(ids["e1"], p, []AsN{2, 3}, 0, nil))
	require.NoError(t, net.Simulate())

	// dropping the edge session removes the only route from the AS
	require.NoError(t, net.SetBgpSession(ids["b1"], ids["e1"], nil))
	require.NoError(t, net.Simulate())

	for _, name := range []string{"b0", "r0", "r1", "b1"} {
		rib, err := net.GetRib(ids[name])
		require.NoError(t, err)
		assert.Empty(t, rib, name)
	}
}

func TestSingletonPrefixPinned(t *testing.T) {
	net := CreateNetwork(SinglePrefix, GlobalOspf, nil)
	net.SetLogger(discardLogger())
	e, _ := net.AddExternalRouter("e", 7)

	require.NoError(t, net.AdvertiseExternalRoute(e, mp("10.0.0.0/8"), []AsN{7}, 0, nil))
	var cfg *InvalidConfigurationError
	require.ErrorAs(t, net.AdvertiseExternalRoute(e, mp("20.0.0.0/8"), []AsN{7}, 0, nil), &cfg)
}

func TestTraceManagerRecordsEvents(t *testing.T) {
	net := CreateNetwork(SimplePrefix, GlobalOspf, nil)
	net.SetLogger(discardLogger())
	tm := CreateTraceManager("trace-test", true)
	net.SetTraceManager(tm)

	x, _ := net.AddRouter("x")
	e, _ := net.AddExternalRouter("e", 7)
	require.NoError(t, net.AddLink(e, x))
	require.NoError(t, net.SetBgpSession(x, e, sessionType(EBgp)))

	p := mp("50.0.0.0/8")
	require.NoError(t, net.AdvertiseExternalRoute(e, p, []AsN{7}, 0, nil))
	require.NoError(t, net.Simulate())

	require.True(t, tm.Active())
	assert.Equal(t, "x", tm.NameByID[int(x)].Name)
	// the advertisement was delivered to x and traced there
	assert.NotEmpty(t, tm.Traces[int(x)])

	filename := filepath.Join(t.TempDir(), "trace.yaml")
	assert.True(t, tm.WriteToFile(filename))
}
