package cpsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// candidate builds a processed rib entry with sensible defaults that the
// individual tests override.
func candidate(from Rid, mut func(*RibEntry)) *RibEntry {
	entry := &RibEntry{
		Route: &BgpRoute{
			Prefix:    mp("100.0.0.0/8"),
			AsPath:    []AsN{1, 2},
			NextHop:   from,
			LocalPref: DefaultLocalPref,
		},
		FromType: IBgpPeer,
		FromID:   from,
		IgpCost:  10,
		Weight:   DefaultWeight,
	}
	if mut != nil {
		mut(entry)
	}
	return entry
}

func TestDecisionWeightDominates(t *testing.T) {
	a := candidate(1, func(e *RibEntry) { e.Weight = 200; e.Route.LocalPref = 1 })
	b := candidate(2, func(e *RibEntry) { e.Route.LocalPref = 900 })
	assert.True(t, betterEntry(a, b))
	assert.False(t, betterEntry(b, a))
}

func TestDecisionLocalPrefBeatsPathLength(t *testing.T) {
	a := candidate(1, func(e *RibEntry) {
		e.Route.LocalPref = 200
		e.Route.AsPath = []AsN{1, 2, 3, 4}
	})
	b := candidate(2, func(e *RibEntry) { e.Route.AsPath = []AsN{1} })
	assert.True(t, betterEntry(a, b))
}

func TestDecisionShorterAsPath(t *testing.T) {
	a := candidate(1, func(e *RibEntry) { e.Route.AsPath = []AsN{2, 3} })
	b := candidate(2, func(e *RibEntry) { e.Route.AsPath = []AsN{1, 2, 3} })
	assert.True(t, betterEntry(a, b))
}

func TestDecisionOriginPreference(t *testing.T) {
	a := candidate(1, func(e *RibEntry) { e.Route.Origin = OriginIgp })
	b := candidate(2, func(e *RibEntry) { e.Route.Origin = OriginIncomplete })
	assert.True(t, betterEntry(a, b))
}

func TestDecisionMedOnlyWithinSameNeighborAs(t *testing.T) {
	// same leftmost AS: lower MED wins
	a := candidate(1, func(e *RibEntry) { e.Route.Med = 5 })
	b := candidate(2, func(e *RibEntry) { e.Route.Med = 10 })
	assert.True(t, betterEntry(a, b))

	// different leftmost AS: MED is skipped and the tie falls through,
	// here to the lower igp cost
	c := candidate(1, func(e *RibEntry) {
		e.Route.AsPath = []AsN{7, 2}
		e.Route.Med = 50
		e.IgpCost = 1
	})
	d := candidate(2, func(e *RibEntry) { e.Route.Med = 5; e.IgpCost = 9 })
	assert.True(t, betterEntry(c, d))
}

func TestDecisionEBgpOverIBgp(t *testing.T) {
	a := candidate(1, func(e *RibEntry) { e.FromType = EBgp; e.IgpCost = 0 })
	b := candidate(2, func(e *RibEntry) { e.IgpCost = 0 })
	assert.True(t, betterEntry(a, b))
}

func TestDecisionIgpCost(t *testing.T) {
	a := candidate(1, func(e *RibEntry) { e.IgpCost = 3 })
	b := candidate(2, func(e *RibEntry) { e.IgpCost = 8 })
	assert.True(t, betterEntry(a, b))
}

func TestDecisionReflectionTieBreaks(t *testing.T) {
	// same next hop, originator decides
	a := candidate(4, func(e *RibEntry) { e.Route.NextHop = 9; e.Route.OriginatorID = 2 })
	b := candidate(3, func(e *RibEntry) { e.Route.NextHop = 9; e.Route.OriginatorID = 5 })
	assert.True(t, betterEntry(a, b))

	// same originator, shorter cluster list decides
	c := candidate(4, func(e *RibEntry) {
		e.Route.NextHop = 9
		e.Route.OriginatorID = 2
		e.Route.ClusterList = []Rid{11}
	})
	d := candidate(3, func(e *RibEntry) {
		e.Route.NextHop = 9
		e.Route.OriginatorID = 2
		e.Route.ClusterList = []Rid{11, 12}
	})
	assert.True(t, betterEntry(c, d))
}

func TestDecisionTotality(t *testing.T) {
	// identical attributes except the neighbor id: exactly one wins
	a := candidate(1, func(e *RibEntry) { e.Route.NextHop = 9 })
	b := candidate(2, func(e *RibEntry) { e.Route.NextHop = 9 })
	assert.True(t, betterEntry(a, b))
	assert.False(t, betterEntry(b, a))
}

func TestInsertRouteDropsOwnAsLoop(t *testing.T) {
	proc := createBgpProc(1, 65500, SimplePrefix, discardLogger())
	proc.sessions[5] = bgpSession{peerAsn: 7, typ: EBgp}

	route := &BgpRoute{Prefix: mp("100.0.0.0/8"), AsPath: []AsN{7, 65500, 3}, NextHop: 5}
	_, accepted := proc.insertRoute(route, 5)
	assert.False(t, accepted)

	route2 := &BgpRoute{Prefix: mp("100.0.0.0/8"), AsPath: []AsN{7, 3}, NextHop: 5}
	_, accepted = proc.insertRoute(route2, 5)
	assert.True(t, accepted)
}

func TestInsertRouteDropsReflectionLoops(t *testing.T) {
	proc := createBgpProc(4, 65500, SimplePrefix, discardLogger())
	proc.sessions[5] = bgpSession{peerAsn: 65500, typ: IBgpPeer}

	byOriginator := &BgpRoute{Prefix: mp("100.0.0.0/8"), NextHop: 5, OriginatorID: 4}
	_, accepted := proc.insertRoute(byOriginator, 5)
	assert.False(t, accepted)

	byCluster := &BgpRoute{Prefix: mp("100.0.0.0/8"), NextHop: 5, ClusterList: []Rid{9, 4}}
	_, accepted = proc.insertRoute(byCluster, 5)
	assert.False(t, accepted)
}

func TestProcessRibInFiltersUnreachableNextHop(t *testing.T) {
	proc := createBgpProc(1, 65500, SimplePrefix, discardLogger())
	proc.sessions[5] = bgpSession{peerAsn: 65500, typ: IBgpPeer}

	entry := &RibEntry{
		Route:    &BgpRoute{Prefix: mp("100.0.0.0/8"), NextHop: 9},
		FromType: IBgpPeer,
		FromID:   5,
		IgpCost:  igpCostUnset,
		Weight:   DefaultWeight,
	}
	// next hop 9 is not in the igp table
	assert.Nil(t, proc.processRibInRoute(entry))

	proc.igpCost[9] = 4.0
	out := proc.processRibInRoute(entry)
	require.NotNil(t, out)
	assert.Equal(t, 4.0, out.IgpCost)
	assert.Equal(t, DefaultLocalPref, out.Route.LocalPref)
}
