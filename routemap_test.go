package cpsim

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry() *RibEntry {
	return &RibEntry{
		Route: &BgpRoute{
			Prefix:      mp("100.0.0.0/8"),
			AsPath:      []AsN{1, 2, 3},
			NextHop:     5,
			LocalPref:   DefaultLocalPref,
			Communities: []Community{{Asn: 1, Num: 42}},
		},
		FromType: EBgp,
		FromID:   5,
		IgpCost:  igpCostUnset,
		Weight:   DefaultWeight,
	}
}

func TestRouteMapDenyTerminates(t *testing.T) {
	maps := []*RouteMapClause{
		{Order: 10, Action: Deny, Conds: []RouteMapMatch{
			{Kind: MatchCommunity, Community: Community{Asn: 1, Num: 42}},
		}},
		{Order: 20, Action: Allow, Sets: []RouteMapSet{
			{Kind: SetLocalPref, LocalPref: 500},
		}},
	}
	assert.Nil(t, applyRouteMaps(maps, testEntry()))

	// without the community the deny does not fire and the allow does
	entry := testEntry()
	entry.Route.Communities = nil
	out := applyRouteMaps(maps, entry)
	require.NotNil(t, out)
	assert.Equal(t, uint32(500), out.Route.LocalPref)
}

func TestRouteMapAllowTerminatesScan(t *testing.T) {
	maps := []*RouteMapClause{
		{Order: 10, Action: Allow, Sets: []RouteMapSet{
			{Kind: SetMed, Med: 30},
		}},
		{Order: 20, Action: Allow, Sets: []RouteMapSet{
			{Kind: SetMed, Med: 99},
		}},
	}
	out := applyRouteMaps(maps, testEntry())
	require.NotNil(t, out)
	assert.Equal(t, uint32(30), out.Route.Med)
}

func TestRouteMapContinueRetainsMutations(t *testing.T) {
	maps := []*RouteMapClause{
		{Order: 10, Action: Continue, Sets: []RouteMapSet{
			{Kind: SetAddCommunity, Community: Community{Asn: 9, Num: 1}},
		}},
		{Order: 20, Action: Allow, Sets: []RouteMapSet{
			{Kind: SetLocalPref, LocalPref: 250},
		}},
	}
	out := applyRouteMaps(maps, testEntry())
	require.NotNil(t, out)
	assert.True(t, hasCommunity(out.Route.Communities, Community{Asn: 9, Num: 1}))
	assert.Equal(t, uint32(250), out.Route.LocalPref)
}

func TestRouteMapContinueAtSkipsIntermediateClauses(t *testing.T) {
	maps := []*RouteMapClause{
		{Order: 10, Action: Continue, ContinueAt: 30, Sets: []RouteMapSet{
			{Kind: SetWeight, Weight: 7},
		}},
		{Order: 20, Action: Deny},
		{Order: 30, Action: Allow, Sets: []RouteMapSet{
			{Kind: SetMed, Med: 11},
		}},
	}
	out := applyRouteMaps(maps, testEntry())
	require.NotNil(t, out)
	assert.Equal(t, uint32(7), out.Weight)
	assert.Equal(t, uint32(11), out.Route.Med)
}

func TestRouteMapImplicitPermit(t *testing.T) {
	maps := []*RouteMapClause{
		{Order: 10, Action: Deny, Conds: []RouteMapMatch{
			{Kind: MatchNextHop, NextHop: 99},
		}},
	}
	out := applyRouteMaps(maps, testEntry())
	require.NotNil(t, out)
	assert.Equal(t, testEntry().Route.NextHop, out.Route.NextHop)
}

func TestRouteMapSetters(t *testing.T) {
	maps := []*RouteMapClause{
		{Order: 10, Action: Allow, Sets: []RouteMapSet{
			{Kind: SetPrependAsPath, Prepend: []AsN{7, 7}},
			{Kind: SetDelCommunity, Community: Community{Asn: 1, Num: 42}},
			{Kind: SetIgpCost, IgpCost: 5.0},
			{Kind: SetNextHop, NextHop: 8},
		}},
	}
	out := applyRouteMaps(maps, testEntry())
	require.NotNil(t, out)
	assert.Equal(t, []AsN{7, 7, 1, 2, 3}, out.Route.AsPath)
	assert.Empty(t, out.Route.Communities)
	assert.Equal(t, Rid(8), out.Route.NextHop)
	// a next-hop rewrite forces the igp cost to be looked up again
	assert.Equal(t, igpCostUnset, out.IgpCost)
}

func TestRouteMapMatchPredicates(t *testing.T) {
	entry := testEntry()

	cases := []struct {
		name string
		cond RouteMapMatch
		want bool
	}{
		{"prefix hit", RouteMapMatch{Kind: MatchPrefix, Prefixes: []netip.Prefix{mp("100.0.0.0/8")}}, true},
		{"prefix miss", RouteMapMatch{Kind: MatchPrefix, Prefixes: []netip.Prefix{mp("99.0.0.0/8")}}, false},
		{"as-path contains", RouteMapMatch{Kind: MatchAsPathContains, Asn: 2}, true},
		{"as-path absent", RouteMapMatch{Kind: MatchAsPathContains, Asn: 9}, false},
		{"as-path length", RouteMapMatch{Kind: MatchAsPathLength, PathLenLo: 2, PathLenHi: 4}, true},
		{"as-path too long", RouteMapMatch{Kind: MatchAsPathLength, PathLenLo: 0, PathLenHi: 2}, false},
		{"community", RouteMapMatch{Kind: MatchCommunity, Community: Community{Asn: 1, Num: 42}}, true},
		{"not community", RouteMapMatch{Kind: MatchNotCommunity, Community: Community{Asn: 1, Num: 42}}, false},
		{"next hop", RouteMapMatch{Kind: MatchNextHop, NextHop: 5}, true},
		{"peer", RouteMapMatch{Kind: MatchPeer, Peer: 5}, true},
		{"wrong peer", RouteMapMatch{Kind: MatchPeer, Peer: 6}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.cond.matches(entry), tc.name)
	}
}

func TestRouteMapAsPathRegexp(t *testing.T) {
	clause := &RouteMapClause{
		Order:  10,
		Action: Deny,
		Conds:  []RouteMapMatch{{Kind: MatchAsPathRegexp, PathPattern: `^1 `}},
	}
	require.NoError(t, clause.validate())

	assert.Nil(t, applyRouteMaps([]*RouteMapClause{clause}, testEntry()))

	entry := testEntry()
	entry.Route.AsPath = []AsN{2, 3}
	assert.NotNil(t, applyRouteMaps([]*RouteMapClause{clause}, entry))
}

func TestRouteMapValidation(t *testing.T) {
	bad := &RouteMapClause{Order: 10, Action: Continue, ContinueAt: 5}
	var cfgErr *InvalidConfigurationError
	require.ErrorAs(t, bad.validate(), &cfgErr)

	badRe := &RouteMapClause{
		Order:  10,
		Action: Allow,
		Conds:  []RouteMapMatch{{Kind: MatchAsPathRegexp, PathPattern: "("}},
	}
	require.ErrorAs(t, badRe.validate(), &cfgErr)
}
