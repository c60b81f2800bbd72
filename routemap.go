package cpsim

// routemap.go implements the match/modify rules applied to routes at
// session ingress and egress. A route map is an ordered list of clauses;
// clauses are evaluated in ascending order key until one terminates the
// scan. The Continue action falls through to a later clause, carrying the
// mutations applied so far; back-jumps are rejected at configuration time
// so evaluation always terminates.

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// RouteMapDirection tells whether a map applies to routes received from a
// peer or sent to it.
type RouteMapDirection int

const (
	Ingress RouteMapDirection = iota
	Egress
)

func (d RouteMapDirection) String() string {
	if d == Ingress {
		return "in"
	}
	return "out"
}

// RouteMapAction decides what happens when a clause matches.
type RouteMapAction int

const (
	// Allow applies the clause setters and terminates the scan.
	Allow RouteMapAction = iota
	// Deny drops the route and terminates the scan.
	Deny
	// Continue applies the setters and resumes at a later clause.
	Continue
)

func (a RouteMapAction) String() string {
	switch a {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "continue"
	}
}

// A RouteMapMatch is one predicate of a clause. All predicates of a clause
// must hold for the clause to match. The zero values of unused fields are
// ignored; Kind selects which field is consulted.
type RouteMapMatch struct {
	Kind MatchKind

	Prefixes     []netip.Prefix // MatchPrefix: any listed prefix matches exactly
	Asn          AsN            // MatchAsPathContains
	PathLenLo    int            // MatchAsPathLength (inclusive range)
	PathLenHi    int
	PathPattern  string // MatchAsPathRegexp, over the space-joined path
	Community    Community
	NextHop      Rid
	Peer         Rid

	pathRe *regexp.Regexp
}

// MatchKind enumerates the predicate types of a route-map clause.
type MatchKind int

const (
	MatchPrefix MatchKind = iota
	MatchAsPathContains
	MatchAsPathLength
	MatchAsPathRegexp
	MatchCommunity
	MatchNotCommunity
	MatchNextHop
	MatchPeer
)

// matches evaluates the predicate against a candidate rib entry.
func (m *RouteMapMatch) matches(entry *RibEntry) bool {
	switch m.Kind {
	case MatchPrefix:
		return slices.Contains(m.Prefixes, entry.Route.Prefix)
	case MatchAsPathContains:
		return slices.Contains(entry.Route.AsPath, m.Asn)
	case MatchAsPathLength:
		n := len(entry.Route.AsPath)
		return m.PathLenLo <= n && n <= m.PathLenHi
	case MatchAsPathRegexp:
		return m.pathRe != nil && m.pathRe.MatchString(fmtAsPath(entry.Route.AsPath))
	case MatchCommunity:
		return hasCommunity(entry.Route.Communities, m.Community)
	case MatchNotCommunity:
		return !hasCommunity(entry.Route.Communities, m.Community)
	case MatchNextHop:
		return entry.Route.NextHop == m.NextHop
	case MatchPeer:
		return entry.FromID == m.Peer
	}
	return false
}

// fmtAsPath renders an AS path the way operators write them, for regexp
// matching: most recent AS first, space separated.
func fmtAsPath(path []AsN) string {
	parts := make([]string, 0, len(path))
	for _, asn := range path {
		parts = append(parts, strconv.FormatUint(uint64(asn), 10))
	}
	return strings.Join(parts, " ")
}

// SetKind enumerates the attribute modifications of a clause.
type SetKind int

const (
	SetLocalPref SetKind = iota
	SetMed
	SetWeight
	SetIgpCost
	SetNextHop
	SetAddCommunity
	SetDelCommunity
	SetPrependAsPath
)

// A RouteMapSet is one attribute modification applied on a matching Allow
// or Continue clause.
type RouteMapSet struct {
	Kind SetKind

	LocalPref uint32
	Med       uint32
	Weight    uint32
	IgpCost   LinkWeight
	NextHop   Rid
	Community Community
	Prepend   []AsN
}

// apply mutates the entry in place.
func (s *RouteMapSet) apply(entry *RibEntry) {
	switch s.Kind {
	case SetLocalPref:
		entry.Route.LocalPref = s.LocalPref
	case SetMed:
		entry.Route.Med = s.Med
	case SetWeight:
		entry.Weight = s.Weight
	case SetIgpCost:
		entry.IgpCost = s.IgpCost
	case SetNextHop:
		entry.Route.NextHop = s.NextHop
		// force the igp cost to be looked up again for the new hop
		entry.IgpCost = igpCostUnset
	case SetAddCommunity:
		entry.Route.Communities = addCommunity(entry.Route.Communities, s.Community)
	case SetDelCommunity:
		entry.Route.Communities = delCommunity(entry.Route.Communities, s.Community)
	case SetPrependAsPath:
		entry.Route.AsPath = append(slices.Clone(s.Prepend), entry.Route.AsPath...)
	}
}

// A RouteMapClause is one rule of a route map. Clauses with a lower Order
// are evaluated first.
type RouteMapClause struct {
	Order  int
	Action RouteMapAction
	Conds  []RouteMapMatch
	Sets   []RouteMapSet

	// ContinueAt names the order key evaluation resumes at after a
	// matching Continue clause. Zero resumes at the next clause.
	ContinueAt int
}

// matches reports whether all predicates of the clause hold.
func (rm *RouteMapClause) matches(entry *RibEntry) bool {
	for i := range rm.Conds {
		if !rm.Conds[i].matches(entry) {
			return false
		}
	}
	return true
}

// validate compiles regexp predicates and rejects back-jumping Continue
// targets.
func (rm *RouteMapClause) validate() error {
	if rm.Action == Continue && rm.ContinueAt != 0 && rm.ContinueAt <= rm.Order {
		return &InvalidConfigurationError{
			Reason: fmt.Sprintf("route-map clause %d continues backwards to %d", rm.Order, rm.ContinueAt),
		}
	}
	for i := range rm.Conds {
		cond := &rm.Conds[i]
		if cond.Kind != MatchAsPathRegexp {
			continue
		}
		re, err := regexp.Compile(cond.PathPattern)
		if err != nil {
			return &InvalidConfigurationError{
				Reason: fmt.Sprintf("route-map clause %d: bad as-path pattern %q: %v", rm.Order, cond.PathPattern, err),
			}
		}
		cond.pathRe = re
	}
	return nil
}

// applyRouteMaps runs a route through a clause list sorted by order key.
// The return is nil when the route is denied. The input entry is not
// modified; mutations happen on a copy.
func applyRouteMaps(maps []*RouteMapClause, entry *RibEntry) *RibEntry {
	route := entry.clone()

	// waitFor is the resumption cursor left behind by a Continue clause
	// that names an explicit target order
	waitFor := 0
	skipping := false
	for _, clause := range maps {
		if skipping {
			if clause.Order < waitFor {
				continue
			}
			skipping = false
		}
		if !clause.matches(route) {
			continue
		}
		switch clause.Action {
		case Deny:
			return nil
		case Allow:
			for i := range clause.Sets {
				clause.Sets[i].apply(route)
			}
			return route
		case Continue:
			for i := range clause.Sets {
				clause.Sets[i].apply(route)
			}
			if clause.ContinueAt != 0 {
				waitFor = clause.ContinueAt
				skipping = true
			}
		}
	}

	// implicit permit-all at the end of every map
	return route
}
