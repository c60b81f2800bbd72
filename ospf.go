package cpsim

// ospf.go computes the IGP state: per router, the cost to every other
// router and the set of equal-cost first hops realizing it. The shortest
// path trees are computed per area with the gonum graph machinery; routes
// between areas are assembled from area-border summaries carried through
// the backbone, and intra-area routes always dominate inter-area ones.
//
// Two variants share the computation. Under GlobalOspf one authoritative
// link-state database exists and every table is rewritten atomically when
// the topology changes; no messages flow. Under DistributedOspf every
// router owns a copy of the database, synchronized by flooding LsaRecords
// through the event queue, and recomputes only its own table.

import (
	"math"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// OspfVariant selects how link-state information spreads.
type OspfVariant int

const (
	GlobalOspf OspfVariant = iota
	DistributedOspf
)

func (v OspfVariant) String() string {
	if v == GlobalOspf {
		return "global"
	}
	return "distributed"
}

// An LsaRecord describes one directed link. Records are versioned by Seq;
// a record replaces a stored one only if its Seq is higher.
type LsaRecord struct {
	Src      Rid       `json:"src" yaml:"src"`
	Dst      Rid       `json:"dst" yaml:"dst"`
	Area     OspfArea  `json:"area" yaml:"area"`
	Weight   LinkWeight `json:"weight" yaml:"weight"`
	Up       bool      `json:"up" yaml:"up"`
	External bool      `json:"external" yaml:"external"`
	Seq      int       `json:"seq" yaml:"seq"`
}

type linkKey struct {
	src, dst Rid
}

// lsdb is a link-state database: the latest record per directed link.
type lsdb struct {
	records map[linkKey]*LsaRecord
}

func createLsdb() *lsdb {
	return &lsdb{records: make(map[linkKey]*LsaRecord)}
}

// apply merges a record and reports whether the database changed.
func (db *lsdb) apply(lsa *LsaRecord) bool {
	key := linkKey{src: lsa.Src, dst: lsa.Dst}
	stored, present := db.records[key]
	if present && stored.Seq >= lsa.Seq {
		return false
	}
	cp := *lsa
	db.records[key] = &cp
	return true
}

func (db *lsdb) clone() *lsdb {
	cp := createLsdb()
	for key, lsa := range db.records {
		rec := *lsa
		cp.records[key] = &rec
	}
	return cp
}

// sortedRecords returns the records in a reproducible order.
func (db *lsdb) sortedRecords() []*LsaRecord {
	recs := make([]*LsaRecord, 0, len(db.records))
	for _, lsa := range db.records {
		recs = append(recs, lsa)
	}
	slices.SortFunc(recs, func(a, b *LsaRecord) int {
		if a.Src != b.Src {
			return int(a.Src - b.Src)
		}
		return int(a.Dst - b.Dst)
	})
	return recs
}

// neighborsOf lists the internal routers adjacent to r over usable links.
func (db *lsdb) neighborsOf(r Rid) []Rid {
	var nbrs []Rid
	for _, lsa := range db.sortedRecords() {
		if lsa.Src != r || lsa.External || !lsa.Up {
			continue
		}
		if !slices.Contains(nbrs, lsa.Dst) {
			nbrs = append(nbrs, lsa.Dst)
		}
	}
	return nbrs
}

// ospfEntry is one row of a router's IGP table: how to reach one
// destination router.
type ospfEntry struct {
	// NextHops is the equal-cost set of directly connected first hops.
	NextHops []Rid
	Cost     LinkWeight
}

// ospfProc is the per-router IGP state. Under the global variant only the
// table is populated; under the distributed variant the router also owns
// its database copy.
type ospfProc struct {
	rid   Rid
	table map[Rid]ospfEntry
	db    *lsdb
}

func createOspfProc(rid Rid, variant OspfVariant) *ospfProc {
	proc := &ospfProc{rid: rid, table: map[Rid]ospfEntry{rid: {Cost: 0}}}
	if variant == DistributedOspf {
		proc.db = createLsdb()
	}
	return proc
}

// handleLsa merges a flooded record into the router's database copy. On a
// change the router recomputes its own table and re-floods the record to
// every neighbor except the sender. The returned flag tells the caller
// whether BGP must re-read the IGP costs.
func (proc *ospfProc) handleLsa(from Rid, lsa *LsaRecord, routers, externals []Rid) (bool, []*Event) {
	if !proc.db.apply(lsa) {
		return false, nil
	}
	tables := computeOspfTables(proc.db, routers, externals)
	proc.table = tables[proc.rid]

	var events []*Event
	for _, nbr := range proc.db.neighborsOf(proc.rid) {
		if nbr == from {
			continue
		}
		events = append(events, lsaEvent(proc.rid, nbr, lsa))
	}
	return true, events
}

// nextHopsTo reads the router's table.
func (proc *ospfProc) nextHopsTo(dst Rid) ([]Rid, LinkWeight) {
	entry, present := proc.table[dst]
	if !present {
		return nil, math.Inf(1)
	}
	return entry.NextHops, entry.Cost
}

// areaSolve wraps the all-pairs shortest paths of one area's subgraph.
type areaSolve struct {
	members map[Rid]bool
	paths   path.AllShortest
}

// dist returns the cost between two area members and the equal-cost set of
// first hops out of src.
func (as *areaSolve) dist(src, dst Rid) (LinkWeight, []Rid) {
	if !as.members[src] || !as.members[dst] {
		return math.Inf(1), nil
	}
	if src == dst {
		return 0, nil
	}
	allPaths, weight := as.paths.AllBetween(int64(src), int64(dst))
	if len(allPaths) == 0 || math.IsInf(weight, 1) {
		return math.Inf(1), nil
	}
	var hops []Rid
	for _, p := range allPaths {
		if len(p) < 2 {
			continue
		}
		hop := Rid(p[1].ID())
		if !slices.Contains(hops, hop) {
			hops = append(hops, hop)
		}
	}
	slices.Sort(hops)
	return weight, hops
}

// solveAreas builds the per-area shortest-path structures from a database.
func solveAreas(db *lsdb) map[OspfArea]*areaSolve {
	graphs := make(map[OspfArea]*simple.WeightedDirectedGraph)
	members := make(map[OspfArea]map[Rid]bool)

	for _, lsa := range db.sortedRecords() {
		if lsa.External || !lsa.Up || math.IsInf(lsa.Weight, 1) {
			continue
		}
		g, present := graphs[lsa.Area]
		if !present {
			g = simple.NewWeightedDirectedGraph(0, math.Inf(1))
			graphs[lsa.Area] = g
			members[lsa.Area] = make(map[Rid]bool)
		}
		if g.Node(int64(lsa.Src)) == nil {
			g.AddNode(simple.Node(lsa.Src))
		}
		if g.Node(int64(lsa.Dst)) == nil {
			g.AddNode(simple.Node(lsa.Dst))
		}
		g.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(lsa.Src),
			T: simple.Node(lsa.Dst),
			W: lsa.Weight,
		})
		members[lsa.Area][lsa.Src] = true
		members[lsa.Area][lsa.Dst] = true
	}

	solved := make(map[OspfArea]*areaSolve, len(graphs))
	for area, g := range graphs {
		solved[area] = &areaSolve{
			members: members[area],
			paths:   path.DijkstraAllPaths(g),
		}
	}
	return solved
}

// areasOf returns the areas a router participates in, backbone first.
func areasOf(solved map[OspfArea]*areaSolve, r Rid) []OspfArea {
	var areas []OspfArea
	for area, as := range solved {
		if as.members[r] {
			areas = append(areas, area)
		}
	}
	slices.Sort(areas)
	return areas
}

// computeOspfTables computes the full (router, destination) cost and
// next-hop structure from one link-state database.
func computeOspfTables(db *lsdb, routers, externals []Rid) map[Rid]map[Rid]ospfEntry {
	solved := solveAreas(db)

	// intra looks up the best intra-area route over all shared areas
	intra := func(src, dst Rid) (LinkWeight, []Rid) {
		best := math.Inf(1)
		var hops []Rid
		for _, area := range areasOf(solved, src) {
			cost, areaHops := solved[area].dist(src, dst)
			switch {
			case cost < best:
				best = cost
				hops = slices.Clone(areaHops)
			case cost == best && !math.IsInf(cost, 1):
				hops = mergeHops(hops, areaHops)
			}
		}
		return best, hops
	}

	backbone := solved[Backbone]
	inBackbone := func(r Rid) bool { return backbone != nil && backbone.members[r] }

	// backboneCost resolves a destination from the viewpoint of a
	// backbone router, using area summaries for destinations outside it
	backboneCost := func(src, dst Rid) (LinkWeight, []Rid) {
		best, hops := intra(src, dst)
		for _, area := range areasOf(solved, dst) {
			if area.IsBackbone() {
				continue
			}
			// the area's border routers summarize dst into the backbone
			for abr := range solved[area].members {
				if !inBackbone(abr) {
					continue
				}
				toAbr, abrHops := backbone.dist(src, abr)
				fromAbr, insideHops := solved[area].dist(abr, dst)
				cost := toAbr + fromAbr
				if math.IsInf(cost, 1) {
					continue
				}
				stepHops := abrHops
				if src == abr {
					stepHops = insideHops
				}
				switch {
				case cost < best:
					best = cost
					hops = slices.Clone(stepHops)
				case cost == best:
					hops = mergeHops(hops, stepHops)
				}
			}
		}
		return best, hops
	}

	// reach resolves any internal destination from any internal router
	reach := func(src, dst Rid) (LinkWeight, []Rid) {
		if src == dst {
			return 0, nil
		}
		if cost, hops := intra(src, dst); !math.IsInf(cost, 1) {
			return cost, hops
		}
		if inBackbone(src) {
			return backboneCost(src, dst)
		}
		// a router inside a stub area reaches the rest of the network
		// through the border routers of its own areas
		best := math.Inf(1)
		var hops []Rid
		for _, area := range areasOf(solved, src) {
			for abr := range solved[area].members {
				if !inBackbone(abr) || abr == src {
					continue
				}
				toAbr, abrHops := solved[area].dist(src, abr)
				fromAbr, _ := backboneCost(abr, dst)
				cost := toAbr + fromAbr
				if math.IsInf(cost, 1) {
					continue
				}
				switch {
				case cost < best:
					best = cost
					hops = slices.Clone(abrHops)
				case cost == best:
					hops = mergeHops(hops, abrHops)
				}
			}
		}
		return best, hops
	}

	tables := make(map[Rid]map[Rid]ospfEntry, len(routers))
	for _, src := range routers {
		table := map[Rid]ospfEntry{src: {Cost: 0}}
		for _, dst := range routers {
			if dst == src {
				continue
			}
			cost, hops := reach(src, dst)
			if math.IsInf(cost, 1) {
				continue
			}
			table[dst] = ospfEntry{NextHops: hops, Cost: cost}
		}
		tables[src] = table
	}

	// external routers are as-external destinations: reachable through
	// whichever internal router their link attaches to
	for _, ext := range externals {
		for _, lsa := range db.sortedRecords() {
			if !lsa.External || !lsa.Up || lsa.Dst != ext {
				continue
			}
			gateway := lsa.Src
			for _, src := range routers {
				toGw, present := tables[src][gateway]
				if !present && src != gateway {
					continue
				}
				cost := toGw.Cost + lsa.Weight
				hops := slices.Clone(toGw.NextHops)
				if src == gateway {
					cost = lsa.Weight
					hops = []Rid{ext}
				}
				current, known := tables[src][ext]
				switch {
				case !known || cost < current.Cost:
					tables[src][ext] = ospfEntry{NextHops: hops, Cost: cost}
				case cost == current.Cost:
					current.NextHops = mergeHops(current.NextHops, hops)
					tables[src][ext] = current
				}
			}
		}
	}
	return tables
}

func mergeHops(into, extra []Rid) []Rid {
	for _, hop := range extra {
		if !slices.Contains(into, hop) {
			into = append(into, hop)
		}
	}
	slices.Sort(into)
	return into
}

// checkAreaTopology verifies that every non-backbone area attaches to the
// backbone through at least one border router. When every link is in the
// backbone there is nothing to check; non-backbone areas with no backbone
// at all are rejected.
func checkAreaTopology(db *lsdb) error {
	solved := solveAreas(db)
	backbone := solved[Backbone]
	for area, as := range solved {
		if area.IsBackbone() {
			continue
		}
		if backbone == nil {
			return &InvalidTopologyError{Reason: "non-backbone area without a backbone"}
		}
		attached := false
		for r := range as.members {
			if backbone.members[r] {
				attached = true
				break
			}
		}
		if !attached {
			return &InvalidTopologyError{Reason: "area has no border router into the backbone"}
		}
	}
	return nil
}
