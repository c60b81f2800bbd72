package cpsim

// bgp.go holds the BGP route record, the decision-process ordering, and the
// per-router BGP state machine with its three tables:
//
//	ribIn  : per (prefix, peer), the routes received and not withdrawn
//	locRib : per prefix, the single best route selected
//	ribOut : per (prefix, peer), the routes advertised to each peer
//
// Routes are stored in ribIn exactly as received. Ingress route maps and
// igp costs are applied lazily when the decision process runs, so a
// configuration change takes effect without the peer re-sending anything.

import (
	"log/slog"
	"math"
	"net/netip"

	"golang.org/x/exp/slices"
)

// BgpSessionType distinguishes the three session flavors. The client type
// is asymmetric: the router holding an IBgpClient session is the route
// reflector, the remote end is its client.
type BgpSessionType int

const (
	EBgp BgpSessionType = iota
	IBgpPeer
	IBgpClient
)

func (t BgpSessionType) String() string {
	switch t {
	case EBgp:
		return "eBGP"
	case IBgpPeer:
		return "iBGP"
	default:
		return "iBGP RR"
	}
}

// IsEBgp reports whether the session crosses an AS boundary.
func (t BgpSessionType) IsEBgp() bool { return t == EBgp }

// IsIBgp reports whether the session stays within the AS.
func (t BgpSessionType) IsIBgp() bool { return t != EBgp }

// sessionTypeOf derives the session type seen from the source router.
func sessionTypeOf(sourceAsn, targetAsn AsN, targetIsClient bool) BgpSessionType {
	if sourceAsn != targetAsn {
		return EBgp
	}
	if targetIsClient {
		return IBgpClient
	}
	return IBgpPeer
}

// A BgpRoute is the transitive part of a route: everything a peer learns
// when the route is advertised to it.
type BgpRoute struct {
	Prefix netip.Prefix
	// AsPath lists the traversed ASes, most recently prepended first.
	AsPath  []AsN
	NextHop Rid
	// LocalPref zero means unset; the ingress processing applies
	// DefaultLocalPref before any comparison.
	LocalPref    uint32
	Med          uint32
	Origin       Origin
	Communities  []Community
	OriginatorID Rid // zero when the route was never reflected
	ClusterList  []Rid
}

func (r *BgpRoute) clone() *BgpRoute {
	cp := *r
	cp.AsPath = slices.Clone(r.AsPath)
	cp.Communities = slices.Clone(r.Communities)
	cp.ClusterList = slices.Clone(r.ClusterList)
	return &cp
}

func (r *BgpRoute) equal(o *BgpRoute) bool {
	return r.Prefix == o.Prefix &&
		slices.Equal(r.AsPath, o.AsPath) &&
		r.NextHop == o.NextHop &&
		r.LocalPref == o.LocalPref &&
		r.Med == o.Med &&
		r.Origin == o.Origin &&
		slices.Equal(r.Communities, o.Communities) &&
		r.OriginatorID == o.OriginatorID &&
		slices.Equal(r.ClusterList, o.ClusterList)
}

// igpCostUnset marks a rib entry whose cost to the next hop has not been
// resolved yet. Resolved costs are always non-negative.
const igpCostUnset = LinkWeight(-1.0)

// A RibEntry wraps a route with the receiver-local attributes the decision
// process needs.
type RibEntry struct {
	Route    *BgpRoute
	FromType BgpSessionType
	FromID   Rid
	ToID     Rid // set only in ribOut
	IgpCost  LinkWeight
	Weight   uint32
}

func (e *RibEntry) clone() *RibEntry {
	cp := *e
	cp.Route = e.Route.clone()
	return &cp
}

func (e *RibEntry) equal(o *RibEntry) bool {
	return e.Route.equal(o.Route) && e.FromID == o.FromID &&
		e.Weight == o.Weight && e.IgpCost == o.IgpCost
}

// originatorOr falls back to the advertising neighbor when the route
// carries no originator id.
func originatorOr(e *RibEntry) Rid {
	if e.Route.OriginatorID != 0 {
		return e.Route.OriginatorID
	}
	return e.FromID
}

// betterEntry is the decision-process ordering over processed rib entries.
// It reports whether a is preferred over b. The final neighbor-id step
// makes the order total, so two distinct candidates never compare equal.
func betterEntry(a, b *RibEntry) bool {
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	if a.Route.LocalPref != b.Route.LocalPref {
		return a.Route.LocalPref > b.Route.LocalPref
	}
	if len(a.Route.AsPath) != len(b.Route.AsPath) {
		return len(a.Route.AsPath) < len(b.Route.AsPath)
	}
	if a.Route.Origin != b.Route.Origin {
		return a.Route.Origin < b.Route.Origin
	}
	// MED is comparable only between routes entering through the same
	// neighboring AS
	if sameLeftmostAs(a.Route.AsPath, b.Route.AsPath) && a.Route.Med != b.Route.Med {
		return a.Route.Med < b.Route.Med
	}
	if a.FromType.IsEBgp() != b.FromType.IsEBgp() {
		return a.FromType.IsEBgp()
	}
	if a.IgpCost != b.IgpCost {
		return a.IgpCost < b.IgpCost
	}
	if a.Route.NextHop != b.Route.NextHop {
		return a.Route.NextHop < b.Route.NextHop
	}
	if ao, bo := originatorOr(a), originatorOr(b); ao != bo {
		return ao < bo
	}
	if len(a.Route.ClusterList) != len(b.Route.ClusterList) {
		return len(a.Route.ClusterList) < len(b.Route.ClusterList)
	}
	return a.FromID < b.FromID
}

func sameLeftmostAs(a, b []AsN) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	return a[0] == b[0]
}

// bgpSession records the configuration of one session as seen locally.
type bgpSession struct {
	peerAsn AsN
	client  bool
	typ     BgpSessionType
}

// bgpProc is the BGP state machine of one internal router.
type bgpProc struct {
	rid Rid
	asn AsN

	// cost to reach every router known to the IGP, refreshed from the
	// router's OSPF table
	igpCost map[Rid]LinkWeight

	sessions map[Rid]bgpSession

	ribIn  PrefixMap[map[Rid]*RibEntry]
	locRib PrefixMap[*RibEntry]
	ribOut PrefixMap[map[Rid]*RibEntry]

	mapsIn  map[Rid][]*RouteMapClause
	mapsOut map[Rid][]*RouteMapClause

	known map[netip.Prefix]struct{}

	logger *slog.Logger
}

func createBgpProc(rid Rid, asn AsN, kind PrefixKind, logger *slog.Logger) *bgpProc {
	return &bgpProc{
		rid:      rid,
		asn:      asn,
		igpCost:  make(map[Rid]LinkWeight),
		sessions: make(map[Rid]bgpSession),
		ribIn:    NewPrefixMap[map[Rid]*RibEntry](kind),
		locRib:   NewPrefixMap[*RibEntry](kind),
		ribOut:   NewPrefixMap[map[Rid]*RibEntry](kind),
		mapsIn:   make(map[Rid][]*RouteMapClause),
		mapsOut:  make(map[Rid][]*RouteMapClause),
		known:    make(map[netip.Prefix]struct{}),
		logger:   logger,
	}
}

// sortedPeers returns the session peers in ascending id order, which fixes
// the order of emitted events.
func (p *bgpProc) sortedPeers() []Rid {
	peers := make([]Rid, 0, len(p.sessions))
	for peer := range p.sessions {
		peers = append(peers, peer)
	}
	slices.Sort(peers)
	return peers
}

func (p *bgpProc) knownPrefixes() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(p.known))
	for prefix := range p.known {
		prefixes = append(prefixes, prefix)
	}
	slices.SortFunc(prefixes, cmpPrefix)
	return prefixes
}

/*
 * Getter functions
 */

// Rib returns the selected best routes per prefix.
func (p *bgpProc) Rib() PrefixMap[*RibEntry] { return p.locRib }

// RibIn returns the received routes, per prefix and advertising peer.
func (p *bgpProc) RibIn() PrefixMap[map[Rid]*RibEntry] { return p.ribIn }

// RibOut returns the advertised routes, per prefix and receiving peer.
func (p *bgpProc) RibOut() PrefixMap[map[Rid]*RibEntry] { return p.ribOut }

// routeFor is the longest-prefix-match lookup into the selected routes.
func (p *bgpProc) routeFor(prefix netip.Prefix) *RibEntry {
	_, entry, present := p.locRib.GetLPM(prefix)
	if !present {
		return nil
	}
	return entry
}

// knownRoutes returns the processed candidates for a prefix, i.e. the
// ribIn entries after ingress maps and reachability filtering, sorted by
// advertising peer.
func (p *bgpProc) knownRoutes(prefix netip.Prefix) []*RibEntry {
	table, present := p.ribIn.GetExact(prefix)
	if !present {
		return nil
	}
	entries := make([]*RibEntry, 0, len(table))
	for _, from := range sortedRids(table) {
		if processed := p.processRibInRoute(table[from]); processed != nil {
			entries = append(entries, processed)
		}
	}
	return entries
}

func sortedRids[V any](m map[Rid]V) []Rid {
	ids := make([]Rid, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

/*
 * Configuration functions
 */

// setSession installs or removes a session with the target router, then
// reruns selection and dissemination over every known prefix.
func (p *bgpProc) setSession(target Rid, peerAsn AsN, client, establish bool) []*Event {
	if establish {
		typ := sessionTypeOf(p.asn, peerAsn, client)
		p.sessions[target] = bgpSession{peerAsn: peerAsn, client: client, typ: typ}
	} else {
		// a torn-down session takes all of the peer's table entries
		// with it in one pass
		for _, prefix := range p.knownPrefixes() {
			if table, present := p.ribIn.GetExact(prefix); present {
				delete(table, target)
			}
			if table, present := p.ribOut.GetExact(prefix); present {
				delete(table, target)
			}
		}
		delete(p.sessions, target)
	}
	return p.updateTables(true)
}

// setRouteMap replaces the clause list for one peer and direction. The
// clauses must already be validated; they are evaluated in order-key order.
func (p *bgpProc) setRouteMap(peer Rid, dir RouteMapDirection, clauses []*RouteMapClause) []*Event {
	sorted := slices.Clone(clauses)
	slices.SortFunc(sorted, func(a, b *RouteMapClause) int { return a.Order - b.Order })

	table := p.mapsIn
	if dir == Egress {
		table = p.mapsOut
	}
	if len(sorted) == 0 {
		delete(table, peer)
	} else {
		table[peer] = sorted
	}
	return p.updateTables(true)
}

/*
 * Event handling
 */

// handleEvent runs the three-phase BGP machinery for one received message:
// table maintenance, route selection, and dissemination.
func (p *bgpProc) handleEvent(from Rid, ev *Event) []*Event {
	if _, present := p.sessions[from]; !present {
		p.logger.Warn("bgp event from non-neighbor ignored",
			"router", int(p.rid), "from", int(from))
		return nil
	}

	var prefix netip.Prefix
	switch ev.Kind {
	case BgpUpdateEvent:
		var accepted bool
		prefix, accepted = p.insertRoute(ev.Route, from)
		if !accepted {
			// a rejected update retracts whatever the peer sent before
			p.removeRoute(prefix, from)
		}
	case BgpWithdrawEvent:
		prefix = ev.Prefix
		p.removeRoute(prefix, from)
	default:
		return nil
	}
	p.known[prefix] = struct{}{}

	if !p.decideForPrefix(prefix) {
		return nil
	}
	return p.disseminateForPrefix(prefix)
}

// insertRoute stores a received route in ribIn. The route is rejected when
// it already visited this router: its AS path carries the local AS (eBGP),
// or the reflection attributes name the local router.
func (p *bgpProc) insertRoute(route *BgpRoute, from Rid) (netip.Prefix, bool) {
	session := p.sessions[from]

	if session.typ.IsEBgp() && slices.Contains(route.AsPath, p.asn) {
		p.logger.Warn("as-path loop on ingress, route dropped",
			"router", int(p.rid), "from", int(from), "prefix", route.Prefix.String())
		return route.Prefix, false
	}
	if route.OriginatorID == p.rid || slices.Contains(route.ClusterList, p.rid) {
		return route.Prefix, false
	}

	entry := &RibEntry{
		Route:    route.clone(),
		FromType: session.typ,
		FromID:   from,
		IgpCost:  igpCostUnset,
		Weight:   DefaultWeight,
	}

	table, present := p.ribIn.GetExact(route.Prefix)
	if !present {
		table = make(map[Rid]*RibEntry)
		p.ribIn.Insert(route.Prefix, table)
	}
	table[from] = entry
	return route.Prefix, true
}

func (p *bgpProc) removeRoute(prefix netip.Prefix, from Rid) {
	if table, present := p.ribIn.GetExact(prefix); present {
		delete(table, from)
	}
}

// processRibInRoute turns a raw ribIn entry into a decision-process
// candidate: ingress route maps, reachability of the next hop, and the
// receiver-local defaults. Returns nil when the route is filtered out or
// its next hop is unreachable.
func (p *bgpProc) processRibInRoute(entry *RibEntry) *RibEntry {
	candidate := applyRouteMaps(p.mapsIn[entry.FromID], entry)
	if candidate == nil {
		return nil
	}

	tableCost, reachable := p.igpCost[candidate.Route.NextHop]
	if !reachable || math.IsInf(tableCost, 1) {
		return nil
	}
	if candidate.IgpCost == igpCostUnset {
		candidate.IgpCost = tableCost
	}

	// a route learned externally egresses here: next hop self from the
	// viewpoint of the rest of the AS, no internal cost to reach it
	if candidate.FromType.IsEBgp() {
		candidate.Route.NextHop = candidate.FromID
		candidate.IgpCost = 0
	}

	// foreign private communities do not cross the AS boundary
	if p.sessions[entry.FromID].typ.IsEBgp() {
		kept := candidate.Route.Communities[:0]
		for _, c := range candidate.Route.Communities {
			if c.IsPublic() || c.Asn == p.asn {
				kept = append(kept, c)
			}
		}
		candidate.Route.Communities = kept
	}

	if candidate.Route.LocalPref == 0 {
		candidate.Route.LocalPref = DefaultLocalPref
	}
	candidate.ToID = 0
	return candidate
}

// decideForPrefix reruns route selection for one prefix and reports
// whether the selected route changed.
func (p *bgpProc) decideForPrefix(prefix netip.Prefix) bool {
	oldEntry, hadOld := p.locRib.GetExact(prefix)

	var newEntry *RibEntry
	if table, present := p.ribIn.GetExact(prefix); present {
		for _, from := range sortedRids(table) {
			candidate := p.processRibInRoute(table[from])
			if candidate == nil {
				continue
			}
			if newEntry == nil || betterEntry(candidate, newEntry) {
				newEntry = candidate
			}
		}
	}

	switch {
	case newEntry == nil && !hadOld:
		return false
	case newEntry != nil && hadOld && newEntry.equal(oldEntry):
		return false
	case newEntry == nil:
		p.locRib.Remove(prefix)
	default:
		p.locRib.Insert(prefix, newEntry)
	}
	return true
}

// shouldExport encodes the advertisement rules: eBGP-learned and
// client-learned routes go everywhere, other iBGP-learned routes only
// leave through eBGP sessions or toward reflection clients.
func shouldExport(best *RibEntry, to Rid, toType BgpSessionType) bool {
	if best.FromID == to {
		return false
	}
	if hasCommunity(best.Route.Communities, NoAdvertise) {
		return false
	}
	if toType.IsEBgp() && hasCommunity(best.Route.Communities, NoExport) {
		return false
	}
	switch {
	case best.FromType == EBgp, best.FromType == IBgpClient:
		return true
	case toType == EBgp, toType == IBgpClient:
		return true
	}
	return false
}

// disseminateForPrefix compares, for every peer, what the peer currently
// holds against what it should hold, and emits the update or withdraw
// closing the gap.
func (p *bgpProc) disseminateForPrefix(prefix netip.Prefix) []*Event {
	best, hasBest := p.locRib.GetExact(prefix)

	var events []*Event
	for _, peer := range p.sortedPeers() {
		peerType := p.sessions[peer].typ

		var current *RibEntry
		if table, present := p.ribOut.GetExact(prefix); present {
			current = table[peer]
		}

		willAdvertise := hasBest && shouldExport(best, peer, peerType)
		if !willAdvertise && current == nil {
			continue
		}

		if !willAdvertise {
			if table, present := p.ribOut.GetExact(prefix); present {
				delete(table, peer)
			}
			events = append(events, withdrawEvent(p.rid, peer, prefix))
			continue
		}

		sent := p.processRibOutRoute(best, peer)
		switch {
		case sent == nil && current == nil:
			// egress map drops it, and the peer never had it
		case sent == nil:
			if table, present := p.ribOut.GetExact(prefix); present {
				delete(table, peer)
			}
			events = append(events, withdrawEvent(p.rid, peer, prefix))
		case current != nil && sent.Route.equal(current.Route):
			// peer already holds exactly this route
		default:
			table, present := p.ribOut.GetExact(prefix)
			if !present {
				table = make(map[Rid]*RibEntry)
				p.ribOut.Insert(prefix, table)
			}
			table[peer] = sent
			events = append(events, updateEvent(p.rid, peer, sent.Route.clone()))
		}
	}
	return events
}

// processRibOutRoute prepares the selected route for one peer: reflection
// attributes, egress route map, and the attribute scrubbing of an AS exit.
func (p *bgpProc) processRibOutRoute(best *RibEntry, target Rid) *RibEntry {
	targetType := p.sessions[target].typ
	entry := best.clone()

	// next-hop-self for routes that entered through eBGP
	if entry.FromType.IsEBgp() {
		entry.Route.NextHop = p.rid
	}

	// an iBGP-to-iBGP pass is a reflection: record where the route came
	// from and which reflectors it crossed
	if entry.FromType.IsIBgp() && targetType.IsIBgp() {
		if entry.Route.OriginatorID == 0 {
			entry.Route.OriginatorID = entry.FromID
		}
		entry.Route.ClusterList = append(entry.Route.ClusterList, p.rid)
	}

	entry.ToID = target

	// MED is a hint between neighboring ASes, not beyond
	if targetType.IsEBgp() {
		entry.Route.Med = 0
	}

	entry = applyRouteMaps(p.mapsOut[target], entry)
	if entry == nil {
		return nil
	}

	entry.FromType = targetType

	if targetType.IsEBgp() {
		entry.Route.NextHop = p.rid
		entry.Route.LocalPref = 0
		entry.Route.OriginatorID = 0
		entry.Route.ClusterList = nil
		entry.Route.AsPath = append([]AsN{p.asn}, entry.Route.AsPath...)

		kept := entry.Route.Communities[:0]
		for _, c := range entry.Route.Communities {
			if c.Asn != p.asn {
				kept = append(kept, c)
			}
		}
		entry.Route.Communities = kept
	}
	return entry
}

// updateIgp refreshes the cached cost table from the router's OSPF state.
func (p *bgpProc) updateIgp(table map[Rid]ospfEntry) {
	p.igpCost = make(map[Rid]LinkWeight, len(table))
	for rid, entry := range table {
		p.igpCost[rid] = entry.Cost
	}
}

// updateTables reruns selection for every known prefix. Dissemination runs
// for the prefixes whose selection changed, or for all of them when forced
// (after a session or policy change, the rib-out of every peer may differ
// even though the selection did not move).
func (p *bgpProc) updateTables(force bool) []*Event {
	var events []*Event
	for _, prefix := range p.knownPrefixes() {
		changed := p.decideForPrefix(prefix)
		if changed || force {
			events = append(events, p.disseminateForPrefix(prefix)...)
		}
	}
	return events
}
