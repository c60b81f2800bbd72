package cpsim

// network.go assembles the simulated network and runs it. The Network owns
// every router, link, session, and the event queue; all cross-references
// inside event handling go through id lookup. Configuration mutations
// enqueue control-plane events; Simulate drains the queue until it is
// empty or the step budget runs out. Once drained, the converged state can
// be snapshotted with GetForwardingState.

import (
	"fmt"
	"log/slog"
	"math"
	"net/netip"

	"golang.org/x/exp/slices"
)

// DefaultInternalAsn is the AS number shared by all internal routers.
const DefaultInternalAsn AsN = 65500

// linkInfo is the authoritative state of one directed link.
type linkInfo struct {
	weight   LinkWeight
	area     OspfArea
	up       bool
	external bool
}

// Network is the top-level simulation container.
type Network struct {
	kind        PrefixKind
	ospfVariant OspfVariant
	asn         AsN

	routers map[Rid]*routerDev
	exts    map[Rid]*extRouter

	ridByName map[string]Rid

	// directed link state; both directions are present for every internal
	// link, links to an external router only internal -> external
	links map[linkKey]*linkInfo

	// authoritative link-state database, mirrored into per-router
	// copies under the distributed variant
	db     *lsdb
	lsaSeq int

	queue     EventQueue
	stopAfter int
	eventSeq  int
	numIds    int

	// pin the prefix of a single-destination network once seen
	singleton netip.Prefix

	logger   *slog.Logger
	traceMgr *TraceManager
}

// CreateNetwork is a constructor. A nil queue selects the FIFO queue.
func CreateNetwork(kind PrefixKind, variant OspfVariant, queue EventQueue) *Network {
	if queue == nil {
		queue = CreateFifoQueue()
	}
	return &Network{
		kind:        kind,
		ospfVariant: variant,
		asn:         DefaultInternalAsn,
		routers:     make(map[Rid]*routerDev),
		exts:        make(map[Rid]*extRouter),
		ridByName:   make(map[string]Rid),
		links:       make(map[linkKey]*linkInfo),
		db:          createLsdb(),
		queue:       queue,
		stopAfter:   DefaultStopAfter,
		logger:      slog.Default(),
	}
}

// SetLogger replaces the diagnostic logger.
func (net *Network) SetLogger(logger *slog.Logger) {
	net.logger = logger
	for _, rtr := range net.routers {
		rtr.bgp.logger = logger
	}
}

// SetTraceManager attaches a trace manager; nil detaches it.
func (net *Network) SetTraceManager(tm *TraceManager) { net.traceMgr = tm }

// SetStepLimit replaces the convergence bound. Zero removes it.
func (net *Network) SetStepLimit(n int) { net.stopAfter = n }

// Queue exposes the event queue, for inspection and manual stepping.
func (net *Network) Queue() EventQueue { return net.queue }

// PrefixKind reports the prefix semantics this network was built with.
func (net *Network) PrefixKind() PrefixKind { return net.kind }

// nxtId creates a router id unique within this network
func (net *Network) nxtId() Rid {
	net.numIds += 1
	return Rid(net.numIds)
}

/*
 * Lookup functions
 */

// RidByName resolves a router name.
func (net *Network) RidByName(name string) (Rid, error) {
	rid, present := net.ridByName[name]
	if !present {
		return 0, &NotFoundError{Kind: "router", Name: name}
	}
	return rid, nil
}

// NameOf resolves a router id back to its name.
func (net *Network) NameOf(rid Rid) string {
	if rtr, present := net.routers[rid]; present {
		return rtr.routerName
	}
	if ext, present := net.exts[rid]; present {
		return ext.routerName
	}
	return fmt.Sprintf("?%d", rid)
}

// IsExternal reports whether the id names an external router.
func (net *Network) IsExternal(rid Rid) bool {
	_, present := net.exts[rid]
	return present
}

func (net *Network) internalRids() []Rid {
	return sortedRids(net.routers)
}

func (net *Network) externalRids() []Rid {
	return sortedRids(net.exts)
}

/*
 * Assembly functions
 */

// AddRouter creates an internal router and returns its id.
func (net *Network) AddRouter(name string) (Rid, error) {
	if _, present := net.ridByName[name]; present {
		return 0, &InvalidTopologyError{Reason: fmt.Sprintf("name %s already in use", name)}
	}
	rid := net.nxtId()
	rtr := createRouterDev(name, rid, net.asn, net)
	net.routers[rid] = rtr
	net.ridByName[name] = rid
	if net.traceMgr != nil {
		net.traceMgr.AddName(int(rid), name, "router")
	}
	return rid, nil
}

// AddExternalRouter creates an external router in its own AS.
func (net *Network) AddExternalRouter(name string, asn AsN) (Rid, error) {
	if _, present := net.ridByName[name]; present {
		return 0, &InvalidTopologyError{Reason: fmt.Sprintf("name %s already in use", name)}
	}
	if asn == net.asn {
		return 0, &InvalidTopologyError{Reason: "external router cannot share the internal AS number"}
	}
	rid := net.nxtId()
	ext := createExtRouter(name, rid, asn, net.kind)
	net.exts[rid] = ext
	net.ridByName[name] = rid
	if net.traceMgr != nil {
		net.traceMgr.AddName(int(rid), name, "external")
	}
	return rid, nil
}

// AddLink connects two routers. Internal links start with the default
// weight in the backbone area; links to an external router carry no
// configurable cost.
func (net *Network) AddLink(a, b Rid) error {
	if a == b {
		return &InvalidTopologyError{Reason: "link endpoints must differ"}
	}
	for _, rid := range []Rid{a, b} {
		if err := net.checkDevice(rid); err != nil {
			return &InvalidTopologyError{Reason: fmt.Sprintf("link to nonexistent router %d", rid)}
		}
	}
	if net.IsExternal(a) && net.IsExternal(b) {
		return &InvalidTopologyError{Reason: "cannot link two external routers"}
	}
	if _, present := net.links[linkKey{src: a, dst: b}]; present {
		return &InvalidTopologyError{Reason: fmt.Sprintf("link %s -- %s already exists", net.NameOf(a), net.NameOf(b))}
	}

	// orient external links internal -> external
	external := net.IsExternal(a) || net.IsExternal(b)
	if net.IsExternal(a) {
		a, b = b, a
	}

	weight := DefaultLinkWeight
	if external {
		weight = ExternalLinkWeight
	}
	net.links[linkKey{src: a, dst: b}] = &linkInfo{weight: weight, area: Backbone, up: true, external: external}
	if !external {
		net.links[linkKey{src: b, dst: a}] = &linkInfo{weight: weight, area: Backbone, up: true, external: external}
	}

	records := net.refreshLinkRecords(a, b)
	net.applyTopoChange(records, [2]Rid{a, b})
	return nil
}

// RemoveLink tears a link down. The link state is retracted rather than
// forgotten, so the distributed variant can flood the change.
func (net *Network) RemoveLink(a, b Rid) error {
	if net.IsExternal(a) {
		a, b = b, a
	}
	fwd, present := net.links[linkKey{src: a, dst: b}]
	if !present {
		return &NotFoundError{Kind: "link", Name: fmt.Sprintf("%s -- %s", net.NameOf(a), net.NameOf(b))}
	}
	fwd.up = false
	if rev, hasRev := net.links[linkKey{src: b, dst: a}]; hasRev {
		rev.up = false
	}

	records := net.refreshLinkRecords(a, b)
	net.applyTopoChange(records, [2]Rid{a, b})

	delete(net.links, linkKey{src: a, dst: b})
	delete(net.links, linkKey{src: b, dst: a})
	return nil
}

// SetLinkWeight sets the OSPF cost of the directed link a -> b.
func (net *Network) SetLinkWeight(a, b Rid, w LinkWeight) error {
	if math.IsNaN(w) || w < 0 {
		return &InvalidConfigurationError{Reason: fmt.Sprintf("link weight %v is not a non-negative number", w)}
	}
	link, present := net.links[linkKey{src: a, dst: b}]
	if !present {
		return &NotFoundError{Kind: "link", Name: fmt.Sprintf("%s -> %s", net.NameOf(a), net.NameOf(b))}
	}
	if link.external {
		return &InvalidConfigurationError{Reason: "external links carry no OSPF cost"}
	}
	if link.weight == w {
		return nil
	}
	link.weight = w

	records := net.refreshLinkRecords(a, b)
	net.applyTopoChange(records, [2]Rid{a, b})
	return nil
}

// SetOspfArea moves a link into an OSPF area. Area membership is per link
// and applies to both directions.
func (net *Network) SetOspfArea(a, b Rid, area OspfArea) error {
	fwd, present := net.links[linkKey{src: a, dst: b}]
	if !present {
		return &NotFoundError{Kind: "link", Name: fmt.Sprintf("%s -- %s", net.NameOf(a), net.NameOf(b))}
	}
	if fwd.external {
		return &InvalidConfigurationError{Reason: "external links do not participate in OSPF"}
	}
	oldArea := fwd.area
	if oldArea == area {
		return nil
	}
	rev := net.links[linkKey{src: b, dst: a}]
	fwd.area = area
	rev.area = area

	records := net.refreshLinkRecords(a, b)
	if err := checkAreaTopology(net.db); err != nil {
		// roll the assignment back; the database records were already
		// bumped, so refresh them once more
		fwd.area = oldArea
		rev.area = oldArea
		net.refreshLinkRecords(a, b)
		return err
	}
	net.applyTopoChange(records, [2]Rid{a, b})
	return nil
}

// SetBgpSession configures the session between two routers. A nil type
// tears the session down. For IBgpClient, a is the route reflector and b
// its client.
func (net *Network) SetBgpSession(a, b Rid, typ *BgpSessionType) error {
	if err := net.checkDevice(a); err != nil {
		return err
	}
	if err := net.checkDevice(b); err != nil {
		return err
	}
	aExt, bExt := net.IsExternal(a), net.IsExternal(b)
	if aExt && bExt {
		return &InvalidTopologyError{Reason: "cannot establish a session between two external routers"}
	}

	if typ == nil {
		return net.tearDownSession(a, b)
	}

	var events []*Event
	switch {
	case !aExt && !bExt:
		if typ.IsEBgp() {
			return &InvalidConfigurationError{Reason: "routers of the same AS cannot peer over eBGP"}
		}
		client := *typ == IBgpClient
		events = append(events, net.routers[a].bgp.setSession(b, net.asn, client, true)...)
		events = append(events, net.routers[b].bgp.setSession(a, net.asn, false, true)...)
	default:
		if !typ.IsEBgp() {
			return &InvalidConfigurationError{Reason: "sessions across the AS boundary must be eBGP"}
		}
		internal, external := a, b
		if aExt {
			internal, external = b, a
		}
		ext := net.exts[external]
		events = append(events, net.routers[internal].bgp.setSession(external, ext.asn, false, true)...)
		events = append(events, ext.sessionUp(internal)...)
	}
	net.enqueue(events)
	return nil
}

func (net *Network) tearDownSession(a, b Rid) error {
	var events []*Event
	for _, pair := range [2][2]Rid{{a, b}, {b, a}} {
		this, other := pair[0], pair[1]
		if rtr, present := net.routers[this]; present {
			if _, has := rtr.bgp.sessions[other]; has {
				events = append(events, rtr.bgp.setSession(other, 0, false, false)...)
			}
		}
		if ext, present := net.exts[this]; present {
			ext.sessionDown(other)
		}
	}
	net.enqueue(events)
	return nil
}

// SetRouteMap installs the clause list applied to routes exchanged with a
// peer in the given direction. An empty list removes the map.
func (net *Network) SetRouteMap(router, peer Rid, dir RouteMapDirection, clauses []*RouteMapClause) error {
	rtr, present := net.routers[router]
	if !present {
		return &NotFoundError{Kind: "router", Name: net.NameOf(router)}
	}
	for _, clause := range clauses {
		if err := clause.validate(); err != nil {
			return err
		}
	}
	net.enqueue(rtr.bgp.setRouteMap(peer, dir, clauses))
	return nil
}

// AdvertiseExternalRoute makes an external router originate a route.
func (net *Network) AdvertiseExternalRoute(extId Rid, prefix netip.Prefix, asPath []AsN, med uint32, communities []Community) error {
	ext, present := net.exts[extId]
	if !present {
		return &NotFoundError{Kind: "router", Name: net.NameOf(extId)}
	}
	if err := net.checkPrefix(prefix); err != nil {
		return err
	}
	net.enqueue(ext.advertisePrefix(prefix, asPath, med, communities))
	return nil
}

// WithdrawExternalRoute retracts a previously advertised route.
func (net *Network) WithdrawExternalRoute(extId Rid, prefix netip.Prefix) error {
	ext, present := net.exts[extId]
	if !present {
		return &NotFoundError{Kind: "router", Name: net.NameOf(extId)}
	}
	net.enqueue(ext.withdrawPrefix(prefix))
	return nil
}

func (net *Network) checkDevice(rid Rid) error {
	if _, present := net.routers[rid]; present {
		return nil
	}
	if _, present := net.exts[rid]; present {
		return nil
	}
	return &NotFoundError{Kind: "router", Name: fmt.Sprintf("%d", rid)}
}

// checkPrefix pins the singleton prefix of a single-destination network
// and requires IPv4 prefixes under the hierarchical kind.
func (net *Network) checkPrefix(prefix netip.Prefix) error {
	if !prefix.IsValid() {
		return &InvalidConfigurationError{Reason: "invalid prefix"}
	}
	switch net.kind {
	case SinglePrefix:
		if net.singleton.IsValid() && net.singleton != prefix {
			return &InvalidConfigurationError{
				Reason: fmt.Sprintf("single-destination network already bound to %s", net.singleton),
			}
		}
		net.singleton = prefix
	case Ipv4Prefix:
		if !prefix.Addr().Is4() {
			return &InvalidConfigurationError{Reason: "hierarchical networks require IPv4 prefixes"}
		}
	}
	return nil
}

/*
 * Link-state maintenance
 */

// refreshLinkRecords rewrites the database records of both directions of a
// link and returns the changed records.
func (net *Network) refreshLinkRecords(a, b Rid) []*LsaRecord {
	var records []*LsaRecord
	for _, key := range []linkKey{{src: a, dst: b}, {src: b, dst: a}} {
		link, present := net.links[key]
		if !present {
			// external links exist in one direction only
			if stored, has := net.db.records[key]; has && stored.Up {
				net.lsaSeq += 1
				records = append(records, &LsaRecord{
					Src: key.src, Dst: key.dst, Area: stored.Area,
					Weight: stored.Weight, Up: false, External: stored.External,
					Seq: net.lsaSeq,
				})
			}
			continue
		}
		net.lsaSeq += 1
		records = append(records, &LsaRecord{
			Src: key.src, Dst: key.dst, Area: link.area,
			Weight: link.weight, Up: link.up, External: link.external,
			Seq: net.lsaSeq,
		})
	}
	for _, lsa := range records {
		net.db.apply(lsa)
	}
	return records
}

// applyTopoChange propagates a set of changed link records. Under the
// global variant every table is rewritten in place and only the resulting
// BGP events are enqueued; under the distributed variant the incident
// routers originate flood events instead.
func (net *Network) applyTopoChange(records []*LsaRecord, endpoints [2]Rid) {
	net.queue.UpdateParameters(net)

	if net.ospfVariant == GlobalOspf {
		net.recomputeGlobalOspf()
		return
	}

	var events []*Event
	internals := net.internalRids()
	externals := net.externalRids()

	// each incident internal router originates its own records and
	// synchronizes its database with the (possibly new) neighbor
	for _, lsa := range records {
		rtr, present := net.routers[lsa.Src]
		if !present {
			continue
		}
		if rtr.ospf.db.apply(lsa) {
			tables := computeOspfTables(rtr.ospf.db, internals, externals)
			rtr.ospf.table = tables[lsa.Src]
			rtr.bgp.updateIgp(rtr.ospf.table)
			events = append(events, rtr.bgp.updateTables(false)...)
			for _, nbr := range rtr.ospf.db.neighborsOf(lsa.Src) {
				events = append(events, lsaEvent(lsa.Src, nbr, lsa))
			}
		}
	}

	// full database exchange across a freshly usable internal link
	a, b := endpoints[0], endpoints[1]
	if net.links[linkKey{src: a, dst: b}] != nil && !net.links[linkKey{src: a, dst: b}].external {
		for _, pair := range [2][2]Rid{{a, b}, {b, a}} {
			src, dst := pair[0], pair[1]
			rtr, present := net.routers[src]
			if !present {
				continue
			}
			for _, lsa := range rtr.ospf.db.sortedRecords() {
				events = append(events, lsaEvent(src, dst, lsa))
			}
		}
	}
	net.enqueue(events)
}

// recomputeGlobalOspf rewrites every router's IGP table atomically from
// the authoritative database, then lets BGP react.
func (net *Network) recomputeGlobalOspf() {
	tables := computeOspfTables(net.db, net.internalRids(), net.externalRids())

	var events []*Event
	for _, rid := range net.internalRids() {
		rtr := net.routers[rid]
		rtr.ospf.table = tables[rid]
		rtr.bgp.updateIgp(rtr.ospf.table)
		events = append(events, rtr.bgp.updateTables(false)...)
	}
	net.enqueue(events)
}

/*
 * Simulation
 */

// enqueue pushes emitted events, stamping the insertion order.
func (net *Network) enqueue(events []*Event) {
	for _, ev := range events {
		net.eventSeq += 1
		ev.seq = net.eventSeq
		net.queue.Push(ev)
	}
}

// Step delivers a single event. It reports whether an event was taken from
// the queue; an event addressed to an unknown router is dropped and still
// counts.
func (net *Network) Step() bool {
	ev := net.queue.Pop()
	if ev == nil {
		return false
	}
	if net.traceMgr != nil {
		AddEventTrace(net.traceMgr, ev)
	}

	if rtr, present := net.routers[ev.Dst]; present {
		net.enqueue(rtr.handleEvent(ev, net))
		return true
	}
	if ext, present := net.exts[ev.Dst]; present {
		ext.handleEvent(ev)
		return true
	}
	net.logger.Warn("event for unknown router dropped", "dst", int(ev.Dst))
	return true
}

// Simulate drains the event queue. It returns ErrNoConvergence when the
// step budget is exhausted first; the partial state remains inspectable.
func (net *Network) Simulate() error {
	steps := 0
	for net.queue.Len() > 0 {
		if net.stopAfter > 0 && steps >= net.stopAfter {
			return ErrNoConvergence
		}
		net.Step()
		steps += 1
	}
	return nil
}

/*
 * Converged-state access
 */

// OspfNextHops reads the IGP table of a router: the equal-cost first hops
// toward dst and the total cost.
func (net *Network) OspfNextHops(r, dst Rid) ([]Rid, LinkWeight, error) {
	rtr, present := net.routers[r]
	if !present {
		return nil, math.Inf(1), &NotFoundError{Kind: "router", Name: net.NameOf(r)}
	}
	hops, cost := rtr.ospf.nextHopsTo(dst)
	return slices.Clone(hops), cost, nil
}

// GetRib returns the selected best route per prefix of one router.
func (net *Network) GetRib(r Rid) ([]PrefixItem[*RibEntry], error) {
	rtr, present := net.routers[r]
	if !present {
		return nil, &NotFoundError{Kind: "router", Name: net.NameOf(r)}
	}
	return rtr.bgp.Rib().Items(), nil
}

// GetRibIn returns, per prefix, the received routes of one router after
// ingress processing: route maps applied and unreachable next hops
// removed.
func (net *Network) GetRibIn(r Rid) (map[netip.Prefix][]*RibEntry, error) {
	rtr, present := net.routers[r]
	if !present {
		return nil, &NotFoundError{Kind: "router", Name: net.NameOf(r)}
	}
	out := make(map[netip.Prefix][]*RibEntry)
	for _, item := range rtr.bgp.RibIn().Items() {
		if entries := rtr.bgp.knownRoutes(item.Prefix); len(entries) > 0 {
			out[item.Prefix] = entries
		}
	}
	return out, nil
}

// GetRibOut returns, per prefix and peer, the routes one router has
// advertised.
func (net *Network) GetRibOut(r Rid) (map[netip.Prefix]map[Rid]*RibEntry, error) {
	rtr, present := net.routers[r]
	if !present {
		return nil, &NotFoundError{Kind: "router", Name: net.NameOf(r)}
	}
	out := make(map[netip.Prefix]map[Rid]*RibEntry)
	for _, item := range rtr.bgp.RibOut().Items() {
		if len(item.Value) == 0 {
			continue
		}
		table := make(map[Rid]*RibEntry, len(item.Value))
		for peer, entry := range item.Value {
			table[peer] = entry.clone()
		}
		out[item.Prefix] = table
	}
	return out, nil
}

// GetExternalRibIn returns the routes an external router has received,
// per prefix and advertising border router.
func (net *Network) GetExternalRibIn(extId Rid) (map[netip.Prefix]map[Rid]*BgpRoute, error) {
	ext, present := net.exts[extId]
	if !present {
		return nil, &NotFoundError{Kind: "router", Name: net.NameOf(extId)}
	}
	out := make(map[netip.Prefix]map[Rid]*BgpRoute)
	for _, item := range ext.ribIn.Items() {
		if len(item.Value) == 0 {
			continue
		}
		table := make(map[Rid]*BgpRoute, len(item.Value))
		for peer, route := range item.Value {
			table[peer] = route.clone()
		}
		out[item.Prefix] = table
	}
	return out, nil
}
