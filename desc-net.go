package cpsim

// desc-net.go defines the serializable description of a network. Runtime
// structures hold pointers and maps keyed by router id; their Desc
// counterparts are pointer free, name the routers owning each record and
// the endpoints of links and sessions by their string names (route
// attributes, peers of rib entries and route maps, and queued events keep
// numeric router ids), and carry json and yaml tags. WriteToFile picks the encoding from the file
// extension. BuildNetwork reconstitutes a runtime network from a Desc
// without generating any control-plane events, so a serialize/deserialize
// round trip reproduces the exact state, pending events included.

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path"

	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// RouteDesc is the serializable form of a BgpRoute.
type RouteDesc struct {
	Prefix       string      `json:"prefix" yaml:"prefix"`
	AsPath       []AsN       `json:"aspath" yaml:"aspath"`
	NextHop      Rid         `json:"nexthop" yaml:"nexthop"`
	LocalPref    uint32      `json:"localpref" yaml:"localpref"`
	Med          uint32      `json:"med" yaml:"med"`
	Origin       Origin      `json:"origin" yaml:"origin"`
	Communities  []Community `json:"communities,omitempty" yaml:"communities,omitempty"`
	OriginatorID Rid         `json:"originatorid,omitempty" yaml:"originatorid,omitempty"`
	ClusterList  []Rid       `json:"clusterlist,omitempty" yaml:"clusterlist,omitempty"`
}

func routeToDesc(r *BgpRoute) RouteDesc {
	return RouteDesc{
		Prefix:       r.Prefix.String(),
		AsPath:       slices.Clone(r.AsPath),
		NextHop:      r.NextHop,
		LocalPref:    r.LocalPref,
		Med:          r.Med,
		Origin:       r.Origin,
		Communities:  slices.Clone(r.Communities),
		OriginatorID: r.OriginatorID,
		ClusterList:  slices.Clone(r.ClusterList),
	}
}

func descToRoute(d RouteDesc) (*BgpRoute, error) {
	prefix, err := netip.ParsePrefix(d.Prefix)
	if err != nil {
		return nil, fmt.Errorf("bad prefix %q: %w", d.Prefix, err)
	}
	return &BgpRoute{
		Prefix:       prefix,
		AsPath:       slices.Clone(d.AsPath),
		NextHop:      d.NextHop,
		LocalPref:    d.LocalPref,
		Med:          d.Med,
		Origin:       d.Origin,
		Communities:  slices.Clone(d.Communities),
		OriginatorID: d.OriginatorID,
		ClusterList:  slices.Clone(d.ClusterList),
	}, nil
}

// RibEntryDesc is the serializable form of a RibEntry.
type RibEntryDesc struct {
	Route    RouteDesc      `json:"route" yaml:"route"`
	FromType BgpSessionType `json:"fromtype" yaml:"fromtype"`
	FromID   Rid            `json:"fromid" yaml:"fromid"`
	ToID     Rid            `json:"toid,omitempty" yaml:"toid,omitempty"`
	IgpCost  float64        `json:"igpcost" yaml:"igpcost"`
	Weight   uint32         `json:"weight" yaml:"weight"`
}

func entryToDesc(e *RibEntry) RibEntryDesc {
	return RibEntryDesc{
		Route:    routeToDesc(e.Route),
		FromType: e.FromType,
		FromID:   e.FromID,
		ToID:     e.ToID,
		IgpCost:  e.IgpCost,
		Weight:   e.Weight,
	}
}

func descToEntry(d RibEntryDesc) (*RibEntry, error) {
	route, err := descToRoute(d.Route)
	if err != nil {
		return nil, err
	}
	return &RibEntry{
		Route:    route,
		FromType: d.FromType,
		FromID:   d.FromID,
		ToID:     d.ToID,
		IgpCost:  d.IgpCost,
		Weight:   d.Weight,
	}, nil
}

// RibInDesc is one stored ribIn entry of one router.
type RibInDesc struct {
	Router string       `json:"router" yaml:"router"`
	From   Rid          `json:"from" yaml:"from"`
	Entry  RibEntryDesc `json:"entry" yaml:"entry"`
}

// RibOutDesc is one stored ribOut entry of one router.
type RibOutDesc struct {
	Router string       `json:"router" yaml:"router"`
	To     Rid          `json:"to" yaml:"to"`
	Entry  RibEntryDesc `json:"entry" yaml:"entry"`
}

// LocRibDesc is one selected route of one router.
type LocRibDesc struct {
	Router string       `json:"router" yaml:"router"`
	Entry  RibEntryDesc `json:"entry" yaml:"entry"`
}

// RouterDesc describes an internal router.
type RouterDesc struct {
	Name string `json:"name" yaml:"name"`
	Id   Rid    `json:"id" yaml:"id"`
}

// ExtRouterDesc describes an external router and its advertisements.
type ExtRouterDesc struct {
	Name       string      `json:"name" yaml:"name"`
	Id         Rid         `json:"id" yaml:"id"`
	Asn        AsN         `json:"asn" yaml:"asn"`
	Advertised []RouteDesc `json:"advertised,omitempty" yaml:"advertised,omitempty"`
}

// LinkDesc describes one link with both directed weights.
type LinkDesc struct {
	A        string     `json:"a" yaml:"a"`
	B        string     `json:"b" yaml:"b"`
	WeightAB LinkWeight `json:"weightab" yaml:"weightab"`
	WeightBA LinkWeight `json:"weightba" yaml:"weightba"`
	Area     OspfArea   `json:"area" yaml:"area"`
	External bool       `json:"external,omitempty" yaml:"external,omitempty"`
	Up       bool       `json:"up" yaml:"up"`
}

// SessionDesc describes one BGP session. For client sessions, A is the
// route reflector.
type SessionDesc struct {
	A    string         `json:"a" yaml:"a"`
	B    string         `json:"b" yaml:"b"`
	Type BgpSessionType `json:"type" yaml:"type"`
}

// MatchDesc, SetDesc, and ClauseDesc serialize route maps.
type MatchDesc struct {
	Kind        MatchKind   `json:"kind" yaml:"kind"`
	Prefixes    []string    `json:"prefixes,omitempty" yaml:"prefixes,omitempty"`
	Asn         AsN         `json:"asn,omitempty" yaml:"asn,omitempty"`
	PathLenLo   int         `json:"pathlenlo,omitempty" yaml:"pathlenlo,omitempty"`
	PathLenHi   int         `json:"pathlenhi,omitempty" yaml:"pathlenhi,omitempty"`
	PathPattern string      `json:"pathpattern,omitempty" yaml:"pathpattern,omitempty"`
	Community   Community   `json:"community,omitempty" yaml:"community,omitempty"`
	NextHop     Rid         `json:"nexthop,omitempty" yaml:"nexthop,omitempty"`
	Peer        Rid         `json:"peer,omitempty" yaml:"peer,omitempty"`
}

type SetDesc struct {
	Kind      SetKind    `json:"kind" yaml:"kind"`
	LocalPref uint32     `json:"localpref,omitempty" yaml:"localpref,omitempty"`
	Med       uint32     `json:"med,omitempty" yaml:"med,omitempty"`
	Weight    uint32     `json:"weight,omitempty" yaml:"weight,omitempty"`
	IgpCost   LinkWeight `json:"igpcost,omitempty" yaml:"igpcost,omitempty"`
	NextHop   Rid        `json:"nexthop,omitempty" yaml:"nexthop,omitempty"`
	Community Community  `json:"community,omitempty" yaml:"community,omitempty"`
	Prepend   []AsN      `json:"prepend,omitempty" yaml:"prepend,omitempty"`
}

type ClauseDesc struct {
	Order      int            `json:"order" yaml:"order"`
	Action     RouteMapAction `json:"action" yaml:"action"`
	Conds      []MatchDesc    `json:"conds,omitempty" yaml:"conds,omitempty"`
	Sets       []SetDesc      `json:"sets,omitempty" yaml:"sets,omitempty"`
	ContinueAt int            `json:"continueat,omitempty" yaml:"continueat,omitempty"`
}

// RouteMapDesc binds a clause list to a router, peer, and direction.
type RouteMapDesc struct {
	Router    string            `json:"router" yaml:"router"`
	Peer      Rid               `json:"peer" yaml:"peer"`
	Direction RouteMapDirection `json:"direction" yaml:"direction"`
	Clauses   []ClauseDesc      `json:"clauses" yaml:"clauses"`
}

// EventDesc is a pending event in the queue.
type EventDesc struct {
	Kind    EventKind   `json:"kind" yaml:"kind"`
	Src     Rid         `json:"src" yaml:"src"`
	Dst     Rid         `json:"dst" yaml:"dst"`
	Route   *RouteDesc  `json:"route,omitempty" yaml:"route,omitempty"`
	Prefix  string      `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Lsa     *LsaRecord  `json:"lsa,omitempty" yaml:"lsa,omitempty"`
	Seconds float64     `json:"seconds" yaml:"seconds"`
	Seq     int         `json:"seq" yaml:"seq"`
}

// NetworkDesc is the complete, self-describing serialization of a network:
// topology, configuration, converged state, and pending events.
type NetworkDesc struct {
	Kind      PrefixKind  `json:"prefixkind" yaml:"prefixkind"`
	Variant   OspfVariant `json:"ospfvariant" yaml:"ospfvariant"`
	Asn       AsN         `json:"asn" yaml:"asn"`
	StepLimit int         `json:"steplimit" yaml:"steplimit"`

	Routers   []RouterDesc    `json:"routers" yaml:"routers"`
	Externals []ExtRouterDesc `json:"externals" yaml:"externals"`
	Links     []LinkDesc      `json:"links" yaml:"links"`
	Sessions  []SessionDesc   `json:"sessions" yaml:"sessions"`
	RouteMaps []RouteMapDesc  `json:"routemaps,omitempty" yaml:"routemaps,omitempty"`

	RibIn  []RibInDesc  `json:"ribin,omitempty" yaml:"ribin,omitempty"`
	LocRib []LocRibDesc `json:"locrib,omitempty" yaml:"locrib,omitempty"`
	RibOut []RibOutDesc `json:"ribout,omitempty" yaml:"ribout,omitempty"`

	Queue []EventDesc `json:"queue,omitempty" yaml:"queue,omitempty"`

	LsaSeq   int `json:"lsaseq" yaml:"lsaseq"`
	EventSeq int `json:"eventseq" yaml:"eventseq"`
	NumIds   int `json:"numids" yaml:"numids"`
}

// Transform converts a runtime network into its Desc representation.
func (net *Network) Transform() *NetworkDesc {
	desc := &NetworkDesc{
		Kind:      net.kind,
		Variant:   net.ospfVariant,
		Asn:       net.asn,
		StepLimit: net.stopAfter,
		LsaSeq:    net.lsaSeq,
		EventSeq:  net.eventSeq,
		NumIds:    net.numIds,
	}

	for _, rid := range net.internalRids() {
		desc.Routers = append(desc.Routers, RouterDesc{Name: net.routers[rid].routerName, Id: rid})
	}
	for _, rid := range net.externalRids() {
		ext := net.exts[rid]
		extDesc := ExtRouterDesc{Name: ext.routerName, Id: rid, Asn: ext.asn}
		for _, item := range ext.advertised.Items() {
			extDesc.Advertised = append(extDesc.Advertised, routeToDesc(item.Value))
		}
		desc.Externals = append(desc.Externals, extDesc)
	}

	// links, one desc per undirected pair
	seen := make(map[linkKey]bool)
	for _, key := range sortedLinkKeys(net.links) {
		if seen[key] || seen[linkKey{src: key.dst, dst: key.src}] {
			continue
		}
		seen[key] = true
		link := net.links[key]
		ld := LinkDesc{
			A:        net.NameOf(key.src),
			B:        net.NameOf(key.dst),
			WeightAB: link.weight,
			WeightBA: link.weight,
			Area:     link.area,
			External: link.external,
			Up:       link.up,
		}
		if rev, present := net.links[linkKey{src: key.dst, dst: key.src}]; present {
			ld.WeightBA = rev.weight
		}
		desc.Links = append(desc.Links, ld)
	}

	// sessions, recorded once from the side that defines them: the
	// reflector for client sessions, the internal end for eBGP, and the
	// lower id for symmetric peerings
	for _, rid := range net.internalRids() {
		rtr := net.routers[rid]
		for _, peer := range rtr.bgp.sortedPeers() {
			session := rtr.bgp.sessions[peer]
			if session.typ == IBgpPeer {
				if remote, present := net.routers[peer]; present {
					if remote.bgp.sessions[rid].typ == IBgpClient {
						continue // recorded by the reflector
					}
				}
				if peer < rid {
					continue
				}
			}
			desc.Sessions = append(desc.Sessions, SessionDesc{
				A: net.NameOf(rid), B: net.NameOf(peer), Type: session.typ,
			})
		}
	}

	for _, rid := range net.internalRids() {
		rtr := net.routers[rid]
		name := rtr.routerName
		for dir, table := range map[RouteMapDirection]map[Rid][]*RouteMapClause{
			Ingress: rtr.bgp.mapsIn,
			Egress:  rtr.bgp.mapsOut,
		} {
			for _, peer := range sortedRids(table) {
				desc.RouteMaps = append(desc.RouteMaps, RouteMapDesc{
					Router:    name,
					Peer:      peer,
					Direction: dir,
					Clauses:   clausesToDesc(table[peer]),
				})
			}
		}

		for _, item := range rtr.bgp.RibIn().Items() {
			for _, from := range sortedRids(item.Value) {
				desc.RibIn = append(desc.RibIn, RibInDesc{
					Router: name, From: from, Entry: entryToDesc(item.Value[from]),
				})
			}
		}
		for _, item := range rtr.bgp.Rib().Items() {
			desc.LocRib = append(desc.LocRib, LocRibDesc{Router: name, Entry: entryToDesc(item.Value)})
		}
		for _, item := range rtr.bgp.RibOut().Items() {
			for _, to := range sortedRids(item.Value) {
				desc.RibOut = append(desc.RibOut, RibOutDesc{
					Router: name, To: to, Entry: entryToDesc(item.Value[to]),
				})
			}
		}
	}
	slices.SortFunc(desc.RouteMaps, func(a, b RouteMapDesc) int {
		if a.Router != b.Router {
			if a.Router < b.Router {
				return -1
			}
			return 1
		}
		if a.Peer != b.Peer {
			return int(a.Peer - b.Peer)
		}
		return int(a.Direction - b.Direction)
	})

	if snap, ok := net.queue.(queueSnapshotter); ok {
		for _, ev := range snap.events() {
			ed := EventDesc{
				Kind: ev.Kind, Src: ev.Src, Dst: ev.Dst,
				Seconds: ev.Time.Seconds(), Seq: ev.seq,
			}
			switch ev.Kind {
			case BgpUpdateEvent:
				rd := routeToDesc(ev.Route)
				ed.Route = &rd
			case BgpWithdrawEvent:
				ed.Prefix = ev.Prefix.String()
			case OspfLsaEvent:
				lsa := *ev.Lsa
				ed.Lsa = &lsa
			}
			desc.Queue = append(desc.Queue, ed)
		}
	}
	return desc
}

func clausesToDesc(clauses []*RouteMapClause) []ClauseDesc {
	out := make([]ClauseDesc, 0, len(clauses))
	for _, clause := range clauses {
		cd := ClauseDesc{Order: clause.Order, Action: clause.Action, ContinueAt: clause.ContinueAt}
		for _, cond := range clause.Conds {
			md := MatchDesc{
				Kind: cond.Kind, Asn: cond.Asn,
				PathLenLo: cond.PathLenLo, PathLenHi: cond.PathLenHi,
				PathPattern: cond.PathPattern, Community: cond.Community,
				NextHop: cond.NextHop, Peer: cond.Peer,
			}
			for _, p := range cond.Prefixes {
				md.Prefixes = append(md.Prefixes, p.String())
			}
			cd.Conds = append(cd.Conds, md)
		}
		for _, set := range clause.Sets {
			cd.Sets = append(cd.Sets, SetDesc{
				Kind: set.Kind, LocalPref: set.LocalPref, Med: set.Med,
				Weight: set.Weight, IgpCost: set.IgpCost, NextHop: set.NextHop,
				Community: set.Community, Prepend: slices.Clone(set.Prepend),
			})
		}
		out = append(out, cd)
	}
	return out
}

func descToClauses(descs []ClauseDesc) ([]*RouteMapClause, error) {
	var clauses []*RouteMapClause
	for _, cd := range descs {
		clause := &RouteMapClause{Order: cd.Order, Action: cd.Action, ContinueAt: cd.ContinueAt}
		for _, md := range cd.Conds {
			cond := RouteMapMatch{
				Kind: md.Kind, Asn: md.Asn,
				PathLenLo: md.PathLenLo, PathLenHi: md.PathLenHi,
				PathPattern: md.PathPattern, Community: md.Community,
				NextHop: md.NextHop, Peer: md.Peer,
			}
			for _, s := range md.Prefixes {
				prefix, err := netip.ParsePrefix(s)
				if err != nil {
					return nil, fmt.Errorf("bad prefix %q in route map: %w", s, err)
				}
				cond.Prefixes = append(cond.Prefixes, prefix)
			}
			clause.Conds = append(clause.Conds, cond)
		}
		for _, sd := range cd.Sets {
			clause.Sets = append(clause.Sets, RouteMapSet{
				Kind: sd.Kind, LocalPref: sd.LocalPref, Med: sd.Med,
				Weight: sd.Weight, IgpCost: sd.IgpCost, NextHop: sd.NextHop,
				Community: sd.Community, Prepend: slices.Clone(sd.Prepend),
			})
		}
		if err := clause.validate(); err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	slices.SortFunc(clauses, func(a, b *RouteMapClause) int { return a.Order - b.Order })
	return clauses, nil
}

func sortedLinkKeys(links map[linkKey]*linkInfo) []linkKey {
	keys := make([]linkKey, 0, len(links))
	for key := range links {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b linkKey) int {
		if a.src != b.src {
			return int(a.src - b.src)
		}
		return int(a.dst - b.dst)
	})
	return keys
}

// WriteToFile stores the NetworkDesc in the named file, serialized as YAML
// or JSON depending on the extension.
func (nd *NetworkDesc) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*nd)
	} else {
		bytes, merr = json.MarshalIndent(*nd, "", "\t")
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

// ReadNetworkDesc deserializes a NetworkDesc. If dict is empty the named
// file is read to acquire the bytes.
func ReadNetworkDesc(filename string, useYAML bool, dict []byte) (*NetworkDesc, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := NetworkDesc{}
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

// BuildNetwork reconstitutes a runtime network from its description. The
// rebuild installs state directly and enqueues the serialized events; it
// never emits events of its own.
func BuildNetwork(desc *NetworkDesc, queue EventQueue) (*Network, error) {
	net := CreateNetwork(desc.Kind, desc.Variant, queue)
	net.asn = desc.Asn
	net.stopAfter = desc.StepLimit

	for _, rd := range desc.Routers {
		rid, err := net.AddRouter(rd.Name)
		if err != nil {
			return nil, err
		}
		if rid != rd.Id {
			return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("router %s expects id %d, got %d", rd.Name, rd.Id, rid)}
		}
	}
	for _, ed := range desc.Externals {
		rid, err := net.AddExternalRouter(ed.Name, ed.Asn)
		if err != nil {
			return nil, err
		}
		if rid != ed.Id {
			return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("router %s expects id %d, got %d", ed.Name, ed.Id, rid)}
		}
		ext := net.exts[rid]
		for _, rd := range ed.Advertised {
			route, err := descToRoute(rd)
			if err != nil {
				return nil, err
			}
			ext.advertised.Insert(route.Prefix, route)
		}
	}

	// links installed directly, then the database rebuilt in one pass
	for _, ld := range desc.Links {
		a, err := net.RidByName(ld.A)
		if err != nil {
			return nil, err
		}
		b, err := net.RidByName(ld.B)
		if err != nil {
			return nil, err
		}
		net.links[linkKey{src: a, dst: b}] = &linkInfo{
			weight: ld.WeightAB, area: ld.Area, up: ld.Up, external: ld.External,
		}
		if !ld.External {
			net.links[linkKey{src: b, dst: a}] = &linkInfo{
				weight: ld.WeightBA, area: ld.Area, up: ld.Up, external: ld.External,
			}
		}
		net.refreshLinkRecords(a, b)
	}
	net.lsaSeq = desc.LsaSeq

	// sessions installed directly on both ends
	for _, sd := range desc.Sessions {
		a, err := net.RidByName(sd.A)
		if err != nil {
			return nil, err
		}
		b, err := net.RidByName(sd.B)
		if err != nil {
			return nil, err
		}
		switch sd.Type {
		case EBgp:
			ext := net.exts[b]
			if ext == nil {
				return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("session %s -- %s: eBGP peer must be external", sd.A, sd.B)}
			}
			net.routers[a].bgp.sessions[b] = bgpSession{peerAsn: ext.asn, typ: EBgp}
			ext.sessions[a] = struct{}{}
		case IBgpClient:
			net.routers[a].bgp.sessions[b] = bgpSession{peerAsn: net.asn, client: true, typ: IBgpClient}
			net.routers[b].bgp.sessions[a] = bgpSession{peerAsn: net.asn, typ: IBgpPeer}
		default:
			net.routers[a].bgp.sessions[b] = bgpSession{peerAsn: net.asn, typ: IBgpPeer}
			net.routers[b].bgp.sessions[a] = bgpSession{peerAsn: net.asn, typ: IBgpPeer}
		}
	}

	for _, rmd := range desc.RouteMaps {
		rid, err := net.RidByName(rmd.Router)
		if err != nil {
			return nil, err
		}
		clauses, err := descToClauses(rmd.Clauses)
		if err != nil {
			return nil, err
		}
		table := net.routers[rid].bgp.mapsIn
		if rmd.Direction == Egress {
			table = net.routers[rid].bgp.mapsOut
		}
		table[rmd.Peer] = clauses
	}

	// recompute the IGP tables quietly
	tables := computeOspfTables(net.db, net.internalRids(), net.externalRids())
	for _, rid := range net.internalRids() {
		rtr := net.routers[rid]
		rtr.ospf.table = tables[rid]
		if rtr.ospf.db != nil {
			rtr.ospf.db = net.db.clone()
		}
		rtr.bgp.updateIgp(rtr.ospf.table)
	}

	// restore the BGP tables exactly as serialized
	for _, rd := range desc.RibIn {
		rid, err := net.RidByName(rd.Router)
		if err != nil {
			return nil, err
		}
		entry, err := descToEntry(rd.Entry)
		if err != nil {
			return nil, err
		}
		proc := net.routers[rid].bgp
		table, present := proc.ribIn.GetExact(entry.Route.Prefix)
		if !present {
			table = make(map[Rid]*RibEntry)
			proc.ribIn.Insert(entry.Route.Prefix, table)
		}
		table[rd.From] = entry
		proc.known[entry.Route.Prefix] = struct{}{}
	}
	for _, ld := range desc.LocRib {
		rid, err := net.RidByName(ld.Router)
		if err != nil {
			return nil, err
		}
		entry, err := descToEntry(ld.Entry)
		if err != nil {
			return nil, err
		}
		proc := net.routers[rid].bgp
		proc.locRib.Insert(entry.Route.Prefix, entry)
		proc.known[entry.Route.Prefix] = struct{}{}
	}
	for _, rd := range desc.RibOut {
		rid, err := net.RidByName(rd.Router)
		if err != nil {
			return nil, err
		}
		entry, err := descToEntry(rd.Entry)
		if err != nil {
			return nil, err
		}
		proc := net.routers[rid].bgp
		table, present := proc.ribOut.GetExact(entry.Route.Prefix)
		if !present {
			table = make(map[Rid]*RibEntry)
			proc.ribOut.Insert(entry.Route.Prefix, table)
		}
		table[rd.To] = entry
		proc.known[entry.Route.Prefix] = struct{}{}
	}

	// re-enqueue pending events
	snap, _ := net.queue.(queueSnapshotter)
	for _, ed := range desc.Queue {
		ev := &Event{Kind: ed.Kind, Src: ed.Src, Dst: ed.Dst, seq: ed.Seq}
		ev.Time = vrtime.SecondsToTime(ed.Seconds)
		switch ed.Kind {
		case BgpUpdateEvent:
			route, err := descToRoute(*ed.Route)
			if err != nil {
				return nil, err
			}
			ev.Route = route
		case BgpWithdrawEvent:
			prefix, err := netip.ParsePrefix(ed.Prefix)
			if err != nil {
				return nil, err
			}
			ev.Prefix = prefix
		case OspfLsaEvent:
			lsa := *ed.Lsa
			ev.Lsa = &lsa
		}
		if snap != nil {
			snap.restore(ev)
		} else {
			net.queue.Push(ev)
		}
	}
	net.eventSeq = desc.EventSeq
	net.queue.UpdateParameters(net)

	if net.kind == SinglePrefix {
		for _, ed := range desc.Externals {
			for _, rd := range ed.Advertised {
				if prefix, err := netip.ParsePrefix(rd.Prefix); err == nil {
					net.singleton = prefix
				}
			}
		}
	}
	return net, nil
}
