package cpsim

// router.go defines the two device types of the simulated network. An
// internal router runs the BGP and OSPF state machines; an external router
// stands in for a whole neighboring AS, originating and absorbing routes
// over its eBGP sessions.

import (
	"net/netip"

	"golang.org/x/exp/slices"
)

// routerDev is one internal router.
type routerDev struct {
	routerName string
	routerId   Rid
	asn        AsN

	bgp  *bgpProc
	ospf *ospfProc
}

func createRouterDev(name string, rid Rid, asn AsN, net *Network) *routerDev {
	return &routerDev{
		routerName: name,
		routerId:   rid,
		asn:        asn,
		bgp:        createBgpProc(rid, asn, net.kind, net.logger),
		ospf:       createOspfProc(rid, net.ospfVariant),
	}
}

// handleEvent dispatches one delivered event into the router's protocol
// machinery and returns the events it emits in response.
func (rtr *routerDev) handleEvent(ev *Event, net *Network) []*Event {
	switch ev.Kind {
	case BgpUpdateEvent, BgpWithdrawEvent:
		return rtr.bgp.handleEvent(ev.Src, ev)
	case OspfLsaEvent:
		if rtr.ospf.db == nil {
			// global OSPF updates tables directly; a stray flood
			// event carries no information
			return nil
		}
		changed, events := rtr.ospf.handleLsa(ev.Src, ev.Lsa, net.internalRids(), net.externalRids())
		if changed {
			rtr.bgp.updateIgp(rtr.ospf.table)
			events = append(events, rtr.bgp.updateTables(false)...)
		}
		return events
	}
	return nil
}

// fibNextHops resolves the router's forwarding next hops for one prefix:
// the selected BGP route, chased through the IGP.
func (rtr *routerDev) fibNextHops(prefix netip.Prefix) []Rid {
	entry := rtr.bgp.routeFor(prefix)
	if entry == nil {
		return nil
	}
	hops, _ := rtr.ospf.nextHopsTo(entry.Route.NextHop)
	return slices.Clone(hops)
}

// extRouter is an external router: a router of another AS reachable over
// one or more external links. It originates configured advertisements and
// records whatever its peers send back.
type extRouter struct {
	routerName string
	routerId   Rid
	asn        AsN

	// eBGP peers, by router id
	sessions map[Rid]struct{}

	// the routes this AS currently originates
	advertised PrefixMap[*BgpRoute]

	// routes received from the simulated AS, per prefix and peer
	ribIn PrefixMap[map[Rid]*BgpRoute]
}

func createExtRouter(name string, rid Rid, asn AsN, kind PrefixKind) *extRouter {
	return &extRouter{
		routerName: name,
		routerId:   rid,
		asn:        asn,
		sessions:   make(map[Rid]struct{}),
		advertised: NewPrefixMap[*BgpRoute](kind),
		ribIn:      NewPrefixMap[map[Rid]*BgpRoute](kind),
	}
}

func (ext *extRouter) sortedPeers() []Rid {
	peers := make([]Rid, 0, len(ext.sessions))
	for peer := range ext.sessions {
		peers = append(peers, peer)
	}
	slices.Sort(peers)
	return peers
}

// advertisePrefix starts (or replaces) an advertisement and returns the
// update events toward every session.
func (ext *extRouter) advertisePrefix(prefix netip.Prefix, asPath []AsN, med uint32, communities []Community) []*Event {
	route := &BgpRoute{
		Prefix:      prefix,
		AsPath:      slices.Clone(asPath),
		NextHop:     ext.routerId,
		Med:         med,
		Origin:      OriginIgp,
		Communities: slices.Clone(communities),
	}
	slices.SortFunc(route.Communities, cmpCommunity)
	ext.advertised.Insert(prefix, route)

	var events []*Event
	for _, peer := range ext.sortedPeers() {
		events = append(events, updateEvent(ext.routerId, peer, route.clone()))
	}
	return events
}

// withdrawPrefix stops an advertisement. Nothing happens if the prefix was
// never advertised.
func (ext *extRouter) withdrawPrefix(prefix netip.Prefix) []*Event {
	if _, present := ext.advertised.GetExact(prefix); !present {
		return nil
	}
	ext.advertised.Remove(prefix)

	var events []*Event
	for _, peer := range ext.sortedPeers() {
		events = append(events, withdrawEvent(ext.routerId, peer, prefix))
	}
	return events
}

// sessionUp records a new session and re-sends the current advertisements
// over it.
func (ext *extRouter) sessionUp(peer Rid) []*Event {
	ext.sessions[peer] = struct{}{}

	var events []*Event
	for _, item := range ext.advertised.Items() {
		events = append(events, updateEvent(ext.routerId, peer, item.Value.clone()))
	}
	return events
}

// sessionDown forgets the session and everything learned over it.
func (ext *extRouter) sessionDown(peer Rid) {
	delete(ext.sessions, peer)
	for _, item := range ext.ribIn.Items() {
		delete(item.Value, peer)
	}
}

// handleEvent absorbs a message from a peer. External routers never react
// with events of their own.
func (ext *extRouter) handleEvent(ev *Event) {
	if _, present := ext.sessions[ev.Src]; !present {
		return
	}
	switch ev.Kind {
	case BgpUpdateEvent:
		table, present := ext.ribIn.GetExact(ev.Route.Prefix)
		if !present {
			table = make(map[Rid]*BgpRoute)
			ext.ribIn.Insert(ev.Route.Prefix, table)
		}
		table[ev.Src] = ev.Route.clone()
	case BgpWithdrawEvent:
		if table, present := ext.ribIn.GetExact(ev.Prefix); present {
			delete(table, ev.Src)
		}
	}
}
