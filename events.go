package cpsim

// events.go defines the control-plane messages exchanged through the event
// queue. An event always names the router that emitted it and the router
// that will process it; payload fields beyond the kind's own are left at
// their zero value.

import (
	"fmt"
	"net/netip"

	"github.com/iti/evt/vrtime"
)

// EventKind tags the payload of an Event.
type EventKind int

const (
	// BgpUpdateEvent carries a route advertisement in Route.
	BgpUpdateEvent EventKind = iota
	// BgpWithdrawEvent retracts the advertisement for Prefix.
	BgpWithdrawEvent
	// OspfLsaEvent floods a link-state record in Lsa.
	OspfLsaEvent
)

func (k EventKind) String() string {
	switch k {
	case BgpUpdateEvent:
		return "bgp-update"
	case BgpWithdrawEvent:
		return "bgp-withdraw"
	default:
		return "ospf-lsa"
	}
}

// An Event is one pending control-plane message.
type Event struct {
	Kind EventKind
	Src  Rid
	Dst  Rid

	Route  *BgpRoute    // BgpUpdateEvent
	Prefix netip.Prefix // BgpWithdrawEvent
	Lsa    *LsaRecord   // OspfLsaEvent

	// Time is the nominal delivery time, stamped by queues that model
	// latency. FIFO queues leave it at zero.
	Time vrtime.Time

	// seq is the global insertion number, the tie-break for queues that
	// reorder by time
	seq int
}

func (ev *Event) String() string {
	switch ev.Kind {
	case BgpUpdateEvent:
		return fmt.Sprintf("update %s %d->%d", ev.Route.Prefix, ev.Src, ev.Dst)
	case BgpWithdrawEvent:
		return fmt.Sprintf("withdraw %s %d->%d", ev.Prefix, ev.Src, ev.Dst)
	default:
		return fmt.Sprintf("lsa %d->%d", ev.Src, ev.Dst)
	}
}

// eventPrefix returns the prefix an event talks about, when it has one.
func (ev *Event) eventPrefix() (netip.Prefix, bool) {
	switch ev.Kind {
	case BgpUpdateEvent:
		return ev.Route.Prefix, true
	case BgpWithdrawEvent:
		return ev.Prefix, true
	}
	return netip.Prefix{}, false
}

func updateEvent(src, dst Rid, route *BgpRoute) *Event {
	return &Event{Kind: BgpUpdateEvent, Src: src, Dst: dst, Route: route}
}

func withdrawEvent(src, dst Rid, prefix netip.Prefix) *Event {
	return &Event{Kind: BgpWithdrawEvent, Src: src, Dst: dst, Prefix: prefix}
}

func lsaEvent(src, dst Rid, lsa *LsaRecord) *Event {
	return &Event{Kind: OspfLsaEvent, Src: src, Dst: dst, Lsa: lsa}
}
