package cpsim

// cpsim.go holds the base identifier types and attribute definitions shared
// by the BGP and OSPF state machines.
//
// The simulator models one autonomous system of internal routers, a set of
// external routers (each in its own AS), the links between them, and the BGP
// sessions configured on top. All control-plane traffic is exchanged through
// an in-process event queue, see queue.go and network.go.

import (
	"fmt"
	"net/netip"

	"golang.org/x/exp/slices"
)

// Rid identifies a router (internal or external) within one network.
// Ids are allocated by the network and are never reused.
type Rid int

// AsN is an autonomous system number.
type AsN uint32

// OspfArea numbers an OSPF area. Area 0 is the backbone.
type OspfArea uint32

// Backbone is the OSPF backbone area.
const Backbone OspfArea = 0

// IsBackbone reports whether the area is the backbone area.
func (a OspfArea) IsBackbone() bool { return a == Backbone }

// LinkWeight is the OSPF cost of a directed link. Infinite weight encodes a
// link that is down or otherwise unusable.
type LinkWeight = float64

// default attribute values applied when a route carries no explicit value
const (
	DefaultLocalPref  uint32 = 100
	DefaultMed        uint32 = 0
	DefaultWeight     uint32 = 100
	DefaultLinkWeight        = LinkWeight(100.0)

	// external links carry no configurable OSPF cost
	ExternalLinkWeight = LinkWeight(0.0)
)

// DefaultStopAfter bounds the number of simulation steps executed by a
// single Simulate call before giving up with ErrNoConvergence.
const DefaultStopAfter = 100_000

// Origin is the BGP ORIGIN attribute. Lower values are preferred.
type Origin int

const (
	OriginIgp Origin = iota
	OriginEgp
	OriginIncomplete
)

func (o Origin) String() string {
	switch o {
	case OriginIgp:
		return "i"
	case OriginEgp:
		return "e"
	default:
		return "?"
	}
}

// A Community is an opaque route tag, scoped by the AS that attached it.
// Tags in AS 65535 are the well-known, transitive ones.
type Community struct {
	Asn AsN    `json:"asn" yaml:"asn"`
	Num uint32 `json:"num" yaml:"num"`
}

// well-known communities, kept when crossing AS boundaries
var (
	NoExport         = Community{Asn: 0xffff, Num: 0xff01}
	NoAdvertise      = Community{Asn: 0xffff, Num: 0xff02}
	GracefulShutdown = Community{Asn: 0xffff, Num: 0}
	Blackhole        = Community{Asn: 0xffff, Num: 666}
)

// IsPublic reports whether the community is a well-known (transitive) one.
func (c Community) IsPublic() bool { return c.Asn == 0xffff }

func (c Community) String() string { return fmt.Sprintf("%d:%d", c.Asn, c.Num) }

// communities are kept as sorted slices so that serialized state and event
// payloads are reproducible run to run
func cmpCommunity(a, b Community) int {
	if a.Asn != b.Asn {
		if a.Asn < b.Asn {
			return -1
		}
		return 1
	}
	if a.Num != b.Num {
		if a.Num < b.Num {
			return -1
		}
		return 1
	}
	return 0
}

func hasCommunity(cs []Community, c Community) bool {
	_, found := slices.BinarySearchFunc(cs, c, cmpCommunity)
	return found
}

func addCommunity(cs []Community, c Community) []Community {
	idx, found := slices.BinarySearchFunc(cs, c, cmpCommunity)
	if found {
		return cs
	}
	return slices.Insert(cs, idx, c)
}

func delCommunity(cs []Community, c Community) []Community {
	idx, found := slices.BinarySearchFunc(cs, c, cmpCommunity)
	if !found {
		return cs
	}
	return slices.Delete(cs, idx, idx+1)
}

// cmpPrefix orders prefixes by address, then by length, giving every prefix
// container a reproducible iteration order
func cmpPrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	switch {
	case a.Bits() < b.Bits():
		return -1
	case a.Bits() > b.Bits():
		return 1
	}
	return 0
}
