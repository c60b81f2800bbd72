package cpsim

// prefix.go provides the prefix-indexed containers used by every routing
// table in the simulator. A network fixes one PrefixKind at construction;
// all tables, advertisements, and events of that network use it.
//
// The three kinds differ in their containment semantics:
//   - SinglePrefix: one logical destination, the table is a single cell
//   - SimplePrefix: disjoint prefixes, equality keyed
//   - Ipv4Prefix:   CIDR blocks, looked up by longest prefix match
//
// Only the Ipv4Prefix kind pays for a trie (github.com/gaissmai/bart); the
// other two degrade longest-prefix-match lookup to exact lookup.

import (
	"net/netip"

	"github.com/gaissmai/bart"
	"golang.org/x/exp/slices"
)

// PrefixKind selects the containment semantics of a network's prefix space.
type PrefixKind int

const (
	// SinglePrefix models a single destination; at most one table entry.
	SinglePrefix PrefixKind = iota
	// SimplePrefix models disjoint prefixes keyed by equality.
	SimplePrefix
	// Ipv4Prefix models hierarchical IPv4 CIDR blocks with LPM lookup.
	Ipv4Prefix
)

func (k PrefixKind) String() string {
	switch k {
	case SinglePrefix:
		return "single"
	case SimplePrefix:
		return "simple"
	default:
		return "ipv4"
	}
}

// PrefixItem pairs a prefix with its table value, for iteration.
type PrefixItem[V any] struct {
	Prefix netip.Prefix
	Value  V
}

// A PrefixMap is a routing table keyed by prefix. Items returns entries in
// ascending prefix order so that table walks are reproducible.
type PrefixMap[V any] interface {
	Insert(p netip.Prefix, v V)
	Remove(p netip.Prefix) bool
	GetExact(p netip.Prefix) (V, bool)

	// GetLPM returns the most specific entry containing p. For the
	// non-hierarchical kinds this is an exact lookup.
	GetLPM(p netip.Prefix) (netip.Prefix, V, bool)

	Len() int
	Items() []PrefixItem[V]
}

// NewPrefixMap creates the table variant matching the given kind.
func NewPrefixMap[V any](kind PrefixKind) PrefixMap[V] {
	switch kind {
	case SinglePrefix:
		return &singleMap[V]{}
	case SimplePrefix:
		return &simpleMap[V]{entries: make(map[netip.Prefix]V)}
	default:
		return &ipv4Map[V]{}
	}
}

// singleMap holds at most one entry. The prefix key is remembered only to
// echo it back on lookup.
type singleMap[V any] struct {
	occupied bool
	prefix   netip.Prefix
	value    V
}

func (sm *singleMap[V]) Insert(p netip.Prefix, v V) {
	sm.occupied = true
	sm.prefix = p
	sm.value = v
}

func (sm *singleMap[V]) Remove(p netip.Prefix) bool {
	if !sm.occupied || sm.prefix != p {
		return false
	}
	*sm = singleMap[V]{}
	return true
}

func (sm *singleMap[V]) GetExact(p netip.Prefix) (V, bool) {
	var zero V
	if !sm.occupied || sm.prefix != p {
		return zero, false
	}
	return sm.value, true
}

func (sm *singleMap[V]) GetLPM(p netip.Prefix) (netip.Prefix, V, bool) {
	v, present := sm.GetExact(p)
	return sm.prefix, v, present
}

func (sm *singleMap[V]) Len() int {
	if sm.occupied {
		return 1
	}
	return 0
}

func (sm *singleMap[V]) Items() []PrefixItem[V] {
	if !sm.occupied {
		return nil
	}
	return []PrefixItem[V]{{Prefix: sm.prefix, Value: sm.value}}
}

// simpleMap is a hash map over disjoint prefixes.
type simpleMap[V any] struct {
	entries map[netip.Prefix]V
}

func (sm *simpleMap[V]) Insert(p netip.Prefix, v V) {
	sm.entries[p] = v
}

func (sm *simpleMap[V]) Remove(p netip.Prefix) bool {
	_, present := sm.entries[p]
	delete(sm.entries, p)
	return present
}

func (sm *simpleMap[V]) GetExact(p netip.Prefix) (V, bool) {
	v, present := sm.entries[p]
	return v, present
}

func (sm *simpleMap[V]) GetLPM(p netip.Prefix) (netip.Prefix, V, bool) {
	v, present := sm.entries[p]
	return p, v, present
}

func (sm *simpleMap[V]) Len() int { return len(sm.entries) }

func (sm *simpleMap[V]) Items() []PrefixItem[V] {
	items := make([]PrefixItem[V], 0, len(sm.entries))
	for p, v := range sm.entries {
		items = append(items, PrefixItem[V]{Prefix: p, Value: v})
	}
	slices.SortFunc(items, func(a, b PrefixItem[V]) int { return cmpPrefix(a.Prefix, b.Prefix) })
	return items
}

// ipv4Map wraps a balanced routing-table trie for longest-prefix matching.
type ipv4Map[V any] struct {
	table bart.Table[V]
}

func (im *ipv4Map[V]) Insert(p netip.Prefix, v V) {
	im.table.Insert(p.Masked(), v)
}

func (im *ipv4Map[V]) Remove(p netip.Prefix) bool {
	_, present := im.table.Get(p.Masked())
	if present {
		im.table.Delete(p.Masked())
	}
	return present
}

func (im *ipv4Map[V]) GetExact(p netip.Prefix) (V, bool) {
	return im.table.Get(p.Masked())
}

func (im *ipv4Map[V]) GetLPM(p netip.Prefix) (netip.Prefix, V, bool) {
	return im.table.LookupPrefixLPM(p.Masked())
}

func (im *ipv4Map[V]) Len() int { return im.table.Size() }

func (im *ipv4Map[V]) Items() []PrefixItem[V] {
	items := make([]PrefixItem[V], 0, im.table.Size())
	for p, v := range im.table.All() {
		items = append(items, PrefixItem[V]{Prefix: p, Value: v})
	}
	slices.SortFunc(items, func(a, b PrefixItem[V]) int { return cmpPrefix(a.Prefix, b.Prefix) })
	return items
}

// PrefixContains reports whether the destination set of b is contained in
// the destination set of a.
func PrefixContains(a, b netip.Prefix) bool {
	return a.Bits() <= b.Bits() && a.Contains(b.Addr())
}
