package cpsim

// fwdstate.go extracts the forwarding behavior of a converged network: a
// pure function of the selected BGP routes and the OSPF next-hop tables.
// The snapshot is detached from the network, so later mutations do not
// disturb it.

import (
	"net/netip"

	"golang.org/x/exp/slices"
)

// toDst marks a router that terminates forwarding for a prefix: an
// external router currently advertising it.
const toDst Rid = -1

// DefaultMaxPaths bounds path enumeration; equal-cost branching grows the
// path set multiplicatively.
const DefaultMaxPaths = 1024

// FsSnapshot is the forwarding state of the whole network at one instant.
type FsSnapshot struct {
	kind     PrefixKind
	state    map[Rid]PrefixMap[[]Rid]
	maxPaths int
}

// GetForwardingState snapshots the converged forwarding state. It fails
// with ErrNotConverged while control-plane events are still pending.
func (net *Network) GetForwardingState() (*FsSnapshot, error) {
	if net.queue.Len() > 0 {
		return nil, ErrNotConverged
	}

	fs := &FsSnapshot{
		kind:     net.kind,
		state:    make(map[Rid]PrefixMap[[]Rid]),
		maxPaths: DefaultMaxPaths,
	}
	for _, rid := range net.internalRids() {
		rtr := net.routers[rid]
		table := NewPrefixMap[[]Rid](net.kind)
		for _, item := range rtr.bgp.Rib().Items() {
			table.Insert(item.Prefix, rtr.fibNextHops(item.Prefix))
		}
		fs.state[rid] = table
	}
	for _, rid := range net.externalRids() {
		ext := net.exts[rid]
		table := NewPrefixMap[[]Rid](net.kind)
		for _, item := range ext.advertised.Items() {
			table.Insert(item.Prefix, []Rid{toDst})
		}
		fs.state[rid] = table
	}
	return fs, nil
}

// SetMaxPaths replaces the path-enumeration bound.
func (fs *FsSnapshot) SetMaxPaths(n int) { fs.maxPaths = n }

// NextHops returns the forwarding next hops of a router for a prefix. The
// set is empty for black holes and for routers terminating the prefix.
func (fs *FsSnapshot) NextHops(r Rid, prefix netip.Prefix) []Rid {
	nhs := fs.lookup(r, prefix)
	if len(nhs) == 1 && nhs[0] == toDst {
		return nil
	}
	return slices.Clone(nhs)
}

// IsTerminal reports whether the router itself terminates forwarding for
// the prefix.
func (fs *FsSnapshot) IsTerminal(r Rid, prefix netip.Prefix) bool {
	nhs := fs.lookup(r, prefix)
	return len(nhs) == 1 && nhs[0] == toDst
}

// IsBlackHole reports whether the router drops packets for the prefix.
func (fs *FsSnapshot) IsBlackHole(r Rid, prefix netip.Prefix) bool {
	return len(fs.lookup(r, prefix)) == 0
}

func (fs *FsSnapshot) lookup(r Rid, prefix netip.Prefix) []Rid {
	table, present := fs.state[r]
	if !present {
		return nil
	}
	_, nhs, found := table.GetLPM(prefix)
	if !found {
		return nil
	}
	return nhs
}

// GetPaths enumerates every loop-free forwarding path from the source
// router to a router terminating the prefix. Paths are returned in no
// particular order; tests compare them as multisets. When the enumeration
// bound is hit, the truncated set is returned along with
// ErrMaxPathsExceeded.
func (fs *FsSnapshot) GetPaths(source Rid, prefix netip.Prefix) ([][]Rid, error) {
	visited := map[Rid]bool{source: true}
	paths, err := fs.trace(prefix, source, visited, []Rid{source})
	if err != nil {
		return nil, err
	}
	if len(paths) > fs.maxPaths {
		return paths[:fs.maxPaths], ErrMaxPathsExceeded
	}
	return paths, nil
}

// trace expands the forwarding graph below cur, returning the path
// suffixes starting at cur.
func (fs *FsSnapshot) trace(prefix netip.Prefix, cur Rid, visited map[Rid]bool, walk []Rid) ([][]Rid, error) {
	nhs := fs.lookup(cur, prefix)
	if len(nhs) == 0 {
		return nil, &BlackHoleError{Path: slices.Clone(walk)}
	}
	if len(nhs) == 1 && nhs[0] == toDst {
		return [][]Rid{{cur}}, nil
	}

	var suffixes [][]Rid
	for _, nh := range nhs {
		if visited[nh] {
			first := slices.Index(walk, nh)
			return nil, &ForwardingLoopError{
				Path: slices.Clone(walk[:first]),
				Loop: slices.Clone(walk[first:]),
			}
		}
		visited[nh] = true
		walk = append(walk, nh)
		below, err := fs.trace(prefix, nh, visited, walk)
		walk = walk[:len(walk)-1]
		delete(visited, nh)
		if err != nil {
			return nil, err
		}
		for _, suffix := range below {
			suffixes = append(suffixes, append([]Rid{cur}, suffix...))
			if len(suffixes) > fs.maxPaths {
				return suffixes, nil
			}
		}
	}
	return suffixes, nil
}
