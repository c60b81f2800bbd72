package cpsim

// queue.go holds the event queue abstraction the engine drains. The engine
// treats the queue as opaque: any ordering discipline can be plugged in.
// Two disciplines ship here. The FIFO queue preserves push order exactly
// and is fully deterministic. The timed queue stamps every event with a
// nominal delivery time sampled from a per-link latency model and pops in
// ascending time, ties broken by insertion order; it is deterministic for
// a fixed stream name.

import (
	"container/heap"
	"math"

	"golang.org/x/exp/slices"

	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// An EventQueue holds the control-plane events not yet applied.
type EventQueue interface {
	Push(ev *Event)
	Pop() *Event // nil when empty
	Len() int
	Clear()

	// UpdateParameters lets queues that weight delivery by link or
	// router properties refresh their view of the network. Called after
	// every link change (added, removed, re-weighted, or moved to another
	// area) and when a network is rebuilt from its description.
	UpdateParameters(net *Network)
}

// FifoQueue delivers events in exactly the order they were pushed.
type FifoQueue struct {
	pending []*Event
}

// CreateFifoQueue is a constructor.
func CreateFifoQueue() *FifoQueue {
	return &FifoQueue{pending: []*Event{}}
}

func (q *FifoQueue) Push(ev *Event) {
	q.pending = append(q.pending, ev)
}

func (q *FifoQueue) Pop() *Event {
	if len(q.pending) == 0 {
		return nil
	}
	ev := q.pending[0]
	q.pending = q.pending[1:]
	return ev
}

func (q *FifoQueue) Len() int { return len(q.pending) }

func (q *FifoQueue) Clear() { q.pending = q.pending[:0] }

func (q *FifoQueue) UpdateParameters(*Network) {}

// timedHeap and its methods implement a min-priority heap on the delivery
// time of pending events, insertion order breaking ties.
type timedHeap []*Event

func (h timedHeap) Len() int { return len(h) }
func (h timedHeap) Less(i, j int) bool {
	if h[i].Time.Ticks() != h[j].Time.Ticks() {
		return h[i].Time.Ticks() < h[j].Time.Ticks()
	}
	return h[i].seq < h[j].seq
}
func (h timedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timedHeap) Push(x any) {
	*h = append(*h, x.(*Event))
}

func (h *timedHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// TimedQueue orders events by a sampled delivery time: a fixed per-link
// propagation delay plus an exponentially distributed processing delay.
type TimedQueue struct {
	pending timedHeap

	// time the queue has advanced to; newly pushed events depart from
	// here
	now float64

	// propagation delay per directed link, refreshed from the network
	latency map[linkKey]float64

	// default propagation delay for links without an entry
	DefaultLatency float64

	// rate parameter of the processing-delay distribution
	ProcessingRate float64

	rngstrm *rngstream.RngStream
}

// CreateTimedQueue is a constructor. The stream name seeds the random
// number stream, so equal names reproduce equal orderings.
func CreateTimedQueue(streamName string) *TimedQueue {
	q := &TimedQueue{
		pending:        timedHeap{},
		latency:        make(map[linkKey]float64),
		DefaultLatency: 10e-3,
		ProcessingRate: 1000.0,
		rngstrm:        rngstream.New(streamName),
	}
	heap.Init(&q.pending)
	return q
}

func (q *TimedQueue) Push(ev *Event) {
	delay := q.DefaultLatency
	if lat, present := q.latency[linkKey{src: ev.Src, dst: ev.Dst}]; present {
		delay = lat
	}
	u01 := q.rngstrm.RandU01()
	delay += expRV(u01, q.ProcessingRate)
	ev.Time = vrtime.SecondsToTime(q.now + delay)
	heap.Push(&q.pending, ev)
}

func (q *TimedQueue) Pop() *Event {
	if len(q.pending) == 0 {
		return nil
	}
	ev := heap.Pop(&q.pending).(*Event)
	q.now = math.Max(q.now, ev.Time.Seconds())
	return ev
}

func (q *TimedQueue) Len() int { return len(q.pending) }

func (q *TimedQueue) Clear() {
	q.pending = q.pending[:0]
	q.now = 0.0
}

// UpdateParameters derives a propagation delay per directed link from its
// configured weight, treating the weight as a distance proxy.
func (q *TimedQueue) UpdateParameters(net *Network) {
	q.latency = make(map[linkKey]float64)
	for key, link := range net.links {
		if math.IsInf(link.weight, 1) {
			continue
		}
		q.latency[key] = q.DefaultLatency * (1.0 + link.weight/DefaultLinkWeight)
	}
}

// expRV returns a sample of an exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// queueSnapshotter is implemented by the shipped queues so that pending
// events survive serialization.
type queueSnapshotter interface {
	events() []*Event
	restore(ev *Event)
}

func (q *FifoQueue) events() []*Event {
	evs := make([]*Event, len(q.pending))
	copy(evs, q.pending)
	return evs
}

func (q *FifoQueue) restore(ev *Event) { q.pending = append(q.pending, ev) }

func (q *TimedQueue) events() []*Event {
	evs := make([]*Event, len(q.pending))
	copy(evs, q.pending)
	sortEventsByTime(evs)
	return evs
}

func (q *TimedQueue) restore(ev *Event) {
	heap.Push(&q.pending, ev)
	if t := ev.Time.Seconds(); t > q.now {
		q.now = t
	}
}

func sortEventsByTime(evs []*Event) {
	slices.SortFunc(evs, func(a, b *Event) int {
		if a.Time.Ticks() != b.Time.Ticks() {
			if a.Time.Ticks() < b.Time.Ticks() {
				return -1
			}
			return 1
		}
		return a.seq - b.seq
	})
}
