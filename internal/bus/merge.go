package bus

import (
	"container/heap"

	"github.com/leandrodaf/midibus/sdk/contracts"
)

type mergeItem struct {
	ev   contracts.Event
	slot int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if h[i].ev.Pulse != h[j].ev.Pulse {
		return h[i].ev.Pulse < h[j].ev.Pulse
	}
	return h[i].ev.Bus < h[j].ev.Bus
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// Merger interleaves the input streams of several buses by pulse time. Each
// stream is already ordered, so one lookahead event per bus is enough. Ties
// go to the lower bus index.
type Merger struct {
	buses   []*Bus
	h       mergeHeap
	pending []bool
}

// NewMerger merges the given input buses.
func NewMerger(buses []*Bus) *Merger {
	return &Merger{buses: buses, pending: make([]bool, len(buses))}
}

// Next returns the earliest queued event across all buses.
func (m *Merger) Next() (contracts.Event, bool) {
	for i, b := range m.buses {
		if m.pending[i] || b == nil {
			continue
		}
		if ev, ok := b.Receive(); ok {
			heap.Push(&m.h, mergeItem{ev: ev, slot: i})
			m.pending[i] = true
		}
	}
	if m.h.Len() == 0 {
		return contracts.Event{}, false
	}
	it := heap.Pop(&m.h).(mergeItem)
	m.pending[it.slot] = false
	return it.ev, true
}

// Drain returns everything currently queued, in merged order.
func (m *Merger) Drain() []contracts.Event {
	var out []contracts.Event
	for {
		ev, ok := m.Next()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}
