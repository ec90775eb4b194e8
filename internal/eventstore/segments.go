package eventstore

import (
	"sort"
	"sync/atomic"
)

const segmentSize = 1024

type segment [segmentSize]*Event

// eventList is an append-only list with a single writer and lock-free readers.
// The writer fills slots and then publishes a new length; readers only look
// at slots below the published length.
type eventList struct {
	segs      atomic.Pointer[[]*segment]
	published atomic.Uint64
	written   uint64
}

func newEventList() *eventList {
	l := &eventList{}
	empty := make([]*segment, 0)
	l.segs.Store(&empty)
	return l
}

// push must be called with the store's commit lock held.
func (l *eventList) push(ev *Event) {
	idx := l.written
	segs := *l.segs.Load()
	if int(idx/segmentSize) == len(segs) {
		grown := make([]*segment, len(segs), len(segs)+1)
		copy(grown, segs)
		grown = append(grown, new(segment))
		l.segs.Store(&grown)
		segs = grown
	}
	segs[idx/segmentSize][idx%segmentSize] = ev
	l.written++
}

// publish makes every pushed event visible to readers.
func (l *eventList) publish() {
	l.published.Store(l.written)
}

func (l *eventList) len() uint64 {
	return l.published.Load()
}

// at returns the i-th event; i must be below a length observed earlier.
func (l *eventList) at(i uint64) *Event {
	segs := *l.segs.Load()
	return segs[i/segmentSize][i%segmentSize]
}

// searchSeq returns the first index in [0, n) whose sequence is >= seq.
func (l *eventList) searchSeq(n, seq uint64) uint64 {
	return uint64(sort.Search(int(n), func(i int) bool {
		return l.at(uint64(i)).Sequence >= seq
	}))
}
