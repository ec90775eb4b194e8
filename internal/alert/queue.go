package alert

import "container/heap"

// entry is the scheduler's owned record for one alert.
type entry struct {
	alert Alert
	order uint64 // schedule order, tie-breaker for equal trigger times
	index int    // position in the queue, -1 when not queued
}

// queue is a min-heap of pending entries ordered by (trigger time, order).
type queue []*entry

var _ heap.Interface = (*queue)(nil)

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if !a.alert.TriggerTime.Equal(b.alert.TriggerTime) {
		return a.alert.TriggerTime.Before(b.alert.TriggerTime)
	}
	return a.order < b.order
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q queue) peek() *entry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
