// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"container/heap"
	"time"
)

type delayed struct {
	event   Event
	readyAt time.Time
	seq     uint64
}

// delayHeap orders events by ready time, then by insertion order.
type delayHeap []delayed

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(delayed)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = delayed{}
	*h = old[:n-1]
	return item
}

// delayQueue yields events only once their delay has elapsed. Not safe for
// concurrent use; the owner serializes access.
type delayQueue struct {
	items delayHeap
	seq   uint64
}

func (q *delayQueue) push(e Event, now time.Time) {
	q.seq++
	heap.Push(&q.items, delayed{event: e, readyAt: now.Add(e.Delay), seq: q.seq})
}

// next returns the ready time of the head, if any.
func (q *delayQueue) next() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].readyAt, true
}

// popReady removes and returns the head if it is ready at now.
func (q *delayQueue) popReady(now time.Time) (Event, bool) {
	if len(q.items) == 0 || q.items[0].readyAt.After(now) {
		return Event{}, false
	}
	return heap.Pop(&q.items).(delayed).event, true
}

// drain removes and returns every queued event regardless of readiness.
func (q *delayQueue) drain() []Event {
	out := make([]Event, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(delayed).event)
	}
	return out
}

func (q *delayQueue) len() int {
	return len(q.items)
}
