// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "container/list"

// NumPriorityLevels is the number of data-stream priority levels the
// scheduler maintains.
const NumPriorityLevels = 8

// staticEntry is one entry of the static-stream collection: a short
// ordered vector of (stream_id, is_blocked) pairs, kept in strict
// ascending stream-id order. Crypto and header streams
// register here; they always pop before any data stream.
type staticEntry struct {
	id      StreamID
	blocked bool
}

// priorityQueue is one priority level's FIFO of ready stream ids,
// with an O(1) membership check so mark_ready and unregister don't
// need to scan.
type priorityQueue struct {
	order    *list.List // StreamID, front = next to pop
	elements map[StreamID]*list.Element
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{order: list.New(), elements: make(map[StreamID]*list.Element)}
}

func (q *priorityQueue) pushBack(id StreamID) {
	if _, ok := q.elements[id]; ok {
		return
	}
	q.elements[id] = q.order.PushBack(id)
}

func (q *priorityQueue) pushFront(id StreamID) {
	if el, ok := q.elements[id]; ok {
		q.order.MoveToFront(el)
		return
	}
	q.elements[id] = q.order.PushFront(id)
}

func (q *priorityQueue) remove(id StreamID) {
	if el, ok := q.elements[id]; ok {
		q.order.Remove(el)
		delete(q.elements, id)
	}
}

func (q *priorityQueue) popFront() (StreamID, bool) {
	front := q.order.Front()
	if front == nil {
		return 0, false
	}
	id := front.Value.(StreamID)
	q.order.Remove(front)
	delete(q.elements, id)
	return id, true
}

func (q *priorityQueue) has(id StreamID) bool {
	_, ok := q.elements[id]
	return ok
}

func (q *priorityQueue) len() int { return q.order.Len() }

// batchLatch is the per-priority-level "batched writer" state: once
// a stream is popped at a priority level it becomes the latch and is
// granted a byte quota, so other streams at the same level can't
// starve it mid-message but also can't be starved forever by it.
type batchLatch struct {
	streamID       StreamID
	remainingQuota ByteCount
	set            bool
}

// WriteScheduler is the per-connection write scheduler: a
// static-stream collection that always preempts a priority scheduler
// for data streams, 8 levels deep, with batch-write quotas bounding
// how long one stream may monopolize a priority level.
//
// Modeled on the quic-go lineage's streamFramer retransmission/
// priority split, generalized to an 8-level, static-preemption
// scheme.
type WriteScheduler struct {
	static       []staticEntry
	staticByID   map[StreamID]int
	blockedCount int

	levels [NumPriorityLevels]*priorityQueue
	priorityOf map[StreamID]int

	batch             [NumPriorityLevels]batchLatch
	lastPriorityPopped int
	batchQuota        ByteCount
}

// NewWriteScheduler returns an empty WriteScheduler whose batch
// quota per stream is batchQuota (16,000 bytes by default).
func NewWriteScheduler(batchQuota ByteCount) *WriteScheduler {
	w := &WriteScheduler{
		staticByID: make(map[StreamID]int),
		priorityOf: make(map[StreamID]int),
		batchQuota: batchQuota,
	}
	for i := range w.levels {
		w.levels[i] = newPriorityQueue()
	}
	return w
}

// RegisterStatic adds id as a static stream (crypto, HTTP headers):
// it always preempts data streams and other lower-priority static
// streams, in ascending stream-id order.
func (w *WriteScheduler) RegisterStatic(id StreamID) {
	if _, ok := w.staticByID[id]; ok {
		return
	}
	i := 0
	for i < len(w.static) && w.static[i].id < id {
		i++
	}
	w.static = append(w.static, staticEntry{})
	copy(w.static[i+1:], w.static[i:])
	w.static[i] = staticEntry{id: id}
	for id2, idx := range w.staticByID {
		if idx >= i {
			w.staticByID[id2] = idx + 1
		}
	}
	w.staticByID[id] = i
}

// Register adds id as a data stream at priority.
func (w *WriteScheduler) Register(id StreamID, priority int) {
	w.priorityOf[id] = priority
}

// Unregister removes id from whichever sub-queue it belongs to,
// leaving the scheduler in the state prior to registration.
func (w *WriteScheduler) Unregister(id StreamID) {
	if i, ok := w.staticByID[id]; ok {
		if w.static[i].blocked {
			w.blockedCount--
		}
		w.static = append(w.static[:i], w.static[i+1:]...)
		delete(w.staticByID, id)
		for id2, idx := range w.staticByID {
			if idx > i {
				w.staticByID[id2] = idx - 1
			}
		}
		return
	}
	if p, ok := w.priorityOf[id]; ok {
		w.levels[p].remove(id)
		delete(w.priorityOf, id)
	}
}

// UpdatePrecedence moves a data stream to a new priority level.
func (w *WriteScheduler) UpdatePrecedence(id StreamID, priority int) {
	old, ok := w.priorityOf[id]
	if !ok || old == priority {
		w.priorityOf[id] = priority
		return
	}
	wasReady := w.levels[old].has(id)
	w.levels[old].remove(id)
	w.priorityOf[id] = priority
	if wasReady {
		w.levels[priority].pushBack(id)
	}
}

// AddStream marks id ready to write: static streams are marked
// blocked in the static collection; data streams are pushed to the
// front of their level iff they are the in-progress batch stream
// with quota left, else to the back.
func (w *WriteScheduler) AddStream(id StreamID) {
	if i, ok := w.staticByID[id]; ok {
		if !w.static[i].blocked {
			w.static[i].blocked = true
			w.blockedCount++
		}
		return
	}
	p, ok := w.priorityOf[id]
	if !ok {
		return
	}
	pushFront := w.batch[p].set && w.batch[p].streamID == id && w.batch[p].remainingQuota > 0
	w.markReady(id, p, pushFront)
}

func (w *WriteScheduler) markReady(id StreamID, priority int, pushFront bool) {
	if pushFront {
		w.levels[priority].pushFront(id)
	} else {
		w.levels[priority].pushBack(id)
	}
}

// IsReady reports whether id is currently queued to write.
func (w *WriteScheduler) IsReady(id StreamID) bool {
	if i, ok := w.staticByID[id]; ok {
		return w.static[i].blocked
	}
	if p, ok := w.priorityOf[id]; ok {
		return w.levels[p].has(id)
	}
	return false
}

// HasReadyStreams reports whether PopFront would return a stream.
func (w *WriteScheduler) HasReadyStreams() bool {
	if w.blockedCount > 0 {
		return true
	}
	for _, lvl := range w.levels {
		if lvl.len() > 0 {
			return true
		}
	}
	return false
}

// NumReadyStreams returns the total number of streams that would be
// visited before PopFront returns false.
func (w *WriteScheduler) NumReadyStreams() int {
	n := w.blockedCount
	for _, lvl := range w.levels {
		n += lvl.len()
	}
	return n
}

// PopFront pops the next stream to write: static streams (in
// ascending id order) always preempt data streams; among data
// streams, pop the highest-priority ready one and manage the
// per-level batch latch.
func (w *WriteScheduler) PopFront() (id StreamID, ok bool) {
	if w.blockedCount > 0 {
		for i := range w.static {
			if w.static[i].blocked {
				w.static[i].blocked = false
				w.blockedCount--
				return w.static[i].id, true
			}
		}
	}
	for p := 0; p < NumPriorityLevels; p++ {
		lvl := w.levels[p]
		id, ok := lvl.popFront()
		if !ok {
			continue
		}
		w.lastPriorityPopped = p
		if lvl.len() == 0 {
			w.batch[p] = batchLatch{}
		}
		if !w.batch[p].set || w.batch[p].streamID != id {
			w.batch[p] = batchLatch{streamID: id, remainingQuota: w.batchQuota, set: true}
		}
		return id, true
	}
	return 0, false
}

// UpdateBytesForStream decrements the remaining quota of
// last_priority_popped's batch stream by n.
func (w *WriteScheduler) UpdateBytesForStream(n ByteCount) {
	b := &w.batch[w.lastPriorityPopped]
	if !b.set {
		return
	}
	b.remainingQuota -= n
}

// ShouldYield reports whether id should defer to another stream
// before writing. A static stream yields only if a static stream
// ahead of it (lower id) is blocked. A data stream yields if any
// static stream is blocked, if a higher-priority level has a ready
// stream, or if another stream is queued at its own level while id
// itself is not queued.
func (w *WriteScheduler) ShouldYield(id StreamID) bool {
	if i, ok := w.staticByID[id]; ok {
		for j := 0; j < i; j++ {
			if w.static[j].blocked {
				return true
			}
		}
		return false
	}
	if w.blockedCount > 0 {
		return true
	}
	p, ok := w.priorityOf[id]
	if !ok {
		return false
	}
	for lp := 0; lp < p; lp++ {
		if w.levels[lp].len() > 0 {
			return true
		}
	}
	if lvl := w.levels[p]; lvl.len() > 0 && !lvl.has(id) {
		return true // another stream at the same priority is queued ahead
	}
	return false
}
