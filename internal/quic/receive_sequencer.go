// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

// ReceiveSequencer reassembles one stream's incoming bytes: frames
// may arrive out of order and overlapping, but Read only ever
// returns bytes in offset order, buffering anything past a gap until
// the gap fills.
type ReceiveSequencer struct {
	chunks   []recvChunk // disjoint, ascending offset order
	received rangeSet

	readOffset uint64

	discarded bool
}

type recvChunk struct {
	offset uint64
	data   []byte
}

// Insert adds data at the given absolute offset. Bytes already
// received (from an earlier, overlapping frame) are dropped; only
// genuinely new sub-ranges are buffered. Inserting into a discarded
// sequencer is a no-op.
func (q *ReceiveSequencer) Insert(offset uint64, data []byte) {
	if q.discarded || len(data) == 0 {
		return
	}
	end := offset + uint64(len(data))
	for _, gap := range q.received.subtract(offset, end) {
		if gap.End <= q.readOffset {
			continue
		}
		start := gap.Start
		if start < q.readOffset {
			start = q.readOffset
		}
		cp := make([]byte, gap.End-start)
		copy(cp, data[start-offset:gap.End-offset])
		q.insertChunk(recvChunk{offset: start, data: cp})
	}
	q.received.Add(offset, end)
}

func (q *ReceiveSequencer) insertChunk(c recvChunk) {
	i := 0
	for i < len(q.chunks) && q.chunks[i].offset < c.offset {
		i++
	}
	q.chunks = append(q.chunks, recvChunk{})
	copy(q.chunks[i+1:], q.chunks[i:])
	q.chunks[i] = c
}

// Read copies up to len(p) in-order bytes into p, starting at the
// current read offset, and returns how many were copied. It stops at
// the first gap.
func (q *ReceiveSequencer) Read(p []byte) int {
	n := 0
	for len(p) > 0 && len(q.chunks) > 0 {
		c := q.chunks[0]
		if c.offset > q.readOffset {
			break // gap: later bytes stay buffered
		}
		skip := q.readOffset - c.offset
		copied := copy(p, c.data[skip:])
		n += copied
		p = p[copied:]
		q.readOffset += uint64(copied)
		if skip+uint64(copied) == uint64(len(c.data)) {
			q.chunks = q.chunks[1:]
		}
	}
	return n
}

// BytesReadable returns how many bytes Read would currently return:
// the contiguous run starting at the read offset.
func (q *ReceiveSequencer) BytesReadable() uint64 {
	var n uint64
	next := q.readOffset
	for _, c := range q.chunks {
		if c.offset > next {
			break
		}
		end := c.offset + uint64(len(c.data))
		if end > next {
			n += end - next
			next = end
		}
	}
	return n
}

// ReadOffset returns the absolute offset of the next byte Read will
// deliver.
func (q *ReceiveSequencer) ReadOffset() uint64 { return q.readOffset }

// HasBuffered reports whether any bytes (in-order or gapped) remain
// buffered.
func (q *ReceiveSequencer) HasBuffered() bool { return len(q.chunks) > 0 }

// Discard drops all buffered data and ignores future Inserts, for a
// reader that has stopped reading (STOP_SENDING sent, or the stream
// was reset).
func (q *ReceiveSequencer) Discard() {
	q.chunks = nil
	q.discarded = true
}
