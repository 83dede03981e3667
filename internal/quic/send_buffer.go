// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "fmt"

// SendBuffer holds one stream's outgoing data: everything written
// by the application but not yet known to have been received,
// indexed by absolute stream offset. It tracks which
// sub-ranges have been sent, acknowledged, or declared lost, built
// on the rangeSet utility the way the quic-go lineage's
// streamutils.FrameSorter uses an interval tree for the receive
// side (other_examples stream_framer.go), mirrored here for send.
type SendBuffer struct {
	chunks []sendChunk // contiguous, in ascending offset order

	writeOffset uint64 // total bytes ever appended
	acked       rangeSet
	sentOnce    rangeSet // bytes that have been read at least once

	finOffset uint64 // valid only if finSet
	finSet    bool
	finAcked  bool

	lost rangeSet // bytes reported lost, pending a RetransmitStreamData pass
}

type sendChunk struct {
	offset uint64
	data   []byte
}

// Append adds data to the end of the buffer, at offset writeOffset,
// and returns the offset it was written at.
func (b *SendBuffer) Append(data []byte) uint64 {
	offset := b.writeOffset
	if len(data) == 0 {
		return offset
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.chunks = append(b.chunks, sendChunk{offset: offset, data: cp})
	b.writeOffset += uint64(len(data))
	return offset
}

// AppendOwned is Append without the defensive copy: the caller
// transfers ownership of data and must not modify it afterwards.
func (b *SendBuffer) AppendOwned(data []byte) uint64 {
	offset := b.writeOffset
	if len(data) == 0 {
		return offset
	}
	b.chunks = append(b.chunks, sendChunk{offset: offset, data: data})
	b.writeOffset += uint64(len(data))
	return offset
}

// SetFin records that the stream's final byte has been appended,
// at the current write offset.
func (b *SendBuffer) SetFin() {
	if b.finSet {
		return
	}
	b.finOffset = b.writeOffset
	b.finSet = true
}

// HasFin reports whether SetFin has been called.
func (b *SendBuffer) HasFin() bool { return b.finSet }

// FinOffset returns the stream's final offset. Only valid if HasFin.
func (b *SendBuffer) FinOffset() uint64 { return b.finOffset }

// Size returns the total number of bytes ever appended.
func (b *SendBuffer) Size() uint64 { return b.writeOffset }

// ReadAt copies up to len(p) bytes still held in the buffer (acked
// or not; a fully-acked prefix may already have been discarded)
// starting at offset into p, for retransmission or first
// transmission, and returns the
// number of bytes copied. It marks the returned range as sent.
func (b *SendBuffer) ReadAt(p []byte, offset uint64) int {
	n := 0
	for _, c := range b.chunks {
		end := c.offset + uint64(len(c.data))
		if end <= offset {
			continue
		}
		if c.offset >= offset+uint64(len(p)) {
			break
		}
		start := offset
		if c.offset > start {
			start = c.offset
		}
		srcStart := start - c.offset
		dstStart := start - offset
		avail := uint64(len(c.data)) - srcStart
		room := uint64(len(p)) - dstStart
		copyLen := avail
		if room < copyLen {
			copyLen = room
		}
		copy(p[dstStart:dstStart+copyLen], c.data[srcStart:srcStart+copyLen])
		n += int(copyLen)
	}
	if n > 0 {
		b.sentOnce.Add(offset, offset+uint64(n))
	}
	return n
}

// NextUnsent returns the offset of the first byte that has never
// been read via ReadAt, or (writeOffset, false) if every appended
// byte has been sent at least once.
func (b *SendBuffer) NextUnsent() (offset uint64, ok bool) {
	for _, g := range b.sentOnce.subtract(0, b.writeOffset) {
		return g.Start, true
	}
	return b.writeOffset, false
}

// UnmarkSent reverts [start, end) to "never sent", used when a write
// opportunity reads bytes via ReadAt but the caller declines to
// actually transmit them (e.g. blocked on connection-level flow
// control), so a later write opportunity offers them again instead of
// treating them as already in flight.
func (b *SendBuffer) UnmarkSent(start, end uint64) {
	b.sentOnce.Remove(start, end)
}

// AckInterval marks [start, end) as acknowledged by the peer. If
// this acknowledges the FIN offset, the caller must separately call
// AckFin. Any sub-range already pending retransmission is cleared:
// an ack always wins over a stale loss report.
func (b *SendBuffer) AckInterval(start, end uint64) {
	b.acked.Add(start, end)
	b.lost.Remove(start, end)
	b.compact()
}

// AckFin records that the FIN has been acknowledged.
func (b *SendBuffer) AckFin() { b.finAcked = true }

// FinAcked reports whether AckFin has been called.
func (b *SendBuffer) FinAcked() bool { return b.finAcked }

// MarkLostInterval reports [start, end) as lost: every sub-range not
// already acked is added to the set a future RetransmitStreamData
// pass drains via NextLostRange. Acked bytes are unaffected even if
// included in the range.
func (b *SendBuffer) MarkLostInterval(start, end uint64) []byteRange {
	gaps := b.acked.subtract(start, end)
	for _, g := range gaps {
		b.lost.Add(g.Start, g.End)
	}
	return gaps
}

// NextLostRange returns the first pending lost sub-range not yet
// retransmitted, or ok=false if none remain.
func (b *SendBuffer) NextLostRange() (start, end uint64, ok bool) {
	for _, r := range b.lost.Ranges() {
		return r.Start, r.End, true
	}
	return 0, 0, false
}

// ClearLost removes [start, end) from the pending-retransmission
// set, called once RetransmitStreamData has successfully re-offered
// it.
func (b *SendBuffer) ClearLost(start, end uint64) {
	b.lost.Remove(start, end)
}

// HasPendingLoss reports whether any byte range is waiting on a
// RetransmitStreamData pass.
func (b *SendBuffer) HasPendingLoss() bool {
	return !b.lost.IsEmpty()
}

// Outstanding reports whether any written-but-unacked byte (sent or
// not yet sent) remains
// between 0 and writeOffset (including an unacknowledged FIN),
// i.e. whether this SendBuffer must still be polled for acks before
// the stream can fully close.
func (b *SendBuffer) Outstanding() bool {
	if b.finSet && !b.finAcked {
		return true
	}
	return b.acked.Sum() < b.writeOffset
}

// compact discards any fully-acked prefix chunks, bounding memory
// use to the unacked tail.
func (b *SendBuffer) compact() {
	ackedThrough := uint64(0)
	for _, r := range b.acked.Ranges() {
		if r.Start > ackedThrough {
			break
		}
		if r.End > ackedThrough {
			ackedThrough = r.End
		}
	}
	i := 0
	for i < len(b.chunks) {
		c := b.chunks[i]
		end := c.offset + uint64(len(c.data))
		if end > ackedThrough {
			break
		}
		i++
	}
	if i == 0 {
		return
	}
	b.chunks = append([]sendChunk(nil), b.chunks[i:]...)
}

// DebugString renders the buffer's chunk and ack layout for test
// failure messages.
func (b *SendBuffer) DebugString() string {
	return fmt.Sprintf("SendBuffer{write=%d fin=%v(%d) acked=%v chunks=%d}",
		b.writeOffset, b.finSet, b.finOffset, b.acked.Ranges(), len(b.chunks))
}
