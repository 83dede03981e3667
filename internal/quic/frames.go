// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"errors"
	"time"
)

// Frame type codes, RFC 9000 Section 19.
const (
	frameTypeResetStream    = 0x04
	frameTypeStopSending    = 0x05
	frameTypeAck            = 0x02
	frameTypeStream         = 0x08 // low 3 bits are OFF/LEN/FIN
	frameTypeMaxData        = 0x10
	frameTypeMaxStreamData  = 0x11
	frameTypeMaxStreamsBidi = 0x12
	frameTypeMaxStreamsUni  = 0x13
	frameTypeStreamsBlockedBidi = 0x16
	frameTypeStreamsBlockedUni  = 0x17
	frameTypeDataBlocked        = 0x14
	frameTypeStreamDataBlocked  = 0x15
	frameTypeDatagram           = 0x31 // with-length variant, RFC 9221
	frameTypeGoAway             = 0x07 // HTTP/3-style GOAWAY carried at the transport layer
)

var errFrameTruncated = errors.New("quic: frame truncated")

// appendVarint appends v encoded as a QUIC variable-length integer
// (RFC 9000 Section 16) to b.
func appendVarint(b []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(b, byte(v))
	case v < 1<<14:
		return append(b, byte(v>>8)|0x40, byte(v))
	case v < 1<<30:
		return append(b, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(b, byte(v>>56)|0xc0, byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// consumeVarint parses a QUIC variable-length integer from the front
// of b, returning its value and the remaining bytes.
func consumeVarint(b []byte) (v uint64, rest []byte, err error) {
	if len(b) == 0 {
		return 0, nil, errFrameTruncated
	}
	ln := 1 << (b[0] >> 6)
	if len(b) < ln {
		return 0, nil, errFrameTruncated
	}
	v = uint64(b[0] & 0x3f)
	for i := 1; i < ln; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, b[ln:], nil
}

// StreamFrame is a decoded STREAM frame (RFC 9000 Section 19.8).
type StreamFrame struct {
	ID     StreamID
	Offset uint64
	Data   []byte
	Fin    bool
}

// Append encodes f onto b. If explicitLength is false, the frame
// omits its LEN field and consumes the rest of the packet (only
// valid as the final frame).
func (f StreamFrame) Append(b []byte, explicitLength bool) []byte {
	typ := byte(frameTypeStream)
	if f.Offset != 0 {
		typ |= 0x04
	}
	if explicitLength {
		typ |= 0x02
	}
	if f.Fin {
		typ |= 0x01
	}
	b = append(b, typ)
	b = appendVarint(b, uint64(f.ID))
	if f.Offset != 0 {
		b = appendVarint(b, f.Offset)
	}
	if explicitLength {
		b = appendVarint(b, uint64(len(f.Data)))
	}
	return append(b, f.Data...)
}

// ParseStreamFrame decodes a STREAM frame whose type byte is typ,
// consuming the rest of b as frame payload (and, absent an explicit
// length field, as frame data too).
func ParseStreamFrame(typ byte, b []byte) (f StreamFrame, rest []byte, err error) {
	var idv uint64
	idv, b, err = consumeVarint(b)
	if err != nil {
		return StreamFrame{}, nil, err
	}
	f.ID = StreamID(idv)
	if typ&0x04 != 0 {
		f.Offset, b, err = consumeVarint(b)
		if err != nil {
			return StreamFrame{}, nil, err
		}
	}
	f.Fin = typ&0x01 != 0
	if typ&0x02 != 0 {
		var length uint64
		length, b, err = consumeVarint(b)
		if err != nil {
			return StreamFrame{}, nil, err
		}
		if uint64(len(b)) < length {
			return StreamFrame{}, nil, errFrameTruncated
		}
		f.Data, rest = b[:length], b[length:]
		return f, rest, nil
	}
	f.Data = b
	return f, nil, nil
}

// AckRange is one inclusive [Smallest, Largest] interval of acked
// packet numbers, as carried by an ACK frame.
type AckRange struct {
	Smallest, Largest PacketNumber
}

// AckFrame is a decoded ACK frame (RFC 9000 Section 19.3). Ranges
// need not be sorted or normalized for Append to produce a valid
// wire encoding; ParseAckFrame always returns them in descending
// order as the wire format requires.
type AckFrame struct {
	Ranges   []AckRange
	AckDelay time.Duration
}

// Append encodes f onto b using ackDelayExponent (RFC 9000 Section
// 18.2) to scale the delay field.
func (f AckFrame) Append(b []byte, ackDelayExponent uint8) []byte {
	ranges := append([]AckRange(nil), f.Ranges...)
	sortAckRangesDescending(ranges)

	b = append(b, frameTypeAck)
	b = appendVarint(b, uint64(ranges[0].Largest))
	b = appendVarint(b, uint64(f.AckDelay/time.Microsecond)>>ackDelayExponent)
	b = appendVarint(b, uint64(len(ranges)-1))
	b = appendVarint(b, uint64(ranges[0].Largest-ranges[0].Smallest))
	prevSmallest := ranges[0].Smallest
	for _, r := range ranges[1:] {
		gap := uint64(prevSmallest-r.Largest) - 2
		b = appendVarint(b, gap)
		b = appendVarint(b, uint64(r.Largest-r.Smallest))
		prevSmallest = r.Smallest
	}
	return b
}

// ParseAckFrame decodes an ACK frame (the type byte already
// consumed) from b.
func ParseAckFrame(b []byte, ackDelayExponent uint8) (f AckFrame, rest []byte, err error) {
	var largest, delay, rangeCount, firstRangeLen uint64
	if largest, b, err = consumeVarint(b); err != nil {
		return AckFrame{}, nil, err
	}
	if delay, b, err = consumeVarint(b); err != nil {
		return AckFrame{}, nil, err
	}
	if rangeCount, b, err = consumeVarint(b); err != nil {
		return AckFrame{}, nil, err
	}
	if firstRangeLen, b, err = consumeVarint(b); err != nil {
		return AckFrame{}, nil, err
	}
	f.AckDelay = time.Duration(delay<<ackDelayExponent) * time.Microsecond

	smallest := largest - firstRangeLen
	f.Ranges = append(f.Ranges, AckRange{PacketNumber(smallest), PacketNumber(largest)})
	for i := uint64(0); i < rangeCount; i++ {
		var gap, length uint64
		if gap, b, err = consumeVarint(b); err != nil {
			return AckFrame{}, nil, err
		}
		if length, b, err = consumeVarint(b); err != nil {
			return AckFrame{}, nil, err
		}
		largest = smallest - gap - 2
		smallest = largest - length
		f.Ranges = append(f.Ranges, AckRange{PacketNumber(smallest), PacketNumber(largest)})
	}
	return f, b, nil
}

func sortAckRangesDescending(r []AckRange) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && r[j-1].Largest < r[j].Largest; j-- {
			r[j-1], r[j] = r[j], r[j-1]
		}
	}
}

// AckedPacketNumbers flattens an AckFrame's ranges into the set of
// individually acked packet numbers (test/debugging use: production
// ack processing streams ranges directly into SentPacketManager).
func (f AckFrame) AckedPacketNumbers() map[PacketNumber]bool {
	out := make(map[PacketNumber]bool)
	for _, r := range f.Ranges {
		for pn := r.Smallest; pn <= r.Largest; pn++ {
			out[pn] = true
		}
	}
	return out
}

// ResetStreamFrame is a decoded RESET_STREAM frame (RFC 9000
// Section 19.4).
type ResetStreamFrame struct {
	ID        StreamID
	Code      ErrorCode
	FinalSize uint64
}

func (f ResetStreamFrame) Append(b []byte) []byte {
	b = append(b, frameTypeResetStream)
	b = appendVarint(b, uint64(f.ID))
	b = appendVarint(b, uint64(f.Code))
	return appendVarint(b, f.FinalSize)
}

func ParseResetStreamFrame(b []byte) (f ResetStreamFrame, rest []byte, err error) {
	var id, code, size uint64
	if id, b, err = consumeVarint(b); err != nil {
		return ResetStreamFrame{}, nil, err
	}
	if code, b, err = consumeVarint(b); err != nil {
		return ResetStreamFrame{}, nil, err
	}
	if size, b, err = consumeVarint(b); err != nil {
		return ResetStreamFrame{}, nil, err
	}
	return ResetStreamFrame{StreamID(id), ErrorCode(code), size}, b, nil
}

// StopSendingFrame is a decoded STOP_SENDING frame (RFC 9000
// Section 19.5).
type StopSendingFrame struct {
	ID   StreamID
	Code ErrorCode
}

func (f StopSendingFrame) Append(b []byte) []byte {
	b = append(b, frameTypeStopSending)
	b = appendVarint(b, uint64(f.ID))
	return appendVarint(b, uint64(f.Code))
}

func ParseStopSendingFrame(b []byte) (f StopSendingFrame, rest []byte, err error) {
	var id, code uint64
	if id, b, err = consumeVarint(b); err != nil {
		return StopSendingFrame{}, nil, err
	}
	if code, b, err = consumeVarint(b); err != nil {
		return StopSendingFrame{}, nil, err
	}
	return StopSendingFrame{StreamID(id), ErrorCode(code)}, b, nil
}

// MaxStreamsFrame is a decoded MAX_STREAMS frame (RFC 9000 Section
// 19.11).
type MaxStreamsFrame struct {
	Type  StreamType
	Count uint64
}

func (f MaxStreamsFrame) Append(b []byte) []byte {
	if f.Type == UniStream {
		b = append(b, frameTypeMaxStreamsUni)
	} else {
		b = append(b, frameTypeMaxStreamsBidi)
	}
	return appendVarint(b, f.Count)
}

func ParseMaxStreamsFrame(typ byte, b []byte) (f MaxStreamsFrame, rest []byte, err error) {
	if typ == frameTypeMaxStreamsUni {
		f.Type = UniStream
	} else {
		f.Type = BidiStream
	}
	f.Count, rest, err = consumeVarint(b)
	return f, rest, err
}

// StreamsBlockedFrame is a decoded STREAMS_BLOCKED frame (RFC 9000
// Section 19.14).
type StreamsBlockedFrame struct {
	Type  StreamType
	Count uint64
}

func (f StreamsBlockedFrame) Append(b []byte) []byte {
	if f.Type == UniStream {
		b = append(b, frameTypeStreamsBlockedUni)
	} else {
		b = append(b, frameTypeStreamsBlockedBidi)
	}
	return appendVarint(b, f.Count)
}

func ParseStreamsBlockedFrame(typ byte, b []byte) (f StreamsBlockedFrame, rest []byte, err error) {
	if typ == frameTypeStreamsBlockedUni {
		f.Type = UniStream
	} else {
		f.Type = BidiStream
	}
	f.Count, rest, err = consumeVarint(b)
	return f, rest, err
}

// MaxStreamDataFrame is a decoded MAX_STREAM_DATA frame (RFC 9000
// Section 19.10).
type MaxStreamDataFrame struct {
	ID             StreamID
	MaximumStreamData uint64
}

func (f MaxStreamDataFrame) Append(b []byte) []byte {
	b = append(b, frameTypeMaxStreamData)
	b = appendVarint(b, uint64(f.ID))
	return appendVarint(b, f.MaximumStreamData)
}

func ParseMaxStreamDataFrame(b []byte) (f MaxStreamDataFrame, rest []byte, err error) {
	var id, max uint64
	if id, b, err = consumeVarint(b); err != nil {
		return MaxStreamDataFrame{}, nil, err
	}
	if max, b, err = consumeVarint(b); err != nil {
		return MaxStreamDataFrame{}, nil, err
	}
	return MaxStreamDataFrame{StreamID(id), max}, b, nil
}

// MaxDataFrame is a decoded connection-level MAX_DATA frame (RFC
// 9000 Section 19.9).
type MaxDataFrame struct {
	MaximumData uint64
}

func (f MaxDataFrame) Append(b []byte) []byte {
	b = append(b, frameTypeMaxData)
	return appendVarint(b, f.MaximumData)
}

func ParseMaxDataFrame(b []byte) (f MaxDataFrame, rest []byte, err error) {
	f.MaximumData, rest, err = consumeVarint(b)
	return f, rest, err
}

// DataBlockedFrame is a decoded connection-level DATA_BLOCKED frame
// (RFC 9000 Section 19.12): the sender has data but no connection
// flow-control credit.
type DataBlockedFrame struct {
	DataLimit uint64
}

func (f DataBlockedFrame) Append(b []byte) []byte {
	b = append(b, frameTypeDataBlocked)
	return appendVarint(b, f.DataLimit)
}

func ParseDataBlockedFrame(b []byte) (f DataBlockedFrame, rest []byte, err error) {
	f.DataLimit, rest, err = consumeVarint(b)
	return f, rest, err
}

// StreamDataBlockedFrame is a decoded STREAM_DATA_BLOCKED frame
// (RFC 9000 Section 19.13).
type StreamDataBlockedFrame struct {
	ID              StreamID
	StreamDataLimit uint64
}

func (f StreamDataBlockedFrame) Append(b []byte) []byte {
	b = append(b, frameTypeStreamDataBlocked)
	b = appendVarint(b, uint64(f.ID))
	return appendVarint(b, f.StreamDataLimit)
}

func ParseStreamDataBlockedFrame(b []byte) (f StreamDataBlockedFrame, rest []byte, err error) {
	var id, limit uint64
	if id, b, err = consumeVarint(b); err != nil {
		return StreamDataBlockedFrame{}, nil, err
	}
	if limit, b, err = consumeVarint(b); err != nil {
		return StreamDataBlockedFrame{}, nil, err
	}
	return StreamDataBlockedFrame{StreamID(id), limit}, b, nil
}

// GoAwayFrame advertises the largest stream id the sender will
// still process; later GOAWAYs may only shrink it.
type GoAwayFrame struct {
	LastStreamID StreamID
}

func (f GoAwayFrame) Append(b []byte) []byte {
	b = append(b, frameTypeGoAway)
	return appendVarint(b, uint64(f.LastStreamID))
}

func ParseGoAwayFrame(b []byte) (f GoAwayFrame, rest []byte, err error) {
	var id uint64
	id, rest, err = consumeVarint(b)
	return GoAwayFrame{StreamID(id)}, rest, err
}

// MessageFrame is a decoded DATAGRAM frame (RFC 9221): an
// unreliable application message outside any stream, never
// retransmitted and not flow controlled.
type MessageFrame struct {
	Data []byte
}

func (f MessageFrame) Append(b []byte) []byte {
	b = append(b, frameTypeDatagram)
	b = appendVarint(b, uint64(len(f.Data)))
	return append(b, f.Data...)
}

func ParseMessageFrame(b []byte) (f MessageFrame, rest []byte, err error) {
	var length uint64
	if length, b, err = consumeVarint(b); err != nil {
		return MessageFrame{}, nil, err
	}
	if uint64(len(b)) < length {
		return MessageFrame{}, nil, errFrameTruncated
	}
	return MessageFrame{Data: b[:length]}, b[length:], nil
}
