// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "container/list"

// UnackedPacketMap is an ordered collection of TransmissionInfo,
// indexed by packet number, with a moving least-unacked boundary.
// It is modeled on the quic-go lineage's PacketList, a doubly
// linked list kept in packet-number order, with a side index for
// O(1) lookup by number.
type UnackedPacketMap struct {
	order *list.List // *TransmissionInfo, ascending packet number
	byNum map[PacketNumber]*list.Element

	leastUnacked PacketNumber
	bytesInFlight ByteCount
}

// NewUnackedPacketMap returns an empty UnackedPacketMap whose
// least-unacked boundary starts at firstPacketNumber.
func NewUnackedPacketMap(firstPacketNumber PacketNumber) *UnackedPacketMap {
	return &UnackedPacketMap{
		order:        list.New(),
		byNum:        make(map[PacketNumber]*list.Element),
		leastUnacked: firstPacketNumber,
	}
}

// Insert adds info to the map. Packet numbers must strictly
// increase across calls.
func (m *UnackedPacketMap) Insert(info *TransmissionInfo) {
	el := m.order.PushBack(info)
	m.byNum[info.PacketNumber] = el
	if info.InFlight {
		m.bytesInFlight += info.Bytes
	}
}

// Get returns the TransmissionInfo for pn, or nil if it is not
// tracked (already removed, or never sent).
func (m *UnackedPacketMap) Get(pn PacketNumber) *TransmissionInfo {
	el, ok := m.byNum[pn]
	if !ok {
		return nil
	}
	return el.Value.(*TransmissionInfo)
}

// SetInFlight updates the in-flight accounting for info and its
// contribution to BytesInFlight.
func (m *UnackedPacketMap) SetInFlight(info *TransmissionInfo, inFlight bool) {
	if info.InFlight == inFlight {
		return
	}
	if inFlight {
		m.bytesInFlight += info.Bytes
	} else {
		m.bytesInFlight -= info.Bytes
	}
	info.InFlight = inFlight
}

// Remove drops pn from the map. Removal should only happen via an
// acked/neutered transition, and only ever from packet numbers at or
// near the front; Remove does not enforce ordering, it only calls
// advanceLeastUnacked to move LeastUnacked past removed numbers.
func (m *UnackedPacketMap) Remove(pn PacketNumber) {
	el, ok := m.byNum[pn]
	if !ok {
		return
	}
	info := el.Value.(*TransmissionInfo)
	if info.InFlight {
		m.bytesInFlight -= info.Bytes
		info.InFlight = false
	}
	m.order.Remove(el)
	delete(m.byNum, pn)
	m.advanceLeastUnacked()
}

// advanceLeastUnacked moves LeastUnacked forward past any prefix of
// packet numbers no longer tracked, maintaining the "strictly
// increasing over time" invariant without requiring
// removal to happen in strict front-to-back order.
func (m *UnackedPacketMap) advanceLeastUnacked() {
	for {
		if _, ok := m.byNum[m.leastUnacked]; ok {
			return
		}
		if front := m.order.Front(); front != nil {
			if front.Value.(*TransmissionInfo).PacketNumber <= m.leastUnacked {
				return
			}
		}
		m.leastUnacked++
		if m.order.Len() == 0 {
			return
		}
	}
}

// LeastUnacked returns the lowest packet number not yet known to be
// acked or neutered.
func (m *UnackedPacketMap) LeastUnacked() PacketNumber { return m.leastUnacked }

// BytesInFlight returns the sum of Bytes over all in-flight entries.
func (m *UnackedPacketMap) BytesInFlight() ByteCount { return m.bytesInFlight }

// Len returns the number of tracked packets.
func (m *UnackedPacketMap) Len() int { return m.order.Len() }

// Front returns the lowest-numbered tracked packet, or nil if empty.
func (m *UnackedPacketMap) Front() *TransmissionInfo {
	if el := m.order.Front(); el != nil {
		return el.Value.(*TransmissionInfo)
	}
	return nil
}

// Range calls fn for every tracked packet in ascending packet-number
// order. fn must not insert into or remove from m.
func (m *UnackedPacketMap) Range(fn func(*TransmissionInfo) bool) {
	for el := m.order.Front(); el != nil; el = el.Next() {
		if !fn(el.Value.(*TransmissionInfo)) {
			return
		}
	}
}
