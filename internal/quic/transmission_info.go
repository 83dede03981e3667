// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// TransmissionType tags why a packet was sent.
type TransmissionType int

const (
	NotRetransmission TransmissionType = iota
	HandshakeRetransmission
	LossRetransmission
	TLPRetransmission
	RTORetransmission
	ProbingRetransmission
	AllInitialRetransmission
	AllUnackedRetransmission
)

func (t TransmissionType) String() string {
	switch t {
	case NotRetransmission:
		return "not-retransmission"
	case HandshakeRetransmission:
		return "handshake"
	case LossRetransmission:
		return "loss"
	case TLPRetransmission:
		return "tlp"
	case RTORetransmission:
		return "rto"
	case ProbingRetransmission:
		return "probing"
	case AllInitialRetransmission:
		return "all-initial"
	case AllUnackedRetransmission:
		return "all-unacked"
	default:
		return "unknown"
	}
}

// RetransmissionLeavesBytesInFlight reports whether a packet of
// transmission type t should keep counting against the congestion
// window even after it is superseded, pending a loss-detection
// verdict.
func RetransmissionLeavesBytesInFlight(t TransmissionType) bool {
	switch t {
	case TLPRetransmission, ProbingRetransmission, RTORetransmission:
		return true
	default:
		return false
	}
}

// ShouldForceRetransmission reports whether frames carried by a
// packet of transmission type t are retransmitted directly, as
// opposed to being reported to a notifier that may retransmit
// selectively.
func ShouldForceRetransmission(t TransmissionType) bool {
	switch t {
	case HandshakeRetransmission, TLPRetransmission, ProbingRetransmission, RTORetransmission:
		return true
	default:
		return false
	}
}

// TransmissionState is the lifecycle state of a sent packet.
type TransmissionState int

const (
	Outstanding TransmissionState = iota
	Acked
	Lost
	Neutered
	Unackable
)

func (s TransmissionState) String() string {
	switch s {
	case Outstanding:
		return "outstanding"
	case Acked:
		return "acked"
	case Lost:
		return "lost"
	case Neutered:
		return "neutered"
	case Unackable:
		return "unackable"
	default:
		return "unknown"
	}
}

// EncryptionLevel mirrors a packet's number space for the purpose
// of tracking which keys protected it; kept distinct from
// NumberSpace because, unlike number spaces, a single space (1-RTT)
// can have several encryption-level transitions (0-RTT, 1-RTT key
// updates) that do not introduce new packet number spaces.
type EncryptionLevel int

const (
	EncryptionInitial EncryptionLevel = iota
	EncryptionHandshake
	EncryptionZeroRTT
	EncryptionForwardSecure
)

// StreamFrameRef identifies a range of stream bytes (or a FIN, or
// both) carried by a sent packet, enough information to notify the
// owning Stream of the range's fate without retaining the frame's
// payload.
type StreamFrameRef struct {
	StreamID StreamID
	Offset   uint64
	Length   uint64
	Fin      bool
}

// AckFrameRef identifies an ACK frame carried by a sent packet: its
// largest acknowledged packet number, needed so that acknowledging
// this packet can let the sender forget about older ack state.
type AckFrameRef struct {
	Largest PacketNumber
}

// RetransmittableFrames lists the application data a sent packet
// carried, split by kind so SentPacketManager (markPacketHandled,
// retransmitLost) can dispatch each to the right owner without a type switch over a
// generic frame interface.
type RetransmittableFrames struct {
	Streams     []StreamFrameRef
	Acks        []AckFrameRef
	ResetStream []StreamID
	Pings       int
}

func (f *RetransmittableFrames) Empty() bool {
	return len(f.Streams) == 0 && len(f.Acks) == 0 && len(f.ResetStream) == 0 && f.Pings == 0
}

// TransmissionInfo records everything the core needs to remember
// about one sent packet.
type TransmissionInfo struct {
	PacketNumber       PacketNumber
	Space              NumberSpace
	EncLevel           EncryptionLevel
	SentTime           time.Time
	Bytes              ByteCount
	Frames             RetransmittableFrames
	InFlight           bool
	HasCryptoHandshake bool
	Type               TransmissionType
	State              TransmissionState

	// RetransmissionOf/RetransmittedBy link a packet to the
	// original it replaces, for legacy-mode forced-retransmission
	// bookkeeping and for spurious-retransmission detection.
	RetransmissionOf  PacketNumber // -1 if this is an original transmission
	RetransmittedBy   PacketNumber // -1 if not yet retransmitted
	HasRetransmission bool
}

// IsRetransmittable reports whether the packet carries any data
// that must be retransmitted if lost.
func (info *TransmissionInfo) IsRetransmittable() bool {
	return !info.Frames.Empty()
}
