// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"log"
	"time"

	"github.com/docker/go-events"
)

// TLPVariant selects which tail-loss-probe delay formula
// SentPacketManager uses.
//
// This implementation picks TLPIETF15x as the default, since it is
// the variant the final IETF QUIC loss recovery draft (and RFC 9002's
// PTO calculation, which folds TLP into a unified probe timeout)
// converged on; TLPHalfRTT and TLPIETF2x remain available as
// configuration options for callers that need to match a specific
// peer's historical behavior.
type TLPVariant int

const (
	TLPIETF15x TLPVariant = iota
	TLPHalfRTT
	TLPIETF2x
)

// Default numeric parameters.
const (
	DefaultInitialRTO   = 500 * time.Millisecond
	DefaultMaxRTO       = 60 * time.Second
	DefaultMinHandshakeTimeout = 10 * time.Millisecond
	DefaultMinTLPTimeout = 10 * time.Millisecond
	DefaultMinRTOTimeout = 200 * time.Millisecond
	DefaultMaxTailLossProbes = 2
	DefaultMaxRTOPackets     = 2
	DefaultBatchWriteQuota   = 16_000 // bytes
	DefaultMaxStreamLength   = 1 << 62
	DefaultIdleTimeout       = 30 * time.Second
	DefaultMaxUDPPayloadSize = 1452 // bytes
	DefaultMaxHandshakeRetransmissions = 7
)

// Config replaces the GetQuicReloadableFlag-style global flags of
// older QUIC stacks with a single struct threaded into Session at
// construction, whose defaults match the latest-known-good (IETF,
// non-legacy) behavior.
type Config struct {
	Side Side

	TLPVariant          TLPVariant
	MaxTailLossProbes   int
	MaxRTOPackets       int
	InitialRTO          time.Duration
	MaxRTO              time.Duration
	MinHandshakeTimeout time.Duration
	MinTLPTimeout       time.Duration
	MinRTOTimeout       time.Duration
	MaxAckDelay         time.Duration
	AckDelayExponent    uint8

	// MaxHandshakeRetransmissions bounds how many times the crypto
	// handshake may be retransmitted before the connection closes
	// with QUIC_HANDSHAKE_FAILED. Zero disables the bound.
	MaxHandshakeRetransmissions int

	// InitialRTT seeds RTTStats before the first sample; zero falls
	// back to InitialRTO/2.
	InitialRTT time.Duration

	// IdleTimeout closes the connection after this long with no peer
	// traffic. Zero disables the idle alarm.
	IdleTimeout time.Duration

	// MaxUDPPayloadSize caps SendMessage payloads (and stands in for
	// the peer's max_udp_payload_size transport parameter).
	MaxUDPPayloadSize uint64

	MaxStreamLength  uint64
	BatchWriteQuota  ByteCount

	MaxIncomingBidiStreams uint64
	MaxIncomingUniStreams  uint64

	// Outgoing stream-ID credit assumed until the peer's transport
	// parameters (or an incoming MAX_STREAMS frame) say otherwise.
	MaxOutgoingBidiStreams uint64
	MaxOutgoingUniStreams  uint64

	InitialMaxData               uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64

	Clock        Clock
	AlarmFactory AlarmFactory
	Logger       *log.Logger

	// EventSink receives an optional stream of lifecycle events
	// (packet sent/acked/lost, stream opened/closed) for qlog-style
	// external observability; see events.go.
	EventSink events.Sink
}

// DefaultConfig returns a Config with every field set to its
// documented default.
func DefaultConfig(side Side) *Config {
	return &Config{
		Side:                side,
		TLPVariant:          TLPIETF15x,
		MaxTailLossProbes:   DefaultMaxTailLossProbes,
		MaxRTOPackets:       DefaultMaxRTOPackets,
		InitialRTO:          DefaultInitialRTO,
		MaxRTO:              DefaultMaxRTO,
		MinHandshakeTimeout: DefaultMinHandshakeTimeout,
		MinTLPTimeout:       DefaultMinTLPTimeout,
		MinRTOTimeout:       DefaultMinRTOTimeout,
		MaxAckDelay:         25 * time.Millisecond,
		AckDelayExponent:    3,
		MaxHandshakeRetransmissions: DefaultMaxHandshakeRetransmissions,
		IdleTimeout:         DefaultIdleTimeout,
		MaxUDPPayloadSize:   DefaultMaxUDPPayloadSize,
		MaxStreamLength:     DefaultMaxStreamLength,
		BatchWriteQuota:     DefaultBatchWriteQuota,

		MaxIncomingBidiStreams: 100,
		MaxIncomingUniStreams:  100,
		MaxOutgoingBidiStreams: 100,
		MaxOutgoingUniStreams:  100,

		InitialMaxData:                 1 << 20,
		InitialMaxStreamDataBidiLocal:  1 << 18,
		InitialMaxStreamDataBidiRemote: 1 << 18,
		InitialMaxStreamDataUni:        1 << 18,

		Clock:        SystemClock,
		AlarmFactory: nil,
	}
}

func (c *Config) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}
