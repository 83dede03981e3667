// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// DefaultMaxDatagramSize is the assumed path MTU used to size the
// initial congestion window, following the same constant the
// quic-go lineage calls protocol.InitialCongestionWindow.
const DefaultMaxDatagramSize ByteCount = 1252

// InitialCongestionWindowPackets is the default initial cwnd, in
// packets, per RFC 9002 Section 7.2.
const InitialCongestionWindowPackets = 10

// MaxCongestionWindowPackets bounds how large cwnd may grow.
const MaxCongestionWindowPackets = 200 * InitialCongestionWindowPackets

// renoSender is a minimal, classic-Reno-shaped SendAlgorithm. Actual
// congestion control algorithms are out of scope here; renoSender
// exists only so the module is runnable end-to-end and so
// SentPacketManager has something real to drive in tests, in the
// same spirit as the quic-go lineage's NewCubicSender stand-in
// (other_examples sent_packet_hand.go).
type renoSender struct {
	maxDatagramSize ByteCount
	cwnd            ByteCount
	ssthresh        ByteCount
	bytesAcked      ByteCount
	inSlowStart     bool
	inRecovery      bool
	largestSent     PacketNumber
	largestAcked    PacketNumber
	underutilized   bool
}

// NewRenoSender returns a new classic-Reno-like SendAlgorithm.
func NewRenoSender() SendAlgorithm {
	return &renoSender{
		maxDatagramSize: DefaultMaxDatagramSize,
		cwnd:            DefaultMaxDatagramSize * InitialCongestionWindowPackets,
		ssthresh:        DefaultMaxDatagramSize * MaxCongestionWindowPackets,
		inSlowStart:     true,
		largestAcked:    -1,
	}
}

func (s *renoSender) SetInitialCongestionWindowPackets(n int) {
	s.cwnd = s.maxDatagramSize * ByteCount(n)
}

func (s *renoSender) SetNumEmulatedConnections(n int) {
	if n < 1 {
		n = 1
	}
	// Emulating N connections scales the window by N, per the
	// historical Chromium knob of the same name.
	s.cwnd *= ByteCount(n)
}

func (s *renoSender) OnPacketSent(_ time.Time, _ ByteCount, pn PacketNumber, _ ByteCount, isRetransmittable bool) {
	if !isRetransmittable {
		return
	}
	if pn > s.largestSent {
		s.largestSent = pn
	}
	s.underutilized = false
}

func (s *renoSender) setUnderutilized(v bool) { s.underutilized = v }

func (s *renoSender) CanSend(bytesInFlight ByteCount) bool {
	return bytesInFlight < s.CongestionWindow()
}

func (s *renoSender) CongestionWindow() ByteCount { return s.cwnd }

func (s *renoSender) InSlowStart() bool { return s.inSlowStart }
func (s *renoSender) InRecovery() bool  { return s.inRecovery }

func (s *renoSender) OnCongestionEvent(rttUpdated bool, _ ByteCount, _ time.Time, acked []AckedPacketInfo, lost []LostPacketInfo) {
	for _, p := range lost {
		if p.PacketNumber <= s.largestAcked {
			continue
		}
		// Multiplicative decrease, once per loss episode.
		if !s.inRecovery {
			s.inRecovery = true
			s.ssthresh = maxByteCount(s.cwnd/2, s.maxDatagramSize*2)
			s.cwnd = s.ssthresh
			s.inSlowStart = false
		}
	}
	for _, p := range acked {
		if p.PacketNumber > s.largestAcked {
			s.largestAcked = p.PacketNumber
		}
		if s.largestAcked > s.largestSent {
			s.inRecovery = false
		}
		s.bytesAcked += p.Bytes
		if s.inSlowStart {
			s.cwnd += p.Bytes
		} else if s.cwnd > 0 {
			s.cwnd += s.maxDatagramSize * p.Bytes / s.cwnd
		}
		if s.cwnd >= s.ssthresh {
			s.inSlowStart = false
		}
	}
	_ = rttUpdated
}

func (s *renoSender) MaybeExitSlowStart() { s.inSlowStart = false }

func (s *renoSender) OnRetransmissionTimeout(packetsRetransmitted bool) {
	if !packetsRetransmitted {
		return
	}
	s.ssthresh = maxByteCount(s.cwnd/2, s.maxDatagramSize*2)
	s.cwnd = s.maxDatagramSize * InitialCongestionWindowPackets
	s.inSlowStart = true
	s.inRecovery = false
}

func (s *renoSender) OnConnectionMigration() {
	s.cwnd = s.maxDatagramSize * InitialCongestionWindowPackets
	s.ssthresh = s.maxDatagramSize * MaxCongestionWindowPackets
	s.inSlowStart = true
	s.inRecovery = false
}

func (s *renoSender) OnApplicationLimited(_ ByteCount) {}

func (s *renoSender) AdjustNetworkParameters(bandwidth float64, rtt time.Duration, allowCwndDecrease bool) {
	if bandwidth <= 0 || rtt <= 0 {
		return
	}
	bdp := ByteCount(bandwidth * rtt.Seconds())
	if bdp > s.cwnd || allowCwndDecrease {
		s.cwnd = bdp
	}
}

func (s *renoSender) PacingRate(_ ByteCount) float64 {
	// Twice the congestion window, taken as bytes per second: no RTT
	// is available here, so the window is not divided by one.
	// Callers needing a precise rate should size Pacer from RTTStats
	// directly.
	return float64(s.cwnd) * 2
}

func (s *renoSender) BandwidthEstimate() float64 {
	return float64(s.bytesAcked)
}

func maxByteCount(a, b ByteCount) ByteCount {
	if a > b {
		return a
	}
	return b
}
