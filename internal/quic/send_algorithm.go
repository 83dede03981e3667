// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// ByteCount measures bytes of QUIC data; a distinct type avoids
// confusing byte counts with packet counts at call sites.
type ByteCount int64

// AckedPacketInfo and LostPacketInfo summarize one packet for the
// congestion-event callback below.
type AckedPacketInfo struct {
	PacketNumber PacketNumber
	Bytes        ByteCount
}

type LostPacketInfo struct {
	PacketNumber PacketNumber
	Bytes        ByteCount
}

// SendAlgorithm is the pluggable congestion controller the core
// depends on. Congestion control algorithms themselves
// (Cubic, BBR, ...) are explicitly out of scope; the core only
// depends on this interface.
type SendAlgorithm interface {
	OnPacketSent(sentTime time.Time, bytesInFlight ByteCount, pn PacketNumber, bytes ByteCount, isRetransmittable bool)
	OnCongestionEvent(rttUpdated bool, priorInFlight ByteCount, eventTime time.Time, acked []AckedPacketInfo, lost []LostPacketInfo)
	CanSend(bytesInFlight ByteCount) bool
	PacingRate(bytesInFlight ByteCount) float64 // bytes per second
	BandwidthEstimate() float64                 // bytes per second
	CongestionWindow() ByteCount
	InSlowStart() bool
	InRecovery() bool
	OnRetransmissionTimeout(packetsRetransmitted bool)
	OnConnectionMigration()
	OnApplicationLimited(bytesInFlight ByteCount)
	AdjustNetworkParameters(bandwidth float64, rtt time.Duration, allowCwndDecrease bool)
	SetInitialCongestionWindowPackets(n int)
	SetNumEmulatedConnections(n int)
}
