// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"time"

	"golang.org/x/time/rate"
)

// minPacingRate is a floor on the pacing rate so a connection that
// briefly has zero estimated bandwidth (e.g. before the first RTT
// sample) is not paced into a stall.
const minPacingRate = 16 * 1024 // bytes/sec

// Pacer smooths packet transmission across a round trip instead of
// releasing a full congestion window as a single burst. It is
// mutated only by SentPacketManager, and implemented on top of
// golang.org/x/time/rate, treating each byte sent as one token.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a Pacer with the given initial rate (bytes/sec)
// and burst allowance (bytes), raised to at least minPacingRate and
// one DefaultMaxDatagramSize respectively.
func NewPacer(bytesPerSecond float64, burst ByteCount) *Pacer {
	if bytesPerSecond < minPacingRate {
		bytesPerSecond = minPacingRate
	}
	if burst < ByteCount(DefaultMaxDatagramSize) {
		burst = DefaultMaxDatagramSize
	}
	return &Pacer{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst)),
	}
}

// SetRate updates the pacing rate in bytes/sec, clamped to
// minPacingRate so the connection never fully stalls.
func (p *Pacer) SetRate(bytesPerSecond float64) {
	if bytesPerSecond < minPacingRate {
		bytesPerSecond = minPacingRate
	}
	p.limiter.SetLimit(rate.Limit(bytesPerSecond))
}

// TimeUntilSend returns the earliest time at which a packet of the
// given size may be sent without violating the pacing rate. It does
// not consume budget; call OnPacketSent once the packet is
// actually transmitted.
func (p *Pacer) TimeUntilSend(now time.Time, size ByteCount) time.Time {
	r := p.limiter.ReserveN(now, int(size))
	if !r.OK() {
		return now
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now) // peek only; OnPacketSent performs the real reservation
	if delay <= 0 {
		return now
	}
	return now.Add(delay)
}

// OnPacketSent consumes size bytes of pacing budget as of now.
func (p *Pacer) OnPacketSent(now time.Time, size ByteCount) {
	p.limiter.ReserveN(now, int(size))
}
