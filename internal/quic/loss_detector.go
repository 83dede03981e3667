// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// baseReorderingFraction is the RFC 9002 Section 6.1.2 default: a
// packet is declared lost once kTimeThreshold * max(latest, smoothed)
// RTT has elapsed since it was sent without being acked.
const baseReorderingFraction = 9.0 / 8.0

// maxReorderingFraction caps how far widenThreshold may grow the
// multiplier, so a connection that keeps mistaking reordering for
// loss doesn't end up effectively disabling loss detection.
const maxReorderingFraction = 4.0

// lossDetector owns the reordering-tolerance multiplier
// SentPacketManager's time-based loss detection uses, and widens
// that multiplier whenever a spurious LOSS-classified retransmission
// is reported.
//
// Folded into SentPacketManager in the quic-go lineage this
// implementation is grounded on (sent_packet_hand.go has no
// standalone type for it), but broken out here as its own distinct
// collaborator with its own state.
type lossDetector struct {
	reorderingFraction float64
}

func newLossDetector() *lossDetector {
	return &lossDetector{reorderingFraction: baseReorderingFraction}
}

// delayUntilLost returns the duration after SentTime a retransmittable
// packet must remain unacked before detectLostPackets declares it
// lost, given the current RTT estimate.
func (d *lossDetector) delayUntilLost(rtt *RTTStats, floor time.Duration) time.Duration {
	maxRTT := maxDuration(rtt.LatestRTT(), rtt.SmoothedRTT())
	delay := time.Duration(d.reorderingFraction * float64(maxRTT))
	if delay <= 0 {
		return floor
	}
	return delay
}

// widenThreshold grows the reordering-tolerance multiplier after a
// spurious LOSS retransmission, so future reordering of similar
// magnitude is not misclassified as loss.
func (d *lossDetector) widenThreshold() {
	next := d.reorderingFraction * 1.25
	if next > maxReorderingFraction {
		next = maxReorderingFraction
	}
	d.reorderingFraction = next
}

// reset restores the default reordering tolerance, used after a
// connection migration invalidates the prior network's reordering
// characteristics.
func (d *lossDetector) reset() {
	d.reorderingFraction = baseReorderingFraction
}
