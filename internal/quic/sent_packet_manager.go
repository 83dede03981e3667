// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"fmt"
	"time"
)

// noPacketNumber is the "no packet" sentinel: the value of
// firstRTOTransmission before any RTO-triggered retransmission has
// been sent, of an original transmission's RetransmissionOf, and of
// largestAcked before any ack.
const noPacketNumber PacketNumber = -1

// pnSpaceState is the per-number-space state SentPacketManager
// tracks: its own UnackedPacketMap plus the per-space timers needed
// to compute the retransmission alarm.
type pnSpaceState struct {
	unacked *UnackedPacketMap

	largestAcked       PacketNumber
	lossTime           time.Time
	lastSentTime       time.Time
	lastCryptoSentTime time.Time

	nextPacketNumber PacketNumber
	skipped         map[PacketNumber]bool
}

func newPNSpaceState() *pnSpaceState {
	return &pnSpaceState{
		unacked:     NewUnackedPacketMap(0),
		largestAcked: noPacketNumber,
		skipped:     make(map[PacketNumber]bool),
	}
}

// RetransmitNotifier is called when frames must be retransmitted,
// either because a packet was directly lost or because a TLP/RTO/
// handshake/probing retransmission forces them. Streams register interest in
// their own frames through Session; SentPacketManager only knows
// how to dispatch by StreamFrameRef.
type RetransmitNotifier interface {
	OnStreamFrameLost(id StreamID, offset, length uint64, fin bool, typ TransmissionType)
	OnStreamFrameAcked(id StreamID, offset, length uint64, fin bool, ackDelay time.Duration)
	OnAckFrameAcked(largest PacketNumber)
	OnResetStreamAcked(id StreamID)
}

// SentPacketManager owns every TransmissionInfo for a connection and
// drives its retransmission timers.
type SentPacketManager struct {
	config   *Config
	rttStats *RTTStats
	cc       SendAlgorithm
	pacer    *Pacer
	notifier RetransmitNotifier
	events   eventPublisher
	loss     *lossDetector
	metrics  *Metrics

	spaces [numberSpaceCount]*pnSpaceState

	handshakeConfirmed bool

	consecutiveCryptoCount int
	consecutiveTLPCount    int
	consecutiveRTOCount    int

	awaitingFirstRTOPacket bool
	firstRTOTransmission   PacketNumber

	pendingTimerTransmissionCount int

	largestMTUAcked ByteCount
	onMTUIncrease   func(ByteCount)

	// statistics, read directly by callers; the Prometheus
	// collectors in Metrics are updated separately.
	PacketsSent          uint64
	PacketsAcked         uint64
	PacketsLost          uint64
	SpuriousRetransmits  uint64
	OptimisticAcksSeen   uint64
}

// NewSentPacketManager constructs a SentPacketManager. cc and rtt
// are required; a nil pacer disables pacing (TimeUntilSend is then
// decided by the congestion controller alone).
func NewSentPacketManager(config *Config, rtt *RTTStats, cc SendAlgorithm, pacer *Pacer, notifier RetransmitNotifier) *SentPacketManager {
	m := &SentPacketManager{
		config:               config,
		rttStats:             rtt,
		cc:                   cc,
		pacer:                pacer,
		notifier:             notifier,
		firstRTOTransmission: noPacketNumber,
		events:               eventPublisher{sink: config.EventSink},
		loss:                 newLossDetector(),
	}
	for i := range m.spaces {
		m.spaces[i] = newPNSpaceState()
	}
	return m
}

// SetMetrics attaches the Prometheus collectors m reports packet
// lifecycle counters and gauges to. A nil metrics disables
// reporting; this is also the zero-value behavior without a call to
// SetMetrics at all.
func (m *SentPacketManager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

func (m *SentPacketManager) space(s NumberSpace) *pnSpaceState { return m.spaces[s] }

// BytesInFlight returns the sum of Bytes over every in-flight packet
// across all number spaces.
func (m *SentPacketManager) BytesInFlight() ByteCount {
	var total ByteCount
	for _, s := range m.spaces {
		total += s.unacked.BytesInFlight()
	}
	return total
}

// LeastUnacked returns the LeastUnacked of the given space's
// UnackedPacketMap.
func (m *SentPacketManager) LeastUnacked(space NumberSpace) PacketNumber {
	return m.space(space).unacked.LeastUnacked()
}

// NextPacketNumber returns the next packet number to use when
// sending in the given space, without consuming it.
func (m *SentPacketManager) NextPacketNumber(space NumberSpace) PacketNumber {
	return m.space(space).nextPacketNumber
}

// SkipPacketNumber intentionally burns the next packet number in
// space without sending a packet, an optimistic-ack defense carried
// over from the quic-go lineage.
func (m *SentPacketManager) SkipPacketNumber(space NumberSpace) PacketNumber {
	s := m.space(space)
	skipped := s.nextPacketNumber
	s.skipped[skipped] = true
	s.nextPacketNumber++
	return skipped
}

// SetHandshakeConfirmed records that the TLS handshake has
// completed; this changes GetRetransmissionTime's mode precedence
// and releases (neuters) crypto retransmission state for lower
// encryption levels.
func (m *SentPacketManager) SetHandshakeConfirmed() {
	m.handshakeConfirmed = true
	// Forward-secret keys are in use: packets protected by the
	// retired Initial/Handshake keys will never be acked or
	// retransmitted.
	m.Neuter(InitialSpace)
	m.Neuter(HandshakeSpace)
}

// OnPacketSent records a newly sent packet. originalPacketNumber is
// the earlier packet this one retransmits (noPacketNumber for an
// original transmission), linking the two for spurious-
// retransmission detection. It returns whether the packet counts
// against the congestion window.
func (m *SentPacketManager) OnPacketSent(
	space NumberSpace,
	sentTime time.Time,
	frames RetransmittableFrames,
	bytes ByteCount,
	typ TransmissionType,
	hasCryptoHandshake bool,
	originalPacketNumber PacketNumber,
) (pn PacketNumber, inFlight bool) {
	s := m.space(space)
	pn = s.nextPacketNumber
	s.nextPacketNumber++

	hasRetransmittable := !frames.Empty()
	inFlight = hasRetransmittable

	if originalPacketNumber != noPacketNumber {
		if orig := s.unacked.Get(originalPacketNumber); orig != nil {
			orig.RetransmittedBy = pn
			orig.HasRetransmission = true
		}
	}

	if m.pendingTimerTransmissionCount > 0 {
		m.pendingTimerTransmissionCount--
	}
	if typ == RTORetransmission && m.awaitingFirstRTOPacket {
		m.firstRTOTransmission = pn
		m.awaitingFirstRTOPacket = false
	}

	bytesInFlightBefore := m.BytesInFlight()
	m.cc.OnPacketSent(sentTime, bytesInFlightBefore, pn, bytes, hasRetransmittable)
	if m.pacer != nil {
		m.pacer.OnPacketSent(sentTime, bytes)
	}

	info := &TransmissionInfo{
		PacketNumber:       pn,
		Space:              space,
		SentTime:           sentTime,
		Bytes:              bytes,
		Frames:             frames,
		InFlight:           inFlight,
		HasCryptoHandshake: hasCryptoHandshake,
		Type:               typ,
		State:              Outstanding,
		RetransmissionOf:   originalPacketNumber,
		RetransmittedBy:    noPacketNumber,
	}
	s.unacked.Insert(info)
	s.lastSentTime = sentTime
	if hasCryptoHandshake {
		s.lastCryptoSentTime = sentTime
	}
	m.PacketsSent++
	m.events.publish(LifecycleEvent{Time: sentTime, Kind: "packet_sent", Space: space, Packet: pn, Bytes: bytes})
	m.metrics.onPacketSent(space)
	m.metrics.setBytesInFlight(m.BytesInFlight())
	return pn, inFlight
}

// ackProcessing accumulates state across the
// OnAckFrameStart/OnAckRange/OnAckTimestamp/OnAckFrameEnd sequence
// for one incoming ACK frame, streaming-parser
// rationale.
type ackProcessing struct {
	space       NumberSpace
	largestAcked PacketNumber
	ackDelay    time.Duration
	receiveTime time.Time
	newlyAcked  []*TransmissionInfo // accumulated in descending order
}

// OnAckFrameStart begins processing one ACK frame. Must be followed
// by one or more OnAckRange calls (descending order) and a closing
// OnAckFrameEnd.
func (m *SentPacketManager) OnAckFrameStart(space NumberSpace, largestAcked PacketNumber, ackDelay time.Duration, receiveTime time.Time) *ackProcessing {
	return &ackProcessing{space: space, largestAcked: largestAcked, ackDelay: ackDelay, receiveTime: receiveTime}
}

// OnAckRange processes one acknowledged packet-number range
// [start, endExclusive), part of a single ACK frame. Ranges must be
// supplied in descending order.
func (m *SentPacketManager) OnAckRange(ap *ackProcessing, start, endExclusive PacketNumber) {
	s := m.space(ap.space)
	least := s.unacked.LeastUnacked()
	for pn := endExclusive - 1; pn >= start; pn-- {
		if pn < least {
			continue // below least-unacked: dropped
		}
		info := s.unacked.Get(pn)
		if info == nil {
			if s.skipped[pn] {
				// The peer acked a packet number we deliberately
				// never sent: a sign of an optimistic-ack attacker
				// guessing numbers instead of actually receiving
				// packets; see SkipPacketNumber.
				m.OptimisticAcksSeen++
				m.metrics.onOptimisticAck()
			}
			continue
		}
		if info.State == Acked {
			panic(fmt.Sprintf("BUG: packet %v acked twice", pn))
		}
		if info.State == Unackable {
			continue // silently ignored
		}
		ap.newlyAcked = append(ap.newlyAcked, info)
	}
}

// OnAckTimestamp optionally records a peer-reported per-packet
// timestamp (a QUIC extension used by some deployments for precise
// one-way-delay measurement). The core does not otherwise act on it.
func (m *SentPacketManager) OnAckTimestamp(ap *ackProcessing, pn PacketNumber, t time.Time) {
	// No core behavior depends on per-packet timestamps; the hook
	// exists so callers parsing an extended ACK frame have somewhere
	// to route the data without special-casing the parser.
	_ = ap
	_ = pn
	_ = t
}

// OnAckFrameEnd finishes processing the ACK frame begun by
// OnAckFrameStart, reversing the accumulated packets into ascending
// order and dispatching per-packet handling, RTT
// updates, loss detection, and spurious-RTO detection. It reports
// whether any previously-unacknowledged packet was newly
// acknowledged.
func (m *SentPacketManager) OnAckFrameEnd(ap *ackProcessing) (ackedNew bool) {
	s := m.space(ap.space)

	for i, j := 0, len(ap.newlyAcked)-1; i < j; i, j = i+1, j-1 {
		ap.newlyAcked[i], ap.newlyAcked[j] = ap.newlyAcked[j], ap.newlyAcked[i]
	}

	if ap.largestAcked > s.largestAcked {
		s.largestAcked = ap.largestAcked
	}

	rttUpdated := false
	if largest := s.unacked.Get(ap.largestAcked); largest != nil && largest.State == Outstanding {
		sample := ap.receiveTime.Sub(largest.SentTime)
		if sample > 0 {
			m.rttStats.UpdateRTT(sample, ap.ackDelay)
			rttUpdated = true
		}
	}

	var ackedInfo []AckedPacketInfo
	priorInFlight := m.BytesInFlight()

	for _, info := range ap.newlyAcked {
		ackedNew = true
		ackedInfo = append(ackedInfo, AckedPacketInfo{PacketNumber: info.PacketNumber, Bytes: info.Bytes})
		m.markPacketHandled(s, info, ap.ackDelay, ap.receiveTime)
	}

	spuriousRTO := false
	if m.consecutiveRTOCount > 0 && m.firstRTOTransmission != noPacketNumber && ap.largestAcked < m.firstRTOTransmission {
		m.rttStats.ExpireSmoothedMetrics()
		m.consecutiveRTOCount = 0
		spuriousRTO = true
	}
	if rttUpdated {
		m.consecutiveRTOCount = 0
		m.consecutiveTLPCount = 0
		m.consecutiveCryptoCount = 0
	}

	var lostInfo []LostPacketInfo
	if !spuriousRTO {
		lostInfo = m.detectLostPackets(ap.space, ap.receiveTime)
	}

	if len(ackedInfo) > 0 || len(lostInfo) > 0 {
		m.cc.OnCongestionEvent(rttUpdated, priorInFlight, ap.receiveTime, ackedInfo, lostInfo)
	}

	return ackedNew
}

// markPacketHandled finalizes an acknowledged packet: notifies
// frame owners, detects spurious LOSS-retransmission, and retires
// the packet from the UnackedPacketMap.
func (m *SentPacketManager) markPacketHandled(s *pnSpaceState, info *TransmissionInfo, ackDelay time.Duration, receiveTime time.Time) {
	// Spurious-retransmission detection: the original of
	// a LOSS-classified retransmission is acked after the
	// retransmission was already sent.
	if info.HasRetransmission {
		if retransmission := s.unacked.Get(info.RetransmittedBy); retransmission != nil && retransmission.Type == LossRetransmission {
			m.SpuriousRetransmits++
			m.rttStats.ExpireSmoothedMetrics()
			m.loss.widenThreshold()
		}
	}

	for _, f := range info.Frames.Acks {
		if m.notifier != nil {
			m.notifier.OnAckFrameAcked(f.Largest)
		}
	}
	for _, f := range info.Frames.Streams {
		if m.notifier != nil {
			m.notifier.OnStreamFrameAcked(f.StreamID, f.Offset, f.Length, f.Fin, ackDelay)
		}
	}
	for _, id := range info.Frames.ResetStream {
		if m.notifier != nil {
			m.notifier.OnResetStreamAcked(id)
		}
	}

	if info.Bytes > m.largestMTUAcked {
		m.largestMTUAcked = info.Bytes
		if m.onMTUIncrease != nil {
			m.onMTUIncrease(info.Bytes)
		}
	}

	info.State = Acked
	s.unacked.SetInFlight(info, false)
	s.unacked.Remove(info.PacketNumber)
	m.PacketsAcked++
	m.events.publish(LifecycleEvent{Time: receiveTime, Kind: "packet_acked", Space: info.Space, Packet: info.PacketNumber, Bytes: info.Bytes})
	m.metrics.onPacketAcked(info.Space)
	m.metrics.setSmoothedRTT(m.rttStats.SmoothedRTT().Seconds())
	m.metrics.setBytesInFlight(m.BytesInFlight())
}

// detectLostPackets applies RFC 9002 Section 6.1 time-based loss
// detection to space as of now, queuing frames for retransmission
// and returning the set of newly lost packets for the
// congestion controller.
func (m *SentPacketManager) detectLostPackets(space NumberSpace, now time.Time) []LostPacketInfo {
	s := m.space(space)
	s.lossTime = time.Time{}
	if s.largestAcked == noPacketNumber {
		return nil
	}

	delayUntilLost := m.loss.delayUntilLost(m.rttStats, m.config.MinTLPTimeout)

	var lost []LostPacketInfo
	s.unacked.Range(func(info *TransmissionInfo) bool {
		if info.PacketNumber > s.largestAcked {
			return false
		}
		if info.State != Outstanding || !info.IsRetransmittable() {
			return true
		}
		sinceSent := now.Sub(info.SentTime)
		if sinceSent > delayUntilLost {
			lost = append(lost, LostPacketInfo{PacketNumber: info.PacketNumber, Bytes: info.Bytes})
			m.retransmitLost(space, s, info)
		} else if s.lossTime.IsZero() {
			s.lossTime = now.Add(delayUntilLost - sinceSent)
		}
		return true
	})
	return lost
}

// retransmitLost marks info LOST and reports its frames to the
// notifier rather than forcing retransmission itself: LOSS-classified
// packets let the stream layer decide whether to actually resend.
//
// info stays tracked in s.unacked (only its in-flight bit is
// cleared): a packet is retired from the map only on an ACKED or
// NEUTERED transition, so a late ack arriving for an
// already-lost original can still be matched by OnAckRange and drive
// spurious-retransmission detection in markPacketHandled.
func (m *SentPacketManager) retransmitLost(space NumberSpace, s *pnSpaceState, info *TransmissionInfo) {
	info.State = Lost
	info.Type = LossRetransmission
	s.unacked.SetInFlight(info, false)
	m.PacketsLost++
	for _, f := range info.Frames.Streams {
		if m.notifier != nil {
			m.notifier.OnStreamFrameLost(f.StreamID, f.Offset, f.Length, f.Fin, LossRetransmission)
		}
	}
	m.events.publish(LifecycleEvent{Kind: "packet_lost", Space: space, Packet: info.PacketNumber, Bytes: info.Bytes})
	m.metrics.onPacketLost(space)
}

// Neuter discards in-flight tracking for every still-outstanding
// packet in the given space, because its encryption level has been
// retired. Their
// bytes no longer count against the congestion window and they will
// never be retransmitted.
func (m *SentPacketManager) Neuter(space NumberSpace) {
	s := m.space(space)
	var toRemove []PacketNumber
	s.unacked.Range(func(info *TransmissionInfo) bool {
		if info.State == Outstanding {
			info.State = Neutered
			toRemove = append(toRemove, info.PacketNumber)
		}
		return true
	})
	for _, pn := range toRemove {
		s.unacked.Remove(pn)
	}
}

// retransmissionMode identifies which branch of
// OnRetransmissionTimeout / GetRetransmissionTime is active, under a
// strict precedence order.
type retransmissionMode int

const (
	modeHandshake retransmissionMode = iota
	modeLoss
	modeTLP
	modeRTO
)

func (m *SentPacketManager) hasUnackedCryptoPackets() bool {
	for _, space := range [...]NumberSpace{InitialSpace, HandshakeSpace} {
		found := false
		m.space(space).unacked.Range(func(info *TransmissionInfo) bool {
			if info.HasCryptoHandshake && info.State == Outstanding {
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

func (m *SentPacketManager) earliestLossTime() (time.Time, NumberSpace) {
	var best time.Time
	var bestSpace NumberSpace
	for sp, s := range m.spaces {
		if s.lossTime.IsZero() {
			continue
		}
		if best.IsZero() || s.lossTime.Before(best) {
			best = s.lossTime
			bestSpace = NumberSpace(sp)
		}
	}
	return best, bestSpace
}

func (m *SentPacketManager) mode() retransmissionMode {
	if !m.handshakeConfirmed && m.hasUnackedCryptoPackets() {
		return modeHandshake
	}
	if t, _ := m.earliestLossTime(); !t.IsZero() {
		return modeLoss
	}
	if m.consecutiveTLPCount < m.config.MaxTailLossProbes {
		return modeTLP
	}
	return modeRTO
}

// OnRetransmissionTimeout is invoked when the retransmission alarm
// returned by GetRetransmissionTime fires. A non-nil error means the
// handshake has failed past its retry budget and the connection must
// close.
func (m *SentPacketManager) OnRetransmissionTimeout(now time.Time) *CoreError {
	switch m.mode() {
	case modeHandshake:
		if m.config.MaxHandshakeRetransmissions > 0 && m.consecutiveCryptoCount >= m.config.MaxHandshakeRetransmissions {
			return NewConnectionError(ErrHandshakeFailed, "too many crypto retransmissions")
		}
		for _, space := range [...]NumberSpace{InitialSpace, HandshakeSpace} {
			s := m.space(space)
			s.unacked.Range(func(info *TransmissionInfo) bool {
				if info.HasCryptoHandshake && info.State == Outstanding {
					info.Type = HandshakeRetransmission
					for _, f := range info.Frames.Streams {
						if m.notifier != nil {
							m.notifier.OnStreamFrameLost(f.StreamID, f.Offset, f.Length, f.Fin, HandshakeRetransmission)
						}
					}
				}
				return true
			})
		}
		m.consecutiveCryptoCount++

	case modeLoss:
		_, space := m.earliestLossTime()
		lost := m.detectLostPackets(space, now)
		if len(lost) > 0 {
			m.cc.OnCongestionEvent(false, m.BytesInFlight(), now, nil, lost)
		}

	case modeTLP:
		m.pendingTimerTransmissionCount = 1
		m.consecutiveTLPCount++

	case modeRTO:
		if m.consecutiveRTOCount == 0 {
			m.awaitingFirstRTOPacket = true
		}
		selected := m.selectOldestRetransmittable(AppDataSpace, m.config.MaxRTOPackets)
		if len(selected) == 0 {
			selected = m.selectOldestRetransmittable(HandshakeSpace, m.config.MaxRTOPackets)
		}
		for _, info := range selected {
			info.Type = RTORetransmission
			for _, f := range info.Frames.Streams {
				if m.notifier != nil {
					m.notifier.OnStreamFrameLost(f.StreamID, f.Offset, f.Length, f.Fin, RTORetransmission)
				}
			}
		}
		m.abandonNonRetransmittable()
		m.cc.OnRetransmissionTimeout(len(selected) > 0)
		m.consecutiveRTOCount++
	}
	return nil
}

// OnConnectionMigration resets the retransmission counters and loss
// detector for a new network path. preserveEstimates is true for
// port-only or same-IPv4-subnet address changes (assumed NAT
// rebinding), for which the RTT estimate and congestion window are
// kept.
func (m *SentPacketManager) OnConnectionMigration(preserveEstimates bool) {
	m.consecutiveRTOCount = 0
	m.consecutiveTLPCount = 0
	m.consecutiveCryptoCount = 0
	m.pendingTimerTransmissionCount = 0
	m.loss.reset()
	m.rttStats.OnConnectionMigration(preserveEstimates)
	if !preserveEstimates {
		m.cc.OnConnectionMigration()
	}
}

// selectOldestRetransmittable returns up to n of the oldest
// in-flight retransmittable packets in space, leaving their bytes
// in flight.
func (m *SentPacketManager) selectOldestRetransmittable(space NumberSpace, n int) []*TransmissionInfo {
	s := m.space(space)
	var out []*TransmissionInfo
	s.unacked.Range(func(info *TransmissionInfo) bool {
		if len(out) >= n {
			return false
		}
		if info.State == Outstanding && info.IsRetransmittable() {
			out = append(out, info)
		}
		return true
	})
	return out
}

// abandonNonRetransmittable drops in-flight packets with no
// retransmittable data (pure acks) from in-flight accounting without
// reporting loss, "abandon non-retransmittable
// in-flight packets".
func (m *SentPacketManager) abandonNonRetransmittable() {
	for _, s := range m.spaces {
		var toRemove []PacketNumber
		s.unacked.Range(func(info *TransmissionInfo) bool {
			if info.State == Outstanding && !info.IsRetransmittable() {
				toRemove = append(toRemove, info.PacketNumber)
			}
			return true
		})
		for _, pn := range toRemove {
			if info := s.unacked.Get(pn); info != nil {
				s.unacked.SetInFlight(info, false)
			}
			s.unacked.Remove(pn)
		}
	}
}

// TimeUntilSend returns the earliest time at which a packet may be
// sent, accounting for a pending timer-triggered retransmission,
// pacing, and congestion control, in that precedence order.
func (m *SentPacketManager) TimeUntilSend(now time.Time, size ByteCount) time.Time {
	if m.pendingTimerTransmissionCount > 0 {
		return now
	}
	if m.pacer != nil {
		return m.pacer.TimeUntilSend(now, size)
	}
	if m.cc.CanSend(m.BytesInFlight()) {
		return now
	}
	return now.Add(24 * time.Hour) // "Infinite" stand-in
}

// GetRetransmissionTime computes the next alarm instant, following
// the precedence order of retransmissionMode.
func (m *SentPacketManager) GetRetransmissionTime(now time.Time) time.Time {
	switch m.mode() {
	case modeHandshake:
		space := InitialSpace
		if m.space(HandshakeSpace).lastCryptoSentTime.After(m.space(InitialSpace).lastCryptoSentTime) {
			space = HandshakeSpace
		}
		s := m.space(space)
		if s.lastCryptoSentTime.IsZero() {
			return now.Add(m.config.MinHandshakeTimeout)
		}
		delay := maxDuration(2*m.rttStats.SmoothedRTT(), m.config.MinHandshakeTimeout)
		if !m.rttStats.HasSample() {
			delay = 2 * defaultInitialRTT
		}
		return s.lastCryptoSentTime.Add(delay << m.consecutiveCryptoCount)

	case modeLoss:
		t, _ := m.earliestLossTime()
		return t

	case modeTLP:
		s := m.space(AppDataSpace)
		delay := m.computeTLPDelay(AppDataSpace)
		t := s.lastSentTime.Add(delay)
		if t.Before(now) {
			t = now
		}
		return t

	default: // modeRTO
		s := m.space(AppDataSpace)
		rtoDelay := m.computeRTODelay()
		tlpDelay := m.computeTLPDelay(AppDataSpace)
		return maxTime(s.lastSentTime.Add(rtoDelay), s.lastSentTime.Add(tlpDelay))
	}
}

func (m *SentPacketManager) numOutstandingRetransmittable(space NumberSpace) int {
	n := 0
	m.space(space).unacked.Range(func(info *TransmissionInfo) bool {
		if info.State == Outstanding && info.IsRetransmittable() {
			n++
		}
		return true
	})
	return n
}

// computeTLPDelay implements the TLPVariant delay formulas.
func (m *SentPacketManager) computeTLPDelay(space NumberSpace) time.Duration {
	srtt := m.rttStats.SmoothedRTT()
	if srtt == 0 {
		srtt = defaultInitialRTT
	}
	if m.numOutstandingRetransmittable(space) <= 1 {
		return maxDuration(2*srtt, 3*srtt/2+m.config.MinRTOTimeout/2)
	}
	switch m.config.TLPVariant {
	case TLPHalfRTT:
		return maxDuration(m.config.MinTLPTimeout, srtt/2)
	case TLPIETF2x:
		return maxDuration(m.config.MinTLPTimeout, 2*srtt+m.config.MaxAckDelay)
	default: // TLPIETF15x
		return maxDuration(m.config.MinTLPTimeout, 3*srtt/2+m.config.MaxAckDelay)
	}
}

// computeRTODelay implements the standard RTO backoff delay.
func (m *SentPacketManager) computeRTODelay() time.Duration {
	srtt := m.rttStats.SmoothedRTT()
	meanDev := m.rttStats.MeanDeviation()
	var rto time.Duration
	if m.rttStats.HasSample() {
		rto = srtt + 4*meanDev
	} else {
		rto = m.config.InitialRTO
	}
	rto = maxDuration(rto, m.config.MinRTOTimeout)
	backoff := m.consecutiveRTOCount
	if backoff > 10 {
		backoff = 10
	}
	rto <<= backoff
	return minDuration(rto, m.config.MaxRTO)
}

// PathDegradingDelay is the sum of the first MaxTailLossProbes TLP
// delays plus the first two RTO delays, approximated
// using the current SRTT snapshot rather than tracking each
// historical delay individually.
func (m *SentPacketManager) PathDegradingDelay() time.Duration {
	var total time.Duration
	for i := 0; i < m.config.MaxTailLossProbes; i++ {
		total += m.computeTLPDelay(AppDataSpace)
	}
	savedCount := m.consecutiveRTOCount
	for i := 0; i < 2; i++ {
		m.consecutiveRTOCount = i
		total += m.computeRTODelay()
	}
	m.consecutiveRTOCount = savedCount
	return total
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
