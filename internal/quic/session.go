// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"time"

	"github.com/rs/xid"
)

// maxWriteLoopIterations bounds Session.OnCanWrite: a connection
// with enough ready streams to fill every available write slot must
// still return control to the caller's event loop instead of
// spinning forever.
const maxWriteLoopIterations = 1024

// defaultStreamPriority is the priority assigned to a peer-initiated
// stream implicitly opened by its first frame, before the
// application layer assigns a real one.
const defaultStreamPriority = 3

// closedStreamGracePeriod is how long a fully-closed stream lingers
// on the closed list for sequencer teardown before the cleanup alarm
// drops it.
const closedStreamGracePeriod = 100 * time.Millisecond

// pendingControlFrame is a control frame queued by a stream or the
// connection-level machinery, waiting to be drained into a datagram.
type pendingControlFrame struct {
	resetStream       *ResetStreamFrame
	stopSending       *StopSendingFrame
	maxStreams        *MaxStreamsFrame
	maxData           *MaxDataFrame
	maxStreamData     *MaxStreamDataFrame
	streamsBlocked    *StreamsBlockedFrame
	dataBlocked       *DataBlockedFrame
	streamDataBlocked *StreamDataBlockedFrame
	goAway            *GoAwayFrame
	message           *MessageFrame
}

// MessageStatus reports the outcome of Session.SendMessage.
type MessageStatus int

const (
	MessageSent MessageStatus = iota
	MessageTooLarge
	MessageNotEstablished
)

// MessageResult carries SendMessage's status and, on success, the
// id assigned to the message for later MESSAGE_ACKED-style
// correlation by the caller.
type MessageResult struct {
	Status MessageStatus
	ID     uint64
}

// Session is the per-connection orchestrator: it owns the stream
// table, the SentPacketManager, the write scheduler, and the
// stream-ID credit manager, and drives the connection-level
// flow-control window.
//
// Grounded on x/net/internal/quic's Conn (conn_send.go, conn_loss.go):
// a single-threaded owner of every sub-component, driven by an
// application event loop that calls OnCanWrite and feeds incoming
// frames in. Unlike Conn, wire encryption and packet protection are
// out of scope here; Session operates purely at the frame/stream
// layer.
type Session struct {
	TraceID xid.ID

	side   Side
	config *Config

	spm       *SentPacketManager
	scheduler *WriteScheduler
	streamIDs *StreamIdManager
	metrics   *Metrics

	streams map[StreamID]*Stream

	// zombies holds streams closed at both ends from the
	// application's perspective but still absorbing ack callbacks
	// for unacked writes; they are not user-visible.
	zombies map[StreamID]*Stream

	// closedStreams retains fully-closed streams briefly for
	// sequencer teardown; the cleanup alarm drops them.
	closedStreams []*Stream

	staticStreams map[StreamID]bool

	connSendFlow    *FlowController // our budget to send, imposed by the peer
	connReceiveFlow *FlowController // the peer's budget to send to us

	// connBytesReceived sums, across streams, the highest received
	// offsets: the value the connection-level receive window is
	// enforced against.
	connBytesReceived uint64

	pending []pendingControlFrame

	nextMessageID uint64

	retransmissionAlarm Alarm
	idleAlarm           Alarm
	cleanupAlarm        Alarm
	lastActivity        time.Time

	closed    bool
	closedErr *CoreError

	goAwaySentID     StreamID
	goAwaySent       bool
	goAwayReceivedID StreamID
	goAwayReceived   bool
	handshakeDone    bool
}

// NewSession constructs a Session for side, wiring cc/pacer into a
// fresh SentPacketManager and sizing the connection-level flow
// control windows and stream-ID credit from config.
func NewSession(config *Config, cc SendAlgorithm, pacer *Pacer, metrics *Metrics) *Session {
	sess := &Session{
		TraceID:         xid.New(),
		side:            config.Side,
		config:          config,
		scheduler:       NewWriteScheduler(config.BatchWriteQuota),
		metrics:         metrics,
		streams:         make(map[StreamID]*Stream),
		zombies:         make(map[StreamID]*Stream),
		staticStreams:   make(map[StreamID]bool),
		connSendFlow:    NewFlowController(config.InitialMaxData, 0),
		connReceiveFlow: NewFlowController(0, config.InitialMaxData),
	}
	initialRTT := config.InitialRTT
	if initialRTT <= 0 {
		initialRTT = config.InitialRTO / 2
	}
	sess.spm = NewSentPacketManager(config, NewRTTStats(initialRTT, config.MaxAckDelay), cc, pacer, sess)
	sess.spm.SetMetrics(metrics)
	sess.streamIDs = NewStreamIdManager(config.Side,
		config.MaxIncomingBidiStreams, config.MaxIncomingUniStreams,
		config.MaxOutgoingBidiStreams, config.MaxOutgoingUniStreams, sess.onMaxStreamsReady)
	if config.AlarmFactory != nil {
		sess.retransmissionAlarm = config.AlarmFactory.NewAlarm(sess.onRetransmissionAlarm)
		sess.idleAlarm = config.AlarmFactory.NewAlarm(sess.onIdleAlarm)
		sess.cleanupAlarm = config.AlarmFactory.NewAlarm(sess.onCleanupAlarm)
	}
	return sess
}

func (sess *Session) onMaxStreamsReady(typ StreamType, actualMax StreamID) {
	sess.pending = append(sess.pending, pendingControlFrame{
		maxStreams: &MaxStreamsFrame{Type: typ, Count: uint64(actualMax.num()) + 1},
	})
}

// --- StreamHost ---

func (sess *Session) RegisterWriteReady(id StreamID) { sess.scheduler.AddStream(id) }

func (sess *Session) CloseConnection(err *CoreError) {
	if sess.closed {
		return
	}
	sess.closed = true
	sess.closedErr = err
	for _, s := range sess.streams {
		s.OnConnectionClosed(err)
	}
	for _, s := range sess.zombies {
		s.OnConnectionClosed(err)
	}
	if sess.retransmissionAlarm != nil {
		sess.retransmissionAlarm.Cancel()
	}
	if sess.idleAlarm != nil {
		sess.idleAlarm.Cancel()
	}
	sess.config.logf("quic: connection %v closed: %v", sess.TraceID, err)
}

// ClosedError returns the error a connection-fatal close recorded,
// or nil while the connection is open.
func (sess *Session) ClosedError() *CoreError { return sess.closedErr }

func (sess *Session) EnqueueResetStream(id StreamID, err ErrorCode, finalSize uint64) {
	sess.pending = append(sess.pending, pendingControlFrame{
		resetStream: &ResetStreamFrame{ID: id, Code: err, FinalSize: finalSize},
	})
}

func (sess *Session) EnqueueStopSending(id StreamID, err ErrorCode) {
	sess.pending = append(sess.pending, pendingControlFrame{
		stopSending: &StopSendingFrame{ID: id, Code: err},
	})
}

func (sess *Session) EnqueueMaxStreamData(id StreamID, limit uint64) {
	sess.pending = append(sess.pending, pendingControlFrame{
		maxStreamData: &MaxStreamDataFrame{ID: id, MaximumStreamData: limit},
	})
}

func (sess *Session) EnqueueStreamDataBlocked(id StreamID, limit uint64) {
	sess.pending = append(sess.pending, pendingControlFrame{
		streamDataBlocked: &StreamDataBlockedFrame{ID: id, StreamDataLimit: limit},
	})
}

func (sess *Session) CreditConnectionFlowControl(n uint64) {
	sess.connReceiveFlow.AddBytesConsumed(n)
	if newLimit, ok := sess.connReceiveFlow.MaybeUpdateWindow(); ok {
		sess.pending = append(sess.pending, pendingControlFrame{
			maxData: &MaxDataFrame{MaximumData: newLimit},
		})
	}
}

// --- RetransmitNotifier ---

func (sess *Session) OnStreamFrameLost(id StreamID, offset, length uint64, fin bool, typ TransmissionType) {
	if s := sess.lookupStream(id); s != nil {
		s.OnStreamFrameLost(offset, length, fin, typ)
	}
}

func (sess *Session) OnStreamFrameAcked(id StreamID, offset, length uint64, fin bool, ackDelay time.Duration) {
	if s := sess.lookupStream(id); s != nil {
		s.OnStreamFrameAcked(offset, length, fin, ackDelay)
		sess.reapStream(s)
	}
}

func (sess *Session) OnAckFrameAcked(largest PacketNumber) {}

func (sess *Session) OnResetStreamAcked(id StreamID) {}

// --- Stream lifecycle ---

// lookupStream resolves id to its stream, zombie or live; zombies
// still absorb ack and loss callbacks.
func (sess *Session) lookupStream(id StreamID) *Stream {
	if s := sess.streams[id]; s != nil {
		return s
	}
	return sess.zombies[id]
}

// GetStream returns the open stream with the given id, or nil. A
// zombie is not user-visible and resolves to nil here.
func (sess *Session) GetStream(id StreamID) *Stream { return sess.streams[id] }

// PacketManager exposes the session's SentPacketManager for callers
// that feed it parsed ACK frames and drive its timers directly.
func (sess *Session) PacketManager() *SentPacketManager { return sess.spm }

// streamWindows picks the per-stream flow-control windows for id
// from the transport parameters, by direction.
func (sess *Session) streamWindows(id StreamID, locallyOpened bool) (sendWindow, receiveWindow uint64) {
	cfg := sess.config
	if id.streamType() == UniStream {
		if locallyOpened {
			return cfg.InitialMaxStreamDataUni, 0
		}
		return 0, cfg.InitialMaxStreamDataUni
	}
	if locallyOpened {
		return cfg.InitialMaxStreamDataBidiRemote, cfg.InitialMaxStreamDataBidiLocal
	}
	return cfg.InitialMaxStreamDataBidiLocal, cfg.InitialMaxStreamDataBidiRemote
}

// OpenStream allocates and registers a new locally-initiated stream.
// If the peer has not granted enough stream-ID credit it returns
// ErrStreamIDBlocked and queues a STREAMS_BLOCKED frame carrying the
// current max — a recoverable signalling state, not a fatal error.
func (sess *Session) OpenStream(typ StreamType, priority int) (*Stream, error) {
	id, err := sess.streamIDs.GetNextOutgoingStreamId(typ)
	if err != nil {
		sess.pending = append(sess.pending, pendingControlFrame{
			streamsBlocked: &StreamsBlockedFrame{Type: typ, Count: sess.streamIDs.CurrentMaxOutgoing(typ)},
		})
		return nil, err
	}
	return sess.newLocalStream(id, priority), nil
}

func (sess *Session) newLocalStream(id StreamID, priority int) *Stream {
	sendW, recvW := sess.streamWindows(id, true)
	s := NewStream(id, sess.side, sess.config, sess, sendW, recvW)
	s.SetPriority(priority)
	sess.streams[id] = s
	sess.scheduler.Register(id, priority)
	if sess.metrics != nil {
		sess.metrics.onStreamOpened(directionLabel(id.streamType()))
	}
	return s
}

// RegisterStaticStream creates a locally-owned static stream
// (crypto, headers): it preempts all data streams in the write
// scheduler and its id is excluded from the application-visible
// stream budget.
func (sess *Session) RegisterStaticStream(id StreamID) *Stream {
	sendW, recvW := sess.streamWindows(id, id.initiatedBy() == sess.side)
	s := NewStream(id, sess.side, sess.config, sess, sendW, recvW)
	sess.streams[id] = s
	sess.staticStreams[id] = true
	sess.scheduler.RegisterStatic(id)
	sess.streamIDs.RegisterStatic(id.streamType())
	return s
}

// IsStaticStream reports whether id was registered via
// RegisterStaticStream.
func (sess *Session) IsStaticStream(id StreamID) bool { return sess.staticStreams[id] }

// AcceptIncomingStream validates and registers a peer-initiated
// stream first referenced by id, applying StreamIdManager's
// available-id bookkeeping.
func (sess *Session) AcceptIncomingStream(id StreamID, priority int) (*Stream, error) {
	if id.initiatedBy() == sess.side {
		return nil, NewConnectionError(ErrInvalidStreamID, "peer used a locally-owned stream id")
	}
	if err := sess.streamIDs.AcceptIncomingStreamId(id); err != nil {
		return nil, err
	}
	if s, ok := sess.streams[id]; ok {
		return s, nil
	}
	sendW, recvW := sess.streamWindows(id, false)
	s := NewStream(id, sess.side, sess.config, sess, sendW, recvW)
	s.SetPriority(priority)
	sess.streams[id] = s
	sess.scheduler.Register(id, priority)
	if sess.metrics != nil {
		sess.metrics.onStreamOpened(directionLabel(id.streamType()))
	}
	return s, nil
}

// reapStream advances a stream along the open → zombie → closed
// lifecycle: zombies leave the user-visible table but keep absorbing
// acks; fully-closed streams move to the closed list until the
// cleanup alarm drops them.
func (sess *Session) reapStream(s *Stream) {
	id := s.ID()
	if s.IsClosed() {
		_, wasLive := sess.streams[id]
		_, wasZombie := sess.zombies[id]
		if !wasLive && !wasZombie {
			return
		}
		delete(sess.streams, id)
		delete(sess.zombies, id)
		sess.scheduler.Unregister(id)
		sess.closedStreams = append(sess.closedStreams, s)
		if sess.cleanupAlarm != nil {
			sess.cleanupAlarm.Set(sess.now().Add(closedStreamGracePeriod))
		}
		if sess.metrics != nil {
			sess.metrics.onStreamClosed(directionLabel(id.streamType()))
		}
		if id.initiatedBy() != sess.side && !sess.staticStreams[id] {
			sess.streamIDs.OnIncomingStreamClosed(id.streamType())
		}
		return
	}
	if s.IsZombie() {
		if _, ok := sess.streams[id]; ok {
			delete(sess.streams, id)
			sess.zombies[id] = s
		}
	}
}

func directionLabel(typ StreamType) string {
	if typ == UniStream {
		return "uni"
	}
	return "bidi"
}

// --- Incoming frame dispatch ---

// streamFor resolves the stream an incoming frame refers to,
// implicitly opening a peer-initiated stream on first reference. A
// nil stream with a nil error means the frame refers to a closed
// stream and should be discarded.
func (sess *Session) streamFor(id StreamID) (*Stream, error) {
	if s := sess.lookupStream(id); s != nil {
		return s, nil
	}
	if id.initiatedBy() == sess.side {
		if !sess.streamIDs.IsOutgoingCreated(id) {
			err := NewConnectionError(ErrInvalidStreamID, "frame for a local stream never opened")
			sess.CloseConnection(err)
			return nil, err
		}
		return nil, nil // closed locally-initiated stream: discard
	}
	if sess.streamIDs.WasIncomingOpened(id) {
		return nil, nil // closed peer-initiated stream: discard
	}
	s, err := sess.AcceptIncomingStream(id, defaultStreamPriority)
	if err != nil {
		if ce, ok := err.(*CoreError); ok && ce.IsConnectionFatal() {
			sess.CloseConnection(ce)
		}
		return nil, err
	}
	return s, nil
}

// HandleStreamFrame dispatches an incoming STREAM frame to its
// stream, enforcing the connection-level receive window and the
// stream-type rules: data for a static stream or for a
// write-unidirectional stream is fatal.
func (sess *Session) HandleStreamFrame(now time.Time, f StreamFrame) error {
	if sess.closed {
		return nil
	}
	sess.noteActivity(now)
	if sess.staticStreams[f.ID] {
		err := NewConnectionError(ErrInvalidStreamID, "STREAM frame for a static stream")
		sess.CloseConnection(err)
		return err
	}
	s, err := sess.streamFor(f.ID)
	if err != nil || s == nil {
		return err
	}
	end := f.Offset + uint64(len(f.Data))
	if newBytes := s.NewlyReceivedBytes(end); newBytes > 0 && len(f.Data) > 0 {
		if sess.connBytesReceived+newBytes > sess.connReceiveFlow.ReceiveWindow() {
			err := NewConnectionError(ErrFlowControlReceivedTooMuchData, "connection receive window exceeded")
			sess.CloseConnection(err)
			return err
		}
		sess.connBytesReceived += newBytes
	}
	if err := s.OnStreamFrame(f.Offset, f.Data, f.Fin); err != nil {
		return err
	}
	sess.reapStream(s)
	return nil
}

// HandleResetStreamFrame dispatches an incoming RESET_STREAM frame.
func (sess *Session) HandleResetStreamFrame(now time.Time, f ResetStreamFrame) error {
	if sess.closed {
		return nil
	}
	sess.noteActivity(now)
	if sess.staticStreams[f.ID] {
		err := NewConnectionError(ErrInvalidStreamID, "RESET_STREAM for a static stream")
		sess.CloseConnection(err)
		return err
	}
	s, err := sess.streamFor(f.ID)
	if err != nil || s == nil {
		return err
	}
	if err := s.OnStreamReset(f.FinalSize, f.Code); err != nil {
		return err
	}
	sess.reapStream(s)
	return nil
}

// HandleStopSendingFrame dispatches an incoming STOP_SENDING frame,
// which triggers a local RESET_STREAM carrying the requested code.
func (sess *Session) HandleStopSendingFrame(now time.Time, f StopSendingFrame) error {
	if sess.closed {
		return nil
	}
	sess.noteActivity(now)
	s, err := sess.streamFor(f.ID)
	if err != nil || s == nil {
		return err
	}
	s.OnStopSending(f.Code)
	sess.reapStream(s)
	return nil
}

// HandleMaxDataFrame raises the connection-level send window,
// re-queueing any stream that was starved by it.
func (sess *Session) HandleMaxDataFrame(now time.Time, f MaxDataFrame) {
	if sess.closed {
		return
	}
	sess.noteActivity(now)
	wasBlocked := sess.connSendFlow.IsBlocked()
	sess.connSendFlow.UpdateSendWindow(f.MaximumData)
	if wasBlocked && !sess.connSendFlow.IsBlocked() {
		for id, s := range sess.streams {
			if s.HasBufferedData() || s.hasPendingRetransmit() {
				sess.scheduler.AddStream(id)
			}
		}
		for id, s := range sess.zombies {
			if s.hasPendingRetransmit() {
				sess.scheduler.AddStream(id)
			}
		}
	}
}

// HandleMaxStreamDataFrame raises one stream's send window.
func (sess *Session) HandleMaxStreamDataFrame(now time.Time, f MaxStreamDataFrame) error {
	if sess.closed {
		return nil
	}
	sess.noteActivity(now)
	s, err := sess.streamFor(f.ID)
	if err != nil || s == nil {
		return err
	}
	s.OnMaxStreamData(f.MaximumStreamData)
	return nil
}

// HandleMaxStreamsFrame raises the outgoing stream-count limit.
func (sess *Session) HandleMaxStreamsFrame(now time.Time, f MaxStreamsFrame) {
	if sess.closed {
		return
	}
	sess.noteActivity(now)
	sess.streamIDs.OnMaxStreamsFrame(f.Type, f.Count)
}

// HandleStreamsBlockedFrame processes the peer's report that it is
// blocked on our stream-count limit, possibly re-advertising a
// MAX_STREAMS the peer appears to have missed; a count above what we
// ever advertised is fatal.
func (sess *Session) HandleStreamsBlockedFrame(now time.Time, f StreamsBlockedFrame) error {
	if sess.closed {
		return nil
	}
	sess.noteActivity(now)
	if err := sess.streamIDs.OnStreamsBlockedFrame(f.Type, f.Count); err != nil {
		if ce, ok := err.(*CoreError); ok && ce.IsConnectionFatal() {
			sess.CloseConnection(ce)
		}
		return err
	}
	return nil
}

// --- Messages ---

// SendMessage queues an unreliable message (a DATAGRAM frame) for
// delivery: not retransmitted on loss, not flow controlled, capped
// at the path's UDP payload budget.
func (sess *Session) SendMessage(data []byte) MessageResult {
	if !sess.handshakeDone {
		return MessageResult{Status: MessageNotEstablished}
	}
	if sess.closed {
		return MessageResult{Status: MessageNotEstablished}
	}
	frame := MessageFrame{Data: data}
	if uint64(len(frame.Append(nil))) > sess.config.MaxUDPPayloadSize {
		return MessageResult{Status: MessageTooLarge}
	}
	sess.nextMessageID++
	sess.pending = append(sess.pending, pendingControlFrame{message: &frame})
	return MessageResult{Status: MessageSent, ID: sess.nextMessageID}
}

// --- GOAWAY ---

// SendGoAway queues a GOAWAY advertising the largest stream id this
// endpoint will still process. Sending GOAWAY before the handshake
// completes is fatal: the peer has no way to know which streams
// survive a 0-RTT rejection. A later GOAWAY may only advertise an
// equal-or-smaller id.
func (sess *Session) SendGoAway(id StreamID) error {
	if !sess.handshakeDone {
		return NewConnectionError(ErrInternal, "GOAWAY sent before handshake completion")
	}
	if sess.goAwaySent && id > sess.goAwaySentID {
		return NewConnectionError(ErrInternal, "GOAWAY id must not increase")
	}
	sess.goAwaySent = true
	sess.goAwaySentID = id
	sess.pending = append(sess.pending, pendingControlFrame{
		goAway: &GoAwayFrame{LastStreamID: id},
	})
	return nil
}

// OnGoAwayReceived processes a peer GOAWAY(id). A strictly increasing
// id relative to a prior GOAWAY is connection-fatal: the
// peer may only shrink the window of streams it promises to service.
func (sess *Session) OnGoAwayReceived(id StreamID) error {
	if sess.goAwayReceived && id > sess.goAwayReceivedID {
		err := NewConnectionError(ErrInternal, "received GOAWAY id increased")
		sess.CloseConnection(err)
		return err
	}
	sess.goAwayReceived = true
	sess.goAwayReceivedID = id
	return nil
}

// SetHandshakeDone marks the handshake complete, which both unblocks
// SendGoAway and flips SentPacketManager's retransmission-timer mode.
func (sess *Session) SetHandshakeDone() {
	sess.handshakeDone = true
	sess.spm.SetHandshakeConfirmed()
}

// OnPathChange reports a peer address change. preserveEstimates is
// true for port-only or same-IPv4-subnet changes (assumed NAT
// rebinding), for which RTT and congestion state carry over.
func (sess *Session) OnPathChange(preserveEstimates bool) {
	sess.spm.OnConnectionMigration(preserveEstimates)
}

// --- Alarms ---

func (sess *Session) now() time.Time {
	if sess.config.Clock != nil {
		return sess.config.Clock.Now()
	}
	return time.Now()
}

// noteActivity records peer traffic and pushes out the idle
// deadline.
func (sess *Session) noteActivity(now time.Time) {
	sess.lastActivity = now
	if sess.idleAlarm != nil && sess.config.IdleTimeout > 0 {
		sess.idleAlarm.Set(now.Add(sess.config.IdleTimeout))
	}
}

// ArmRetransmissionTimer (re)schedules the retransmission alarm at
// SentPacketManager's next deadline. Clearing and re-setting an
// alarm is cheap and never double-fires.
func (sess *Session) ArmRetransmissionTimer(now time.Time) {
	if sess.retransmissionAlarm == nil || sess.closed {
		return
	}
	sess.retransmissionAlarm.Set(sess.spm.GetRetransmissionTime(now))
}

func (sess *Session) onRetransmissionAlarm(now time.Time) {
	if sess.closed {
		return
	}
	if err := sess.spm.OnRetransmissionTimeout(now); err != nil {
		sess.CloseConnection(err)
		return
	}
	sess.ArmRetransmissionTimer(now)
}

func (sess *Session) onIdleAlarm(now time.Time) {
	if sess.closed || sess.config.IdleTimeout <= 0 {
		return
	}
	if now.Sub(sess.lastActivity) >= sess.config.IdleTimeout {
		sess.CloseConnection(NewConnectionError(ErrInternal, "idle timeout"))
	}
}

func (sess *Session) onCleanupAlarm(now time.Time) {
	sess.CleanupClosedStreams()
}

// CleanupClosedStreams drops every stream on the closed list; the
// cleanup alarm calls this, and tests may call it directly.
func (sess *Session) CleanupClosedStreams() {
	sess.closedStreams = nil
}

// --- Write loop ---

// OnCanWrite drains pending control frames and ready streams into
// successive calls to writeDatagram until nothing remains ready,
// writeDatagram reports the writer blocked, the connection closes, or
// the loop bound is reached. It returns the number of datagrams
// written. The congestion window is not consulted: the loop does not
// stop when the congestion controller would block sending.
//
// Crypto/static streams drain even while the connection is blocked
// on connection-level flow control, and an iteration that could
// write nothing solely because of flow control reports
// application-limited to the congestion controller.
func (sess *Session) OnCanWrite(now time.Time, writeDatagram func(pn PacketNumber, frames RetransmittableFrames, bytes ByteCount) bool) int {
	sent := 0
	for i := 0; i < maxWriteLoopIterations; i++ {
		if sess.closed {
			break
		}
		if len(sess.pending) > 0 {
			if !sess.flushControlFrame(now, writeDatagram) {
				break
			}
			sent++
			continue
		}
		id, ok := sess.scheduler.PopFront()
		if !ok {
			break
		}
		s := sess.lookupStream(id)
		if s == nil {
			continue
		}
		isStatic := sess.staticStreams[id]
		blockedByFlow := sess.connSendFlow.IsBlocked()
		wroteAny := false
		clampedToZero := false
		writerBlocked := false
		hasMore := s.OnCanWrite(now, func(data []byte, offset uint64, fin bool, typ TransmissionType) int {
			// A pure-FIN, zero-length frame never counts against
			// connection-level flow control (only bytes actually
			// sent do); everything else is clamped to the
			// connection's remaining send credit rather than the
			// all-or-nothing block a stale blockedByFlow snapshot
			// would give, since credit can still open up mid-loop as
			// earlier streams in this same turn consume less than
			// their share. Static streams drain regardless.
			n := len(data)
			if n > 0 && !isStatic {
				if avail := sess.connSendFlow.SendWindowSize(); uint64(n) > avail {
					n = int(avail)
				}
				if n == 0 {
					clampedToZero = true
					return 0
				}
			}
			sendFin := fin && n == len(data)
			frames := RetransmittableFrames{Streams: []StreamFrameRef{{StreamID: id, Offset: offset, Length: uint64(n), Fin: sendFin}}}
			pn, _ := sess.spm.OnPacketSent(AppDataSpace, now, frames, ByteCount(n), typ, isStatic, noPacketNumber)
			if !isStatic {
				sess.connSendFlow.AddBytesSent(uint64(n))
			}
			if !writeDatagram(pn, frames, ByteCount(n)) {
				writerBlocked = true
				return 0
			}
			wroteAny = true
			sent++
			sess.scheduler.UpdateBytesForStream(ByteCount(n))
			return n
		})
		sess.reapStream(s)
		if writerBlocked {
			if hasMore && !sess.closed {
				sess.scheduler.AddStream(id)
			}
			break
		}
		if hasMore && wroteAny && !sess.closed {
			// Still data left (e.g. the batch quota or the stream
			// window clipped the write): queue another visit.
			sess.scheduler.AddStream(id)
		}
		if !wroteAny && (blockedByFlow || clampedToZero) {
			if clampedToZero {
				sess.pending = append(sess.pending, pendingControlFrame{
					dataBlocked: &DataBlockedFrame{DataLimit: sess.connSendFlow.sendWindow},
				})
			}
			sess.spm.cc.OnApplicationLimited(sess.spm.BytesInFlight())
		}
	}
	sess.ArmRetransmissionTimer(now)
	return sent
}

func (sess *Session) flushControlFrame(now time.Time, writeDatagram func(pn PacketNumber, frames RetransmittableFrames, bytes ByteCount) bool) bool {
	f := sess.pending[0]
	sess.pending = sess.pending[1:]
	var frames RetransmittableFrames
	var wireLen int
	switch {
	case f.resetStream != nil:
		frames.ResetStream = []StreamID{f.resetStream.ID}
		wireLen = len(f.resetStream.Append(nil))
	case f.stopSending != nil:
		wireLen = len(f.stopSending.Append(nil))
	case f.maxStreams != nil:
		wireLen = len(f.maxStreams.Append(nil))
	case f.maxData != nil:
		wireLen = len(f.maxData.Append(nil))
	case f.maxStreamData != nil:
		wireLen = len(f.maxStreamData.Append(nil))
	case f.streamsBlocked != nil:
		wireLen = len(f.streamsBlocked.Append(nil))
	case f.dataBlocked != nil:
		wireLen = len(f.dataBlocked.Append(nil))
	case f.streamDataBlocked != nil:
		wireLen = len(f.streamDataBlocked.Append(nil))
	case f.goAway != nil:
		wireLen = len(f.goAway.Append(nil))
	case f.message != nil:
		wireLen = len(f.message.Append(nil))
	}
	pn, _ := sess.spm.OnPacketSent(AppDataSpace, now, frames, ByteCount(wireLen), NotRetransmission, false, noPacketNumber)
	return writeDatagram(pn, frames, ByteCount(wireLen))
}
