// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// AckListener is notified when previously-unacked bytes of a stream
// transition to acked, or when the stream's FIN is acked (with
// newlyAckedBytes == 0). Registered via Stream.RegisterAckListener.
type AckListener interface {
	OnAck(newlyAckedBytes int)
}

// StreamHost is the capability interface a Stream uses to reach back
// into its owning Session: rather than an HTTP-layer subclass
// inheriting from a core QuicStream, a plain Stream composes this
// interface to talk back to whatever owns it (on_stream_frame/
// on_canwrite/on_reset/on_stop_sending/is_waiting_for_acks/
// on_connection_closed).
type StreamHost interface {
	// RegisterWriteReady adds id to the write scheduler so a future
	// on_can_write turn visits this stream.
	RegisterWriteReady(id StreamID)
	// CloseConnection raises a connection-fatal CoreError.
	CloseConnection(err *CoreError)
	// EnqueueResetStream queues a RESET_STREAM frame to be sent.
	EnqueueResetStream(id StreamID, err ErrorCode, finalSize uint64)
	// EnqueueStopSending queues a STOP_SENDING frame to be sent.
	EnqueueStopSending(id StreamID, err ErrorCode)
	// EnqueueMaxStreamData queues a MAX_STREAM_DATA frame advertising
	// a new absolute receive limit for id.
	EnqueueMaxStreamData(id StreamID, limit uint64)
	// EnqueueStreamDataBlocked queues a STREAM_DATA_BLOCKED frame
	// reporting that id has data to send but no flow-control credit.
	EnqueueStreamDataBlocked(id StreamID, limit uint64)
	// CreditConnectionFlowControl records n bytes as consumed
	// against the connection-level FlowController, used both when the
	// application reads bytes and when bytes are accounted without
	// ever reaching the application (e.g. the tail of a stream ended
	// by RESET_STREAM).
	CreditConnectionFlowControl(n uint64)
}

// streamDirection classifies a stream by which sides may send.
type streamDirection int

const (
	bidirectional streamDirection = iota
	readUnidirectional
	writeUnidirectional
)

func directionFor(local Side, id StreamID) streamDirection {
	if id.streamType() == BidiStream {
		return bidirectional
	}
	if id.initiatedBy() == local {
		return writeUnidirectional
	}
	return readUnidirectional
}

// Stream is one QUIC stream's state machine, send buffer, receive
// sequencer, and flow controller.
type Stream struct {
	id        StreamID
	local     Side
	direction streamDirection
	config    *Config
	host      StreamHost

	priority int

	send SendBuffer
	recv ReceiveSequencer
	flow *FlowController

	writeClosed bool
	readClosed  bool

	finReceived         bool
	haveFinalOffset     bool
	finalReceivedOffset uint64

	// highestReceived is the largest absolute offset any incoming
	// frame has covered, the basis for connection-level receive
	// accounting and for crediting never-delivered bytes on reset.
	highestReceived uint64

	resetLocally  bool
	resetError    *CoreError
	resetRemotely bool

	stopReading bool

	ttlDeadline time.Time // zero means unset

	ackListener AckListener

	// maxBufferedBytes is the high-water mark WritevData enforces
	// once some data is already buffered.
	maxBufferedBytes uint64

	// finLost and retransmitType track a pending RetransmitStreamData
	// pass: finLost is set when the FIN itself was reported lost
	// (independent of send.lost, since a pure-FIN frame carries no
	// bytes), and retransmitType is the classification (loss/TLP/RTO/
	// handshake) OnCanWrite reports the resend under.
	finLost        bool
	retransmitType TransmissionType

	// finSent is set once a frame carrying the FIN has been handed to
	// the OnCanWrite callback; a lost FIN is resent through finLost.
	finSent bool

	closed bool
}

// NewStream constructs a Stream. sendWindow/receiveWindow seed the
// per-stream FlowController from the negotiated transport
// parameters.
func NewStream(id StreamID, local Side, config *Config, host StreamHost, sendWindow, receiveWindow uint64) *Stream {
	return &Stream{
		id:               id,
		local:            local,
		direction:        directionFor(local, id),
		config:           config,
		host:             host,
		send:             SendBuffer{},
		flow:             NewFlowController(sendWindow, receiveWindow),
		maxBufferedBytes: 1 << 20,
	}
}

// ID returns the stream's identifier.
func (s *Stream) ID() StreamID { return s.id }

// RegisterAckListener installs l to be notified of future acks.
func (s *Stream) RegisterAckListener(l AckListener) { s.ackListener = l }

// SetPriority updates the stream's write-scheduler priority.
func (s *Stream) SetPriority(p int) { s.priority = p }

// Priority returns the stream's current write-scheduler priority.
func (s *Stream) Priority() int { return s.priority }

// MaybeSetTTL installs a deadline; on the next write opportunity
// past the deadline the stream is reset with STREAM_TTL_EXPIRED
// instead of transmitting.
func (s *Stream) MaybeSetTTL(d time.Duration, now time.Time) {
	s.ttlDeadline = now.Add(d)
}

// checkWritable raises a connection-fatal error if this endpoint may
// not send data on the stream at all.
func (s *Stream) checkWritable() bool {
	if s.direction == readUnidirectional {
		s.host.CloseConnection(NewConnectionError(ErrInvalidStreamID, "write to a read-unidirectional stream"))
		return false
	}
	return true
}

// WriteOrBufferData appends bytes to the SendBuffer and marks the
// stream write-ready. Writing after fin is a caller bug; writing
// past max_stream_length is a connection-fatal overflow.
func (s *Stream) WriteOrBufferData(data []byte, fin bool) {
	if !s.checkWritable() {
		return
	}
	if s.writeClosed {
		panic("BUG: WriteOrBufferData called on a write-closed stream")
	}
	if s.send.HasFin() {
		panic("BUG: WriteOrBufferData called after fin already sent")
	}
	if uint64(len(data))+s.send.Size() > s.config.MaxStreamLength {
		s.host.CloseConnection(NewConnectionError(ErrStreamLengthOverflow, "stream exceeded max_stream_length"))
		return
	}
	s.send.Append(data)
	if fin {
		s.send.SetFin()
		s.writeClosed = true
	}
	s.host.RegisterWriteReady(s.id)
}

// WritevData is the buffered-high-water-mark variant of
// WriteOrBufferData. It returns how many bytes (and
// whether fin) were actually consumed: once maxBufferedBytes is
// reached, further calls consume nothing, except when nothing at all
// is currently buffered — in that case the call always accepts the
// full input, even if it exceeds the cap on its own.
func (s *Stream) WritevData(iov [][]byte, fin bool) (bytesConsumed uint64, finConsumed bool) {
	if !s.checkWritable() {
		return 0, false
	}
	if s.writeClosed && !fin {
		panic("BUG: WritevData called on a write-closed stream")
	}
	buffered := s.sendBufferBuffered()
	if buffered > 0 && buffered >= s.maxBufferedBytes {
		return 0, false
	}
	var total uint64
	for _, b := range iov {
		total += uint64(len(b))
	}
	if total+s.send.Size() > s.config.MaxStreamLength {
		s.host.CloseConnection(NewConnectionError(ErrStreamLengthOverflow, "stream exceeded max_stream_length"))
		return 0, false
	}
	for _, b := range iov {
		s.send.Append(b)
	}
	if fin {
		s.send.SetFin()
		s.writeClosed = true
	}
	s.host.RegisterWriteReady(s.id)
	return total, fin
}

// WriteMemSlices is WritevData without the defensive copy: the
// caller transfers ownership of each slice and must not modify it
// afterwards. The same high-water mark and length-overflow rules
// apply.
func (s *Stream) WriteMemSlices(slices [][]byte, fin bool) (bytesConsumed uint64, finConsumed bool) {
	if !s.checkWritable() {
		return 0, false
	}
	if s.writeClosed && !fin {
		panic("BUG: WriteMemSlices called on a write-closed stream")
	}
	buffered := s.sendBufferBuffered()
	if buffered > 0 && buffered >= s.maxBufferedBytes {
		return 0, false
	}
	var total uint64
	for _, b := range slices {
		total += uint64(len(b))
	}
	if total+s.send.Size() > s.config.MaxStreamLength {
		s.host.CloseConnection(NewConnectionError(ErrStreamLengthOverflow, "stream exceeded max_stream_length"))
		return 0, false
	}
	for _, b := range slices {
		s.send.AppendOwned(b)
	}
	if fin {
		s.send.SetFin()
		s.writeClosed = true
	}
	s.host.RegisterWriteReady(s.id)
	return total, fin
}

// OnStreamFrameAcked updates the SendBuffer's acked ranges and
// reports newly-acked bytes to the ack listener. Acking
// fin only sets the fin-acked flag and invokes the listener with
// zero bytes.
func (s *Stream) OnStreamFrameAcked(offset, length uint64, fin bool, ackDelay time.Duration) (newDataAcked bool) {
	if s.resetLocally && s.resetError != nil && s.resetError.Code != ErrNoError {
		return false // local non-graceful reset: further acks suppressed
	}
	if length > 0 {
		before := s.send.acked.Sum()
		s.send.AckInterval(offset, offset+length)
		after := s.send.acked.Sum()
		if after > before {
			newDataAcked = true
			if s.ackListener != nil {
				s.ackListener.OnAck(int(after - before))
			}
		}
	}
	if fin && !s.send.FinAcked() {
		s.send.AckFin()
		if s.ackListener != nil {
			s.ackListener.OnAck(0)
		}
	}
	return newDataAcked
}

// OnStreamFrameLost marks [offset, offset+length) (and the fin, if
// lost) pending for a future RetransmitStreamData pass, tagged with
// the transmission type that triggered the loss (RFC 9002 loss
// detection, a TLP/RTO probe, or a handshake-space retransmission)
// so the resend is reported to the congestion controller under the
// same classification.
func (s *Stream) OnStreamFrameLost(offset, length uint64, fin bool, typ TransmissionType) {
	if length > 0 {
		s.send.MarkLostInterval(offset, offset+length)
	}
	if fin {
		s.finLost = true
	}
	s.retransmitType = typ
	s.host.RegisterWriteReady(s.id)
}

// hasPendingRetransmit reports whether a RetransmitStreamData pass
// has anything left to offer.
func (s *Stream) hasPendingRetransmit() bool {
	return s.send.HasPendingLoss() || s.finLost
}

// RetransmitStreamData drains every range OnStreamFrameLost has
// queued (and the fin, if it was lost), skipping any sub-range the
// peer has since acknowledged, via cb. cb reports how many bytes of
// the slice it actually wrote; if it ever writes less than offered,
// RetransmitStreamData stops and returns false so the caller retries
// the remainder on a future write opportunity.
func (s *Stream) RetransmitStreamData(cb func(data []byte, offset uint64, fin bool) (consumed int)) (allConsumed bool) {
	for {
		start, end, ok := s.send.NextLostRange()
		if !ok {
			break
		}
		buf := make([]byte, end-start)
		n := s.send.ReadAt(buf, start)
		isLastByte := start+uint64(n) == s.send.Size()
		sendFin := s.finLost && isLastByte && !s.send.FinAcked()
		consumed := cb(buf[:n], start, sendFin)
		if consumed <= 0 {
			return false
		}
		s.send.ClearLost(start, start+uint64(consumed))
		if sendFin {
			s.finLost = false
		}
		if consumed < n {
			s.send.UnmarkSent(start+uint64(consumed), start+uint64(n))
			return false
		}
	}
	if s.finLost && !s.send.FinAcked() {
		// A pure-fin frame carries no bytes, so consumed can't signal
		// accept/decline the way it does for a data range: treat any
		// call as delivered, matching OnCanWrite's own fin-only path.
		cb(nil, s.send.FinOffset(), true)
		s.finLost = false
	}
	return true
}

// Reset locally resets the stream. If fin has not been
// sent, a RESET_STREAM is queued. A non-"no error" code additionally
// stops tracking unacked bytes, since they will never be
// retransmitted.
func (s *Stream) Reset(err *CoreError) {
	s.resetLocally = true
	s.resetError = err
	if !s.send.HasFin() {
		s.host.EnqueueResetStream(s.id, err.Code, s.send.Size())
	}
	s.writeClosed = true
	if err.Code != ErrNoError {
		// Stop waiting for acks: nothing further will be
		// retransmitted for this stream.
		s.send.finSet = true
		s.send.finAcked = true
		s.send.acked.Add(0, s.send.writeOffset)
	}
	s.maybeClose()
}

// StopReading tells the peer we will read no more: a STOP_SENDING
// is queued, everything buffered or yet to arrive is credited to
// flow control as if consumed, and the sequencer is discarded.
func (s *Stream) StopReading(code ErrorCode) {
	if s.stopReading || s.readClosed {
		return
	}
	s.stopReading = true
	s.host.EnqueueStopSending(s.id, code)
	s.recv.Discard()
	if s.highestReceived > s.flow.consumed {
		gap := s.highestReceived - s.flow.consumed
		s.flow.AddBytesConsumed(gap)
		s.host.CreditConnectionFlowControl(gap)
	}
	if s.finReceived {
		s.readClosed = true
	}
	s.maybeClose()
}

// Read copies up to len(p) in-order received bytes into p. It
// returns the count copied and whether the read side has delivered
// everything through the peer's FIN. Consumed bytes release stream
// and connection flow-control credit, advertising new windows at
// the halfway point.
func (s *Stream) Read(p []byte) (n int, finished bool) {
	if s.stopReading || s.resetRemotely {
		return 0, s.readClosed
	}
	n = s.recv.Read(p)
	if n > 0 {
		s.flow.AddBytesConsumed(uint64(n))
		s.host.CreditConnectionFlowControl(uint64(n))
		if newLimit, ok := s.flow.MaybeUpdateWindow(); ok {
			s.host.EnqueueMaxStreamData(s.id, newLimit)
		}
	}
	s.updateReadClosed()
	return n, s.readClosed
}

// BytesReadable returns how many in-order bytes a Read would return
// right now.
func (s *Stream) BytesReadable() uint64 { return s.recv.BytesReadable() }

// OnStreamReset records the peer's RESET_STREAM: closes the read
// side and learns the final offset. Per IETF semantics this does not
// implicitly close the write side.
func (s *Stream) OnStreamReset(finalOffset uint64, errCode ErrorCode) error {
	if err := s.learnFinalOffset(finalOffset); err != nil {
		return err
	}
	// Bytes between what we've already consumed and the final offset
	// will never arrive; credit them back to the connection so a
	// reset doesn't permanently shrink its flow-control budget.
	if consumed := s.flow.consumed; finalOffset > consumed {
		gap := finalOffset - consumed
		s.flow.AddBytesConsumed(gap)
		s.host.CreditConnectionFlowControl(gap)
	}
	s.recv.Discard()
	s.readClosed = true
	s.resetRemotely = true
	s.maybeClose()
	return nil
}

// OnStopSending handles a peer STOP_SENDING by queuing a local
// RESET_STREAM carrying the requested error code.
func (s *Stream) OnStopSending(errCode ErrorCode) {
	s.Reset(NewStreamError(errCode, "peer requested STOP_SENDING"))
}

// learnFinalOffset records the stream's final offset from whichever
// source reports it first (FIN, RESET_STREAM, or legacy trailer);
// contradictory later reports are connection-fatal.
func (s *Stream) learnFinalOffset(offset uint64) error {
	if s.haveFinalOffset {
		if s.finalReceivedOffset != offset {
			err := NewConnectionError(ErrFlowControlReceivedTooMuchData, "final offset mismatch")
			s.host.CloseConnection(err)
			return err
		}
		return nil
	}
	s.haveFinalOffset = true
	s.finalReceivedOffset = offset
	return nil
}

// OnStreamFrame processes an incoming STREAM frame: validates flow
// control, buffers the payload in the receive sequencer, and tracks
// FIN/final-offset state. An empty frame with FIN beyond the
// flow-control window is accepted; a non-empty frame extending
// beyond it is fatal.
func (s *Stream) OnStreamFrame(offset uint64, data []byte, fin bool) error {
	if s.direction == writeUnidirectional {
		return NewConnectionError(ErrInvalidStreamID, "STREAM frame for a write-only stream")
	}
	length := uint64(len(data))
	end := offset + length
	if fin {
		if err := s.learnFinalOffset(end); err != nil {
			return err
		}
		s.finReceived = true
	}
	if s.flow.WouldViolate(end) && length > 0 {
		err := NewConnectionError(ErrFlowControlReceivedTooMuchData, "stream data exceeds flow control window")
		s.host.CloseConnection(err)
		return err
	}
	var newBytes uint64
	if end > s.highestReceived {
		newBytes = end - s.highestReceived
		s.highestReceived = end
	}
	if s.resetLocally || s.stopReading {
		// The reader is gone: account the bytes to flow control so
		// the windows stay consistent, no listener callback, no
		// buffering, stream stays in its current state.
		s.flow.AddBytesConsumed(newBytes)
		s.host.CreditConnectionFlowControl(newBytes)
		s.updateReadClosed()
		if s.resetLocally && (fin || s.finReceived) {
			s.maybeClose()
		}
		return nil
	}
	s.recv.Insert(offset, data)
	s.updateReadClosed()
	return nil
}

// NewlyReceivedBytes returns how many bytes of [0, end) extend past
// everything previously received, for the Session's connection-level
// receive accounting.
func (s *Stream) NewlyReceivedBytes(end uint64) uint64 {
	if end <= s.highestReceived {
		return 0
	}
	return end - s.highestReceived
}

// updateReadClosed closes the read side once the peer's FIN has
// arrived and every byte through the final offset has been consumed
// (or the reader has stopped caring).
func (s *Stream) updateReadClosed() {
	if s.readClosed || !s.finReceived {
		return
	}
	if s.stopReading || s.resetLocally {
		s.readClosed = true
		s.maybeClose()
		return
	}
	if s.haveFinalOffset && s.recv.ReadOffset() >= s.finalReceivedOffset && !s.recv.HasBuffered() {
		s.readClosed = true
		s.maybeClose()
	}
}

// OnMaxStreamData raises the stream's send window in response to a
// MAX_STREAM_DATA frame and, if data was waiting on credit, marks
// the stream write-ready again.
func (s *Stream) OnMaxStreamData(limit uint64) {
	before := s.flow.SendWindowSize()
	s.flow.UpdateSendWindow(limit)
	if before == 0 && s.flow.SendWindowSize() > 0 && s.HasBufferedData() {
		s.host.RegisterWriteReady(s.id)
	}
}

// HasBufferedData reports whether any appended byte has not yet been
// sent, or a set FIN has not yet gone out.
func (s *Stream) HasBufferedData() bool {
	if _, ok := s.send.NextUnsent(); ok {
		return true
	}
	return s.send.HasFin() && !s.finSent
}

// OnConnectionClosed drains unacked state: regardless of local or
// remote origin, the stream immediately stops waiting for acks.
func (s *Stream) OnConnectionClosed(err *CoreError) {
	s.resetLocally = true
	if s.resetError == nil {
		s.resetError = err
	}
	s.send.finSet = true
	s.send.finAcked = true
	s.send.acked.Add(0, s.send.writeOffset)
	s.recv.Discard()
	s.readClosed = true
	s.writeClosed = true
	s.closed = true
}

// IsWaitingForAcks reports whether the SendBuffer has outstanding
// unacked bytes or an unacked fin. A local reset with a non-"no
// error" code, or a connection close, makes this false immediately.
func (s *Stream) IsWaitingForAcks() bool {
	if s.closed {
		return false
	}
	if s.resetLocally && s.resetError != nil && s.resetError.Code != ErrNoError {
		return false
	}
	return s.send.Outstanding()
}

// IsZombie reports whether both sides are closed but the SendBuffer
// still holds unacked bytes.
func (s *Stream) IsZombie() bool {
	return s.readClosed && s.writeClosed && s.IsWaitingForAcks()
}

// IsClosed reports whether both sides are closed and nothing remains
// waiting for acks.
func (s *Stream) IsClosed() bool {
	return s.closed || (s.readClosed && s.writeClosed && !s.IsWaitingForAcks())
}

func (s *Stream) maybeClose() {
	if s.readClosed && s.writeClosed && !s.IsWaitingForAcks() {
		s.closed = true
	}
}

// OnCanWrite is the write-scheduler entry point for this stream: if
// past its TTL, reset instead of sending; otherwise retransmit any
// lost range first, then send new data via cb, clamped to the
// stream's own flow-control credit. It returns whether there is
// more data to send (the caller should re-register the stream if
// so).
func (s *Stream) OnCanWrite(now time.Time, cb func(data []byte, offset uint64, fin bool, typ TransmissionType) (consumed int)) (hasMore bool) {
	if !s.ttlDeadline.IsZero() && now.After(s.ttlDeadline) {
		s.Reset(NewStreamError(ErrStreamTTLExpired, "stream ttl expired"))
		return false
	}
	if s.hasPendingRetransmit() {
		typ := s.retransmitType
		if !s.RetransmitStreamData(func(data []byte, offset uint64, fin bool) int {
			return cb(data, offset, fin, typ)
		}) {
			return true
		}
	}
	offset, ok := s.send.NextUnsent()
	if !ok {
		if s.send.HasFin() && !s.send.FinAcked() && !s.finSent {
			cb(nil, s.send.FinOffset(), true, NotRetransmission)
			s.finSent = true
		}
		return false
	}
	avail := s.send.Size() - offset
	if avail == 0 {
		return false
	}
	// Retransmitted offsets above were already inside the window
	// when first sent; only new data consumes stream-level credit.
	if window := s.flow.SendWindowSize(); avail > window {
		avail = window
		if avail == 0 {
			s.host.EnqueueStreamDataBlocked(s.id, s.flow.sendWindow)
			return true
		}
	}
	buf := make([]byte, avail)
	n := s.send.ReadAt(buf, offset)
	fin := s.send.HasFin() && offset+uint64(n) == s.send.Size()
	consumed := cb(buf[:n], offset, fin, NotRetransmission)
	if fin && consumed == n {
		s.finSent = true
	}
	if consumed < n {
		// The caller (e.g. connection-level flow control, or a
		// packet writer that declined the write) didn't take all of
		// what we offered: don't treat the undelivered tail as sent,
		// or it would never be offered again.
		if consumed < 0 {
			consumed = 0
		}
		s.send.UnmarkSent(offset+uint64(consumed), offset+uint64(n))
	}
	s.flow.AddBytesSent(uint64(consumed))
	_, hasMore = s.send.NextUnsent()
	return hasMore
}

// sendBufferBuffered approximates "currently buffered outgoing
// bytes" (written minus acked) for WritevData's high-water mark
// check, without exposing SendBuffer's internals.
func (s *Stream) sendBufferBuffered() uint64 {
	return s.send.Size() - s.send.acked.Sum()
}
