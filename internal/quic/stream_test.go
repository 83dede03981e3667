// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"testing"
	"time"
)

type fakeStreamHost struct {
	writeReady   []StreamID
	closedErr    *CoreError
	resets       map[StreamID]ErrorCode
	stopSendings map[StreamID]ErrorCode
	connConsumed uint64
	maxStreamData map[StreamID]uint64
	streamDataBlocked []StreamID
}

func newFakeStreamHost() *fakeStreamHost {
	return &fakeStreamHost{resets: make(map[StreamID]ErrorCode), stopSendings: make(map[StreamID]ErrorCode)}
}

func (h *fakeStreamHost) RegisterWriteReady(id StreamID) { h.writeReady = append(h.writeReady, id) }
func (h *fakeStreamHost) CloseConnection(err *CoreError)  { h.closedErr = err }
func (h *fakeStreamHost) EnqueueResetStream(id StreamID, err ErrorCode, finalSize uint64) {
	h.resets[id] = err
}
func (h *fakeStreamHost) EnqueueStopSending(id StreamID, err ErrorCode) { h.stopSendings[id] = err }
func (h *fakeStreamHost) EnqueueMaxStreamData(id StreamID, limit uint64) {
	if h.maxStreamData == nil {
		h.maxStreamData = make(map[StreamID]uint64)
	}
	h.maxStreamData[id] = limit
}
func (h *fakeStreamHost) EnqueueStreamDataBlocked(id StreamID, limit uint64) {
	h.streamDataBlocked = append(h.streamDataBlocked, id)
}
func (h *fakeStreamHost) CreditConnectionFlowControl(n uint64) { h.connConsumed += n }

type fakeAckListener struct{ totalAcked int; finAcked bool }

func (l *fakeAckListener) OnAck(n int) {
	if n == 0 {
		l.finAcked = true
		return
	}
	l.totalAcked += n
}

func TestStreamWriteOrBufferDataAndAck(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ClientSide)
	s := NewStream(4, ClientSide, cfg, host, 1000, 1000)
	listener := &fakeAckListener{}
	s.RegisterAckListener(listener)

	s.WriteOrBufferData([]byte("hello"), true)
	if len(host.writeReady) != 1 || host.writeReady[0] != 4 {
		t.Fatalf("expected stream registered write-ready, got %+v", host.writeReady)
	}
	if !s.IsWaitingForAcks() {
		t.Fatalf("IsWaitingForAcks() = false right after an unacked write+fin")
	}

	s.OnStreamFrameAcked(0, 5, true, 0)
	if listener.totalAcked != 5 {
		t.Fatalf("totalAcked = %d, want 5", listener.totalAcked)
	}
	if !listener.finAcked {
		t.Fatalf("fin ack callback never fired")
	}
	if s.IsWaitingForAcks() {
		t.Fatalf("IsWaitingForAcks() = true after data and fin both acked")
	}
}

func TestStreamLengthOverflowClosesConnection(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ClientSide)
	cfg.MaxStreamLength = 4
	s := NewStream(4, ClientSide, cfg, host, 1000, 1000)
	s.WriteOrBufferData([]byte("toolong"), false)
	if host.closedErr == nil || host.closedErr.Code != ErrStreamLengthOverflow {
		t.Fatalf("expected ErrStreamLengthOverflow, got %+v", host.closedErr)
	}
}

func TestStreamResetStopsWaitingForAcks(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ClientSide)
	s := NewStream(4, ClientSide, cfg, host, 1000, 1000)
	s.WriteOrBufferData([]byte("hello"), false)
	if !s.IsWaitingForAcks() {
		t.Fatalf("expected to be waiting for acks before reset")
	}
	s.Reset(NewStreamError(ErrStreamCancelled, "cancelled"))
	if s.IsWaitingForAcks() {
		t.Fatalf("IsWaitingForAcks() = true after a non-NoError local reset")
	}
	if host.resets[4] != ErrStreamCancelled {
		t.Fatalf("expected RESET_STREAM enqueued with ErrStreamCancelled, got %v", host.resets[4])
	}
}

func TestStreamTrailingFinAfterResetCreditsConnectionOnly(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ClientSide)
	s := NewStream(4, ServerSide, cfg, host, 1000, 1000)
	listener := &fakeAckListener{}
	s.RegisterAckListener(listener)

	s.Reset(NewStreamError(ErrStreamCancelled, "cancelled"))
	if err := s.OnStreamFrame(0, make([]byte, 10), true); err != nil {
		t.Fatalf("OnStreamFrame after reset returned error: %v", err)
	}
	if host.connConsumed != 10 {
		t.Fatalf("connConsumed = %d, want 10", host.connConsumed)
	}
	if listener.totalAcked != 0 || listener.finAcked {
		t.Fatalf("ack listener should not fire for a trailing fin after reset")
	}
}

func TestStreamFinalOffsetMismatchIsConnectionFatal(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ClientSide)
	s := NewStream(4, ServerSide, cfg, host, 1000, 1000)
	if err := s.OnStreamFrame(0, make([]byte, 10), true); err != nil {
		t.Fatalf("first fin report failed: %v", err)
	}
	if err := s.OnStreamReset(20, ErrStreamCancelled); err == nil {
		t.Fatalf("expected an error reconciling a contradictory final offset")
	}
}

func TestStreamOnCanWriteRetriesDeclinedBytes(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ClientSide)
	s := NewStream(4, ClientSide, cfg, host, 1000, 1000)
	s.WriteOrBufferData([]byte("hello"), false)

	var offers [][]byte
	hasMore := s.OnCanWrite(time.Time{}, func(data []byte, offset uint64, fin bool, typ TransmissionType) int {
		offers = append(offers, append([]byte(nil), data...))
		return 0 // declined, e.g. blocked on connection-level flow control
	})
	if !hasMore {
		t.Fatalf("expected hasMore=true: declined bytes must still be pending")
	}
	if len(offers) != 1 || string(offers[0]) != "hello" {
		t.Fatalf("unexpected offers on first OnCanWrite: %+v", offers)
	}

	offers = nil
	hasMore = s.OnCanWrite(time.Time{}, func(data []byte, offset uint64, fin bool, typ TransmissionType) int {
		offers = append(offers, append([]byte(nil), data...))
		return len(data)
	})
	if hasMore {
		t.Fatalf("expected hasMore=false once the retry is fully accepted")
	}
	if len(offers) != 1 || string(offers[0]) != "hello" {
		t.Fatalf("declined bytes were not offered again on retry: %+v", offers)
	}
}

func TestStreamOnCanWriteRetransmitsLostDataBeforeNewData(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ClientSide)
	s := NewStream(4, ClientSide, cfg, host, 1000, 1000)
	s.WriteOrBufferData([]byte("hello"), false)

	// First write opportunity sends "hello" as new data.
	var firstOffer []byte
	s.OnCanWrite(time.Time{}, func(data []byte, offset uint64, fin bool, typ TransmissionType) int {
		firstOffer = append([]byte(nil), data...)
		if typ != NotRetransmission {
			t.Fatalf("first send classified as %v, want NotRetransmission", typ)
		}
		return len(data)
	})
	if string(firstOffer) != "hello" {
		t.Fatalf("first OnCanWrite offered %q, want hello", firstOffer)
	}
	s.WriteOrBufferData([]byte("world"), true)

	// The peer never acked "hello": loss detection reports it lost.
	s.OnStreamFrameLost(0, 5, false, RTORetransmission)

	var offers [][]byte
	var typs []TransmissionType
	hasMore := s.OnCanWrite(time.Time{}, func(data []byte, offset uint64, fin bool, typ TransmissionType) int {
		offers = append(offers, append([]byte(nil), data...))
		typs = append(typs, typ)
		return len(data)
	})
	if len(offers) != 2 {
		t.Fatalf("expected the lost range retransmitted ahead of new data, then the new data itself, got %+v", offers)
	}
	if string(offers[0]) != "hello" || typs[0] != RTORetransmission {
		t.Fatalf("first offer = (%q, %v), want (hello, RTORetransmission)", offers[0], typs[0])
	}
	if string(offers[1]) != "world" || typs[1] != NotRetransmission {
		t.Fatalf("second offer = (%q, %v), want (world, NotRetransmission)", offers[1], typs[1])
	}
	if hasMore {
		t.Fatalf("expected hasMore=false once both the retransmit and the new data are accepted")
	}
	if s.hasPendingRetransmit() {
		t.Fatalf("expected no pending retransmit once the lost range has been resent")
	}
}

func TestStreamOnCanWriteRetransmitsLostFin(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ClientSide)
	s := NewStream(4, ClientSide, cfg, host, 1000, 1000)
	s.WriteOrBufferData([]byte("hello"), true)

	s.OnCanWrite(time.Time{}, func(data []byte, offset uint64, fin bool, typ TransmissionType) int {
		return len(data)
	})
	// The data was acked, but the closing FIN frame was lost.
	s.OnStreamFrameAcked(0, 5, false, 0)
	s.OnStreamFrameLost(0, 0, true, LossRetransmission)

	var sawFin bool
	s.OnCanWrite(time.Time{}, func(data []byte, offset uint64, fin bool, typ TransmissionType) int {
		if len(data) == 0 && fin {
			sawFin = true
			if typ != LossRetransmission {
				t.Fatalf("fin retransmission classified as %v, want LossRetransmission", typ)
			}
		}
		return len(data)
	})
	if !sawFin {
		t.Fatalf("expected the lost fin to be retransmitted")
	}
	if s.hasPendingRetransmit() {
		t.Fatalf("expected no pending retransmit once the lost fin has been resent")
	}
}

func TestStreamIsZombieAfterBothClosedWithUnackedData(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ClientSide)
	s := NewStream(4, ClientSide, cfg, host, 1000, 1000)
	s.WriteOrBufferData([]byte("hello"), true)
	s.readClosed = true
	if !s.IsZombie() {
		t.Fatalf("expected stream to be a zombie: both sides closed, unacked bytes remain")
	}
	s.OnStreamFrameAcked(0, 5, true, 0)
	if s.IsZombie() {
		t.Fatalf("stream should no longer be a zombie once fully acked")
	}
	if !s.IsClosed() {
		t.Fatalf("expected stream closed once fully acked with both sides closed")
	}
}

func TestStreamReadDeliversInOrderAndCreditsFlowControl(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ServerSide)
	s := NewStream(4, ServerSide, cfg, host, 1000, 1000)

	// Second half arrives first; nothing is readable until the gap
	// fills.
	if err := s.OnStreamFrame(5, []byte("world"), true); err != nil {
		t.Fatalf("OnStreamFrame(5) failed: %v", err)
	}
	if got := s.BytesReadable(); got != 0 {
		t.Fatalf("BytesReadable = %d across a gap, want 0", got)
	}
	if err := s.OnStreamFrame(0, []byte("hello"), false); err != nil {
		t.Fatalf("OnStreamFrame(0) failed: %v", err)
	}

	buf := make([]byte, 16)
	n, finished := s.Read(buf)
	if string(buf[:n]) != "helloworld" {
		t.Fatalf("Read = %q, want %q", buf[:n], "helloworld")
	}
	if !finished {
		t.Fatalf("Read should report finished once everything through the fin is consumed")
	}
	if host.connConsumed != 10 {
		t.Fatalf("connConsumed = %d, want 10", host.connConsumed)
	}
}

func TestStreamReadAdvertisesWindowAtHalfway(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ServerSide)
	s := NewStream(4, ServerSide, cfg, host, 1000, 100)

	if err := s.OnStreamFrame(0, make([]byte, 60), false); err != nil {
		t.Fatalf("OnStreamFrame failed: %v", err)
	}
	buf := make([]byte, 60)
	s.Read(buf)
	if limit, ok := host.maxStreamData[4]; !ok || limit != 160 {
		t.Fatalf("expected MAX_STREAM_DATA advertising 160 after consuming past half the window, got %v (%v)", limit, ok)
	}
}

func TestStreamStopReadingCreditsAndDiscards(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ServerSide)
	s := NewStream(4, ServerSide, cfg, host, 1000, 1000)

	if err := s.OnStreamFrame(0, make([]byte, 30), false); err != nil {
		t.Fatalf("OnStreamFrame failed: %v", err)
	}
	s.StopReading(ErrStreamCancelled)
	if host.stopSendings[4] != ErrStreamCancelled {
		t.Fatalf("expected STOP_SENDING with ErrStreamCancelled, got %v", host.stopSendings[4])
	}
	if host.connConsumed != 30 {
		t.Fatalf("connConsumed = %d after StopReading, want 30", host.connConsumed)
	}

	// Later frames are credited straight through, never buffered.
	if err := s.OnStreamFrame(30, make([]byte, 20), false); err != nil {
		t.Fatalf("OnStreamFrame after StopReading failed: %v", err)
	}
	if host.connConsumed != 50 {
		t.Fatalf("connConsumed = %d, want 50", host.connConsumed)
	}
	if n, _ := s.Read(make([]byte, 8)); n != 0 {
		t.Fatalf("Read returned %d bytes after StopReading, want 0", n)
	}
}

func TestStreamOnCanWriteClampsToSendWindow(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ClientSide)
	s := NewStream(4, ClientSide, cfg, host, 6, 1000)

	s.WriteOrBufferData([]byte("0123456789"), false)
	var offered []byte
	hasMore := s.OnCanWrite(time.Time{}, func(data []byte, offset uint64, fin bool, typ TransmissionType) int {
		offered = append(offered, data...)
		return len(data)
	})
	if string(offered) != "012345" {
		t.Fatalf("offered %q, want the 6 bytes of stream credit", offered)
	}
	if !hasMore {
		t.Fatalf("stream should still have data blocked on flow control")
	}

	// With the window exhausted, the next opportunity reports
	// STREAM_DATA_BLOCKED instead of sending.
	s.OnCanWrite(time.Time{}, func(data []byte, offset uint64, fin bool, typ TransmissionType) int {
		t.Fatalf("unexpected write of %d bytes with no credit", len(data))
		return 0
	})
	if len(host.streamDataBlocked) == 0 {
		t.Fatalf("expected a STREAM_DATA_BLOCKED report")
	}

	// MAX_STREAM_DATA releases the rest.
	s.OnMaxStreamData(10)
	offered = nil
	s.OnCanWrite(time.Time{}, func(data []byte, offset uint64, fin bool, typ TransmissionType) int {
		offered = append(offered, data...)
		return len(data)
	})
	if string(offered) != "6789" {
		t.Fatalf("offered %q after MAX_STREAM_DATA, want %q", offered, "6789")
	}
}

func TestStreamWriteToReadUnidirectionalIsFatal(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ClientSide)
	// A server-initiated uni stream is read-only from the client's
	// side.
	s := NewStream(makeStreamID(ServerSide, UniStream, 0), ClientSide, cfg, host, 1000, 1000)
	s.WriteOrBufferData([]byte("x"), false)
	if host.closedErr == nil || host.closedErr.Code != ErrInvalidStreamID {
		t.Fatalf("expected a connection-fatal ErrInvalidStreamID, got %v", host.closedErr)
	}
}

func TestStreamWriteMemSlicesTakesOwnership(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ClientSide)
	s := NewStream(4, ClientSide, cfg, host, 1000, 1000)

	n, finConsumed := s.WriteMemSlices([][]byte{[]byte("abc"), []byte("def")}, true)
	if n != 6 || !finConsumed {
		t.Fatalf("WriteMemSlices = (%d, %v), want (6, true)", n, finConsumed)
	}
	var got []byte
	s.OnCanWrite(time.Time{}, func(data []byte, offset uint64, fin bool, typ TransmissionType) int {
		got = append(got, data...)
		return len(data)
	})
	if string(got) != "abcdef" {
		t.Fatalf("sent %q, want %q", got, "abcdef")
	}
}
