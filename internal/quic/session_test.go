// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"net"
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestStreamResetCreditsRemainingBytesToConnection(t *testing.T) {
	host := newFakeStreamHost()
	cfg := DefaultConfig(ServerSide)
	s := NewStream(4, ClientSide, cfg, host, 1000, 1000)

	if err := s.OnStreamFrame(0, make([]byte, 100), false); err != nil {
		t.Fatalf("OnStreamFrame(0,100) failed: %v", err)
	}
	buf := make([]byte, 40)
	if n, _ := s.Read(buf); n != 40 {
		t.Fatalf("Read consumed %d bytes, want 40", n)
	}
	if host.connConsumed != 40 {
		t.Fatalf("connConsumed after reading = %d, want 40", host.connConsumed)
	}
	if err := s.OnStreamReset(500, ErrStreamCancelled); err != nil {
		t.Fatalf("OnStreamReset failed: %v", err)
	}
	if host.connConsumed != 500 {
		t.Fatalf("connConsumed = %d, want 500 (40 read + 460 credited back on reset)", host.connConsumed)
	}
}

func TestSessionOpenAndAcceptStream(t *testing.T) {
	clientCfg := DefaultConfig(ClientSide)
	clientCfg.MaxIncomingBidiStreams = 5
	client := NewSession(clientCfg, NewRenoSender(), nil, nil)

	s, err := client.OpenStream(BidiStream, 3)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if s.ID() != 0 {
		t.Fatalf("first client-opened bidi stream id = %v, want 0", s.ID())
	}

	serverCfg := DefaultConfig(ServerSide)
	serverCfg.MaxIncomingBidiStreams = 5
	server := NewSession(serverCfg, NewRenoSender(), nil, nil)
	accepted, err := server.AcceptIncomingStream(s.ID(), 3)
	if err != nil {
		t.Fatalf("AcceptIncomingStream failed: %v", err)
	}
	if accepted.ID() != s.ID() {
		t.Fatalf("accepted stream id = %v, want %v", accepted.ID(), s.ID())
	}
	if diff := deep.Equal(accepted.ID(), s.ID()); diff != nil {
		t.Fatalf("accepted and opened stream ids diverged: %v", diff)
	}
}

func TestSessionGoAwayMonotonicity(t *testing.T) {
	cfg := DefaultConfig(ServerSide)
	sess := NewSession(cfg, NewRenoSender(), nil, nil)

	if err := sess.SendGoAway(100); err == nil {
		t.Fatalf("expected an error sending GOAWAY before handshake completion")
	}
	sess.SetHandshakeDone()
	if err := sess.SendGoAway(100); err != nil {
		t.Fatalf("SendGoAway after handshake completion failed: %v", err)
	}
	if err := sess.SendGoAway(200); err == nil {
		t.Fatalf("expected an error: a later GOAWAY must not raise the id")
	}
	if err := sess.SendGoAway(50); err != nil {
		t.Fatalf("a lower GOAWAY id should be allowed: %v", err)
	}
}

func TestSessionReceivedGoAwayMustNotIncrease(t *testing.T) {
	cfg := DefaultConfig(ClientSide)
	sess := NewSession(cfg, NewRenoSender(), nil, nil)

	if err := sess.OnGoAwayReceived(40); err != nil {
		t.Fatalf("first OnGoAwayReceived failed: %v", err)
	}
	if err := sess.OnGoAwayReceived(20); err != nil {
		t.Fatalf("a lower GOAWAY id from the peer should be accepted: %v", err)
	}
	if err := sess.OnGoAwayReceived(100); err == nil {
		t.Fatalf("expected a fatal error: peer's GOAWAY id increased")
	}
}

func TestSessionOnCanWriteDrainsPendingMaxStreams(t *testing.T) {
	cfg := DefaultConfig(ServerSide)
	cfg.MaxIncomingBidiStreams = 5
	sess := NewSession(cfg, NewRenoSender(), nil, nil)

	for _, id := range []StreamID{0, 4, 8, 12, 16} {
		if _, err := sess.AcceptIncomingStream(id, 3); err != nil {
			t.Fatalf("AcceptIncomingStream(%d) failed: %v", id, err)
		}
	}
	// Closing 3 of the 5 incoming streams crosses the credit window
	// and should queue a MAX_STREAMS frame.
	for i := 0; i < 3; i++ {
		sess.streamIDs.OnIncomingStreamClosed(BidiStream)
	}

	var wrote []RetransmittableFrames
	sent := sess.OnCanWrite(time.Time{}, func(pn PacketNumber, frames RetransmittableFrames, bytes ByteCount) bool {
		wrote = append(wrote, frames)
		return true
	})
	if sent == 0 {
		t.Fatalf("expected the pending MAX_STREAMS frame to be drained")
	}
}

// fakeAlarm/fakeAlarmFactory drive Session's alarms from test code
// without real timers.
type fakeAlarm struct {
	deadline time.Time
	set      bool
	fn       func(now time.Time)
}

func (a *fakeAlarm) Set(deadline time.Time) { a.deadline, a.set = deadline, true }
func (a *fakeAlarm) Cancel()                { a.set = false }
func (a *fakeAlarm) IsSet() bool            { return a.set }
func (a *fakeAlarm) fire(now time.Time) {
	a.set = false
	a.fn(now)
}

type fakeAlarmFactory struct{ alarms []*fakeAlarm }

func (f *fakeAlarmFactory) NewAlarm(fn func(now time.Time)) Alarm {
	a := &fakeAlarm{fn: fn}
	f.alarms = append(f.alarms, a)
	return a
}

func TestSessionHandleStreamFrameImplicitlyOpensPeerStream(t *testing.T) {
	cfg := DefaultConfig(ServerSide)
	sess := NewSession(cfg, NewRenoSender(), nil, nil)

	if err := sess.HandleStreamFrame(time.Time{}, StreamFrame{ID: 0, Data: []byte("hello")}); err != nil {
		t.Fatalf("HandleStreamFrame failed: %v", err)
	}
	s := sess.GetStream(0)
	if s == nil {
		t.Fatalf("expected stream 0 implicitly opened")
	}
	buf := make([]byte, 8)
	if n, _ := s.Read(buf); string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, want %q", buf[:n], "hello")
	}
}

func TestSessionStreamFrameForStaticStreamIsFatal(t *testing.T) {
	cfg := DefaultConfig(ServerSide)
	sess := NewSession(cfg, NewRenoSender(), nil, nil)
	static := sess.RegisterStaticStream(makeStreamID(ServerSide, UniStream, 0))

	if err := sess.HandleStreamFrame(time.Time{}, StreamFrame{ID: static.ID(), Data: []byte("x")}); err == nil {
		t.Fatalf("expected a fatal error for data on a static stream")
	}
	if sess.ClosedError() == nil || sess.ClosedError().Code != ErrInvalidStreamID {
		t.Fatalf("connection should be closed with ErrInvalidStreamID, got %v", sess.ClosedError())
	}
}

func TestSessionResetStreamForStaticStreamIsFatal(t *testing.T) {
	cfg := DefaultConfig(ServerSide)
	sess := NewSession(cfg, NewRenoSender(), nil, nil)
	static := sess.RegisterStaticStream(makeStreamID(ServerSide, UniStream, 0))

	err := sess.HandleResetStreamFrame(time.Time{}, ResetStreamFrame{ID: static.ID(), Code: ErrStreamCancelled})
	if err == nil || sess.ClosedError() == nil {
		t.Fatalf("expected RESET_STREAM on a static stream to close the connection")
	}
}

func TestSessionZombieStreamAbsorbsAcksThenCloses(t *testing.T) {
	cfg := DefaultConfig(ClientSide)
	sess := NewSession(cfg, NewRenoSender(), nil, nil)
	s, err := sess.OpenStream(BidiStream, 3)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	id := s.ID()

	s.WriteOrBufferData([]byte("data"), true)
	sess.OnCanWrite(time.Time{}, func(pn PacketNumber, frames RetransmittableFrames, bytes ByteCount) bool {
		return true
	})
	// Peer's read side is done too; with the write unacked the
	// stream is a zombie: gone from the user-visible table but
	// still reachable for ack delivery.
	if err := sess.HandleStreamFrame(time.Time{}, StreamFrame{ID: id, Fin: true}); err != nil {
		t.Fatalf("HandleStreamFrame(fin) failed: %v", err)
	}
	s.Read(nil)
	sess.reapStream(s)
	if !s.IsZombie() {
		t.Fatalf("stream should be a zombie: both sides closed, bytes unacked")
	}
	if sess.GetStream(id) != nil {
		t.Fatalf("a zombie must not be user-visible")
	}

	sess.OnStreamFrameAcked(id, 0, 4, true, 0)
	if sess.lookupStream(id) != nil {
		t.Fatalf("stream should be fully closed and reaped after the final ack")
	}
	if len(sess.closedStreams) != 1 {
		t.Fatalf("closed stream should be on the closed list, got %d entries", len(sess.closedStreams))
	}
	sess.CleanupClosedStreams()
	if len(sess.closedStreams) != 0 {
		t.Fatalf("cleanup should drop the closed list")
	}
}

func TestSessionSendMessage(t *testing.T) {
	cfg := DefaultConfig(ClientSide)
	sess := NewSession(cfg, NewRenoSender(), nil, nil)

	if r := sess.SendMessage([]byte("early")); r.Status != MessageNotEstablished {
		t.Fatalf("SendMessage before handshake = %v, want MessageNotEstablished", r.Status)
	}
	sess.SetHandshakeDone()
	if r := sess.SendMessage(make([]byte, cfg.MaxUDPPayloadSize+1)); r.Status != MessageTooLarge {
		t.Fatalf("oversized SendMessage = %v, want MessageTooLarge", r.Status)
	}
	r := sess.SendMessage([]byte("ping"))
	if r.Status != MessageSent || r.ID == 0 {
		t.Fatalf("SendMessage = %+v, want MessageSent with a nonzero id", r)
	}
	sent := sess.OnCanWrite(time.Time{}, func(pn PacketNumber, frames RetransmittableFrames, bytes ByteCount) bool {
		return true
	})
	if sent == 0 {
		t.Fatalf("expected the queued message to be flushed")
	}
}

func TestSessionOpenStreamExhaustionQueuesStreamsBlocked(t *testing.T) {
	cfg := DefaultConfig(ClientSide)
	cfg.MaxOutgoingBidiStreams = 1
	sess := NewSession(cfg, NewRenoSender(), nil, nil)

	if _, err := sess.OpenStream(BidiStream, 3); err != nil {
		t.Fatalf("first OpenStream failed: %v", err)
	}
	if _, err := sess.OpenStream(BidiStream, 3); err == nil {
		t.Fatalf("expected ErrStreamIDBlocked once the credit is spent")
	}
	found := false
	for _, f := range sess.pending {
		if f.streamsBlocked != nil && f.streamsBlocked.Count == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a STREAMS_BLOCKED frame carrying the current max")
	}
}

func TestSessionHandshakeFailureClosesConnection(t *testing.T) {
	cfg := DefaultConfig(ClientSide)
	cfg.MaxHandshakeRetransmissions = 2
	af := &fakeAlarmFactory{}
	cfg.AlarmFactory = af
	sess := NewSession(cfg, NewRenoSender(), nil, nil)

	start := time.Now()
	frames := RetransmittableFrames{Streams: []StreamFrameRef{{StreamID: 2, Length: 10}}}
	sess.spm.OnPacketSent(InitialSpace, start, frames, 10, NotRetransmission, true, noPacketNumber)

	for i := 0; i < 3; i++ {
		if err := sess.spm.OnRetransmissionTimeout(start.Add(time.Duration(i+1) * time.Second)); err != nil {
			sess.CloseConnection(err)
		}
	}
	if sess.ClosedError() == nil || sess.ClosedError().Code != ErrHandshakeFailed {
		t.Fatalf("expected QUIC_HANDSHAKE_FAILED, got %v", sess.ClosedError())
	}
}

func TestSentPacketManagerConnectionMigration(t *testing.T) {
	cfg := DefaultConfig(ClientSide)
	rtt := NewRTTStats(0, 0)
	rtt.UpdateRTT(80*time.Millisecond, 0)
	m := NewSentPacketManager(cfg, rtt, NewRenoSender(), nil, nil)
	m.consecutiveRTOCount = 3
	m.consecutiveTLPCount = 1

	// Port-only rebinding: counters reset, estimates survive.
	m.OnConnectionMigration(true)
	if m.consecutiveRTOCount != 0 || m.consecutiveTLPCount != 0 {
		t.Fatalf("migration must reset the consecutive timeout counters")
	}
	if !rtt.HasSample() || rtt.SmoothedRTT() != 80*time.Millisecond {
		t.Fatalf("port-only migration must preserve the RTT estimate, got %v", rtt.SmoothedRTT())
	}

	// A real path change drops them.
	m.OnConnectionMigration(false)
	if rtt.HasSample() {
		t.Fatalf("a full migration must reset RTT state")
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	cfg := DefaultConfig(ClientSide)
	cfg.IdleTimeout = time.Second
	af := &fakeAlarmFactory{}
	cfg.AlarmFactory = af
	sess := NewSession(cfg, NewRenoSender(), nil, nil)

	start := time.Now()
	sess.HandleMaxDataFrame(start, MaxDataFrame{MaximumData: 1 << 21})
	idle := af.alarms[1]
	if !idle.IsSet() {
		t.Fatalf("peer activity should arm the idle alarm")
	}
	idle.fire(start.Add(2 * time.Second))
	if sess.ClosedError() == nil {
		t.Fatalf("expected the idle alarm to close the connection")
	}
}

type fakePacketWriter struct {
	packets [][]byte
	blocked bool
}

func (w *fakePacketWriter) WritePacket(b []byte, peer, local net.Addr) (int, bool) {
	if w.blocked {
		return 0, true
	}
	w.packets = append(w.packets, append([]byte(nil), b...))
	return len(b), false
}

func (w *fakePacketWriter) IsWriteBlocked() bool { return w.blocked }

func TestSessionWritePacketsSerializesStreamData(t *testing.T) {
	cfg := DefaultConfig(ClientSide)
	sess := NewSession(cfg, NewRenoSender(), nil, nil)
	s, err := sess.OpenStream(BidiStream, 3)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	s.WriteOrBufferData([]byte("payload"), true)

	w := &fakePacketWriter{}
	if n := sess.WritePackets(time.Time{}, w, nil, nil); n != 1 {
		t.Fatalf("WritePackets wrote %d datagrams, want 1", n)
	}
	f, _, err := ParseStreamFrame(w.packets[0][0], w.packets[0][1:])
	if err != nil {
		t.Fatalf("parsing the written frame failed: %v", err)
	}
	if string(f.Data) != "payload" || !f.Fin {
		t.Fatalf("wire frame = %q fin=%v, want %q fin=true", f.Data, f.Fin, "payload")
	}

	w.blocked = true
	if n := sess.WritePackets(time.Time{}, w, nil, nil); n != 0 {
		t.Fatalf("a blocked writer must stop the send loop, wrote %d", n)
	}
}
