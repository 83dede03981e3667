// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"testing"
	"time"
)

// ackSetEqual reports whether frames f1 and f2, once flattened, name
// exactly the same set of packet numbers.
func ackSetEqual(f1, f2 AckFrame) bool {
	s1, s2 := f1.AckedPacketNumbers(), f2.AckedPacketNumbers()
	if len(s1) != len(s2) {
		return false
	}
	for pn := range s1 {
		if !s2[pn] {
			return false
		}
	}
	return true
}

func TestAckFrameRoundTripAnyRangeOrder(t *testing.T) {
	orderings := [][]AckRange{
		{{90, 100}, {50, 60}, {10, 20}},
		{{10, 20}, {50, 60}, {90, 100}},
		{{50, 60}, {90, 100}, {10, 20}},
	}
	for _, ranges := range orderings {
		in := AckFrame{Ranges: ranges, AckDelay: 25 * time.Millisecond}
		wire := in.Append(nil, 3)
		out, rest, err := ParseAckFrame(wire[1:], 3)
		if err != nil {
			t.Fatalf("ParseAckFrame(%v) failed: %v", ranges, err)
		}
		if len(rest) != 0 {
			t.Fatalf("ParseAckFrame(%v) left %d trailing bytes", ranges, len(rest))
		}
		if !ackSetEqual(in, out) {
			t.Fatalf("round trip of %v produced a different acked set: got %v", ranges, out.Ranges)
		}
	}
}

func TestStreamFrameRoundTripExplicitLength(t *testing.T) {
	in := StreamFrame{ID: 4, Offset: 10, Data: []byte("hello"), Fin: true}
	typByte := byte(frameTypeStream) | 0x04 | 0x02 | 0x01
	wire := in.Append(nil, true)
	if wire[0] != typByte {
		t.Fatalf("type byte = %#x, want %#x", wire[0], typByte)
	}
	out, rest, err := ParseStreamFrame(wire[0], wire[1:])
	if err != nil {
		t.Fatalf("ParseStreamFrame failed: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("%d trailing bytes after parse", len(rest))
	}
	if out.ID != in.ID || out.Offset != in.Offset || string(out.Data) != string(in.Data) || out.Fin != in.Fin {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestResetStreamFrameRoundTrip(t *testing.T) {
	in := ResetStreamFrame{ID: 8, Code: ErrStreamCancelled, FinalSize: 4096}
	wire := in.Append(nil)
	out, _, err := ParseResetStreamFrame(wire[1:])
	if err != nil {
		t.Fatalf("ParseResetStreamFrame failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestMaxStreamsFrameRoundTrip(t *testing.T) {
	in := MaxStreamsFrame{Type: UniStream, Count: 77}
	wire := in.Append(nil)
	out, _, err := ParseMaxStreamsFrame(wire[0], wire[1:])
	if err != nil {
		t.Fatalf("ParseMaxStreamsFrame failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestDataBlockedFrameRoundTrip(t *testing.T) {
	b := DataBlockedFrame{DataLimit: 70000}.Append(nil)
	got, rest, err := ParseDataBlockedFrame(b[1:])
	if err != nil || len(rest) != 0 || got.DataLimit != 70000 {
		t.Fatalf("round trip = %+v, %v, %v", got, rest, err)
	}
}

func TestStreamDataBlockedFrameRoundTrip(t *testing.T) {
	b := StreamDataBlockedFrame{ID: 8, StreamDataLimit: 512}.Append(nil)
	got, _, err := ParseStreamDataBlockedFrame(b[1:])
	if err != nil || got.ID != 8 || got.StreamDataLimit != 512 {
		t.Fatalf("round trip = %+v, %v", got, err)
	}
}

func TestGoAwayFrameRoundTrip(t *testing.T) {
	b := GoAwayFrame{LastStreamID: 96}.Append(nil)
	got, _, err := ParseGoAwayFrame(b[1:])
	if err != nil || got.LastStreamID != 96 {
		t.Fatalf("round trip = %+v, %v", got, err)
	}
}

func TestMessageFrameRoundTrip(t *testing.T) {
	b := MessageFrame{Data: []byte("ping")}.Append(nil)
	got, rest, err := ParseMessageFrame(b[1:])
	if err != nil || len(rest) != 0 || string(got.Data) != "ping" {
		t.Fatalf("round trip = %q, %v, %v", got.Data, rest, err)
	}
}
