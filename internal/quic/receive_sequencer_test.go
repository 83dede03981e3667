// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"bytes"
	"testing"
)

func TestReceiveSequencerInOrderDelivery(t *testing.T) {
	var q ReceiveSequencer
	q.Insert(0, []byte("hello "))
	q.Insert(6, []byte("world"))

	buf := make([]byte, 32)
	n := q.Read(buf)
	if string(buf[:n]) != "hello world" {
		t.Fatalf("Read = %q, want %q", buf[:n], "hello world")
	}
	if q.HasBuffered() {
		t.Fatalf("sequencer still has buffered data after a full read")
	}
}

func TestReceiveSequencerBuffersAcrossGap(t *testing.T) {
	var q ReceiveSequencer
	q.Insert(6, []byte("world"))
	if got := q.BytesReadable(); got != 0 {
		t.Fatalf("BytesReadable = %d before the gap filled, want 0", got)
	}
	buf := make([]byte, 32)
	if n := q.Read(buf); n != 0 {
		t.Fatalf("Read returned %d bytes across a gap, want 0", n)
	}

	q.Insert(0, []byte("hello "))
	if got := q.BytesReadable(); got != 11 {
		t.Fatalf("BytesReadable = %d after the gap filled, want 11", got)
	}
	n := q.Read(buf)
	if string(buf[:n]) != "hello world" {
		t.Fatalf("Read = %q, want %q", buf[:n], "hello world")
	}
}

func TestReceiveSequencerDropsOverlap(t *testing.T) {
	var q ReceiveSequencer
	q.Insert(0, []byte("abcd"))
	q.Insert(2, []byte("cdef")) // bytes 2-3 are duplicates

	buf := make([]byte, 8)
	n := q.Read(buf)
	if !bytes.Equal(buf[:n], []byte("abcdef")) {
		t.Fatalf("Read = %q, want %q", buf[:n], "abcdef")
	}
}

func TestReceiveSequencerPartialReads(t *testing.T) {
	var q ReceiveSequencer
	q.Insert(0, []byte("abcdef"))

	buf := make([]byte, 2)
	for _, want := range []string{"ab", "cd", "ef"} {
		n := q.Read(buf)
		if string(buf[:n]) != want {
			t.Fatalf("Read = %q, want %q", buf[:n], want)
		}
	}
	if q.ReadOffset() != 6 {
		t.Fatalf("ReadOffset = %d, want 6", q.ReadOffset())
	}
}

func TestReceiveSequencerDiscard(t *testing.T) {
	var q ReceiveSequencer
	q.Insert(0, []byte("abcd"))
	q.Discard()
	q.Insert(4, []byte("efgh"))

	buf := make([]byte, 8)
	if n := q.Read(buf); n != 0 {
		t.Fatalf("Read returned %d bytes from a discarded sequencer, want 0", n)
	}
}
