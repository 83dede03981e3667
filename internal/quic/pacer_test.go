// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"testing"
	"time"
)

func TestPacerDelaysBurst(t *testing.T) {
	now := time.Unix(0, 0)
	p := NewPacer(1000, 1000) // raised to 16 KiB/sec and a 1252-byte burst
	if got := p.TimeUntilSend(now, 500); !got.Equal(now) {
		t.Errorf("first send delayed: got %v, want %v", got, now)
	}
	p.OnPacketSent(now, 1000) // drain the whole burst
	next := p.TimeUntilSend(now, 500)
	if !next.After(now) {
		t.Errorf("TimeUntilSend after exhausting burst = %v, want after %v", next, now)
	}
}

func TestPacerSetRate(t *testing.T) {
	now := time.Unix(0, 0)
	p := NewPacer(1000, 100)
	p.OnPacketSent(now, 100)
	slow := p.TimeUntilSend(now, 100)
	p.SetRate(1_000_000)
	fast := p.TimeUntilSend(now, 100)
	if fast.After(slow) {
		t.Errorf("raising the rate should not increase the delay: slow=%v fast=%v", slow, fast)
	}
}
