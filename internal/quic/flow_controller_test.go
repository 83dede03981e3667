// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "testing"

func TestFlowControllerSendWindow(t *testing.T) {
	f := NewFlowController(100, 100)
	if f.SendWindowSize() != 100 {
		t.Fatalf("SendWindowSize() = %d, want 100", f.SendWindowSize())
	}
	f.AddBytesSent(60)
	if f.SendWindowSize() != 40 {
		t.Fatalf("SendWindowSize() = %d, want 40", f.SendWindowSize())
	}
	if f.IsBlocked() {
		t.Fatalf("IsBlocked() = true with 40 bytes of credit left")
	}
	f.AddBytesSent(40)
	if !f.IsBlocked() {
		t.Fatalf("IsBlocked() = false with no credit left")
	}
}

func TestFlowControllerUpdateSendWindowIgnoresDecrease(t *testing.T) {
	f := NewFlowController(100, 100)
	f.UpdateSendWindow(50) // reordered/duplicate MAX_DATA, must be ignored
	if f.SendWindowSize() != 100 {
		t.Fatalf("SendWindowSize() after lower MAX_DATA = %d, want 100", f.SendWindowSize())
	}
	f.UpdateSendWindow(200)
	if f.SendWindowSize() != 200 {
		t.Fatalf("SendWindowSize() after raising MAX_DATA = %d, want 200", f.SendWindowSize())
	}
}

func TestFlowControllerAddBytesSentBeyondWindowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic sending beyond the granted window")
		}
	}()
	f := NewFlowController(10, 10)
	f.AddBytesSent(20)
}

func TestFlowControllerWindowUpdateAtHalfConsumption(t *testing.T) {
	f := NewFlowController(0, 100)
	f.AddBytesConsumed(40)
	if _, ok := f.MaybeUpdateWindow(); ok {
		t.Fatalf("MaybeUpdateWindow() should not fire before half the window is consumed")
	}
	f.AddBytesConsumed(20) // 60 consumed, > half of 100
	limit, ok := f.MaybeUpdateWindow()
	if !ok {
		t.Fatalf("MaybeUpdateWindow() should fire once over half the window is consumed")
	}
	if want := uint64(60 + 100); limit != want {
		t.Fatalf("new limit = %d, want %d", limit, want)
	}
	if f.WouldViolate(limit + 1) != true {
		t.Fatalf("WouldViolate(limit+1) = false, want true")
	}
	if f.WouldViolate(limit) != false {
		t.Fatalf("WouldViolate(limit) = true, want false")
	}
}
