// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

// FlowController tracks one flow-control window, either for a
// single stream or for the connection as a whole. The send
// side tracks how much credit the peer has granted; the receive
// side tracks how much we've granted and issues MAX_DATA /
// MAX_STREAM_DATA updates once half the window has been consumed,
// following the same "send more credit at the halfway point"
// heuristic quic-go's flowcontrol package uses.
type FlowController struct {
	// Send side: bytes we may send without blocking.
	sendWindow uint64 // peer-granted limit, absolute offset
	sent       uint64 // absolute bytes sent so far

	// Receive side.
	receiveWindow      uint64 // absolute limit we've advertised
	maxReceiveWindow   uint64 // window size granted at each update
	consumed           uint64 // absolute bytes delivered to the application
	lastWindowUpdateAt uint64 // consumed value as of the last update we issued
}

// NewFlowController returns a FlowController initialized with the
// given initial send credit (from the peer's transport parameter or
// MAX_STREAM_DATA/MAX_DATA) and our own initial receive window
// (from the same source, mirrored).
func NewFlowController(initialSendWindow, initialReceiveWindow uint64) *FlowController {
	return &FlowController{
		sendWindow:       initialSendWindow,
		receiveWindow:    initialReceiveWindow,
		maxReceiveWindow: initialReceiveWindow,
	}
}

// SendWindowSize returns how many more bytes may be sent before
// blocking on flow control.
func (f *FlowController) SendWindowSize() uint64 {
	if f.sent >= f.sendWindow {
		return 0
	}
	return f.sendWindow - f.sent
}

// IsBlocked reports whether the send side has no credit left; a
// true result means a STREAM_DATA_BLOCKED / DATA_BLOCKED frame
// should be queued.
func (f *FlowController) IsBlocked() bool { return f.SendWindowSize() == 0 }

// AddBytesSent records n more bytes sent, consuming send credit. It
// panics if this would send beyond the granted window: callers must
// check SendWindowSize first.
func (f *FlowController) AddBytesSent(n uint64) {
	if f.sent+n > f.sendWindow {
		panic("BUG: sent beyond flow control window")
	}
	f.sent += n
}

// UpdateSendWindow raises the send-side limit in response to a
// MAX_DATA or MAX_STREAM_DATA frame. Per RFC 9000 Section 4.1,
// frames that would lower the limit (reordered or duplicated) are
// ignored.
func (f *FlowController) UpdateSendWindow(newLimit uint64) {
	if newLimit > f.sendWindow {
		f.sendWindow = newLimit
	}
}

// AddBytesConsumed records n more bytes delivered to the
// application on the receive side.
func (f *FlowController) AddBytesConsumed(n uint64) {
	f.consumed += n
}

// MaybeUpdateWindow reports whether enough of the receive window
// has been consumed (at least half, the same threshold quic-go
// uses) to justify sending a new MAX_DATA/MAX_STREAM_DATA frame,
// and if so returns the new absolute limit to advertise.
func (f *FlowController) MaybeUpdateWindow() (newLimit uint64, ok bool) {
	consumedSinceUpdate := f.consumed - f.lastWindowUpdateAt
	if consumedSinceUpdate < f.maxReceiveWindow/2 {
		return 0, false
	}
	f.receiveWindow = f.consumed + f.maxReceiveWindow
	f.lastWindowUpdateAt = f.consumed
	return f.receiveWindow, true
}

// ReceiveWindow returns the absolute limit we've advertised to the
// peer on the receive side.
func (f *FlowController) ReceiveWindow() uint64 { return f.receiveWindow }

// WouldViolate reports whether the peer sending up to absolute
// offset end would exceed our advertised receive window, the trigger
// for ErrFlowControlReceivedTooMuchData.
func (f *FlowController) WouldViolate(end uint64) bool { return end > f.receiveWindow }
