// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"time"

	events "github.com/docker/go-events"
)

// LifecycleEvent is published to a Config.EventSink whenever the
// core observes something an external qlog-style observer would
// want to know about: a packet's fate, or a stream transitioning
// between states.
//
// This is purely an observability hook; nothing in the core reads
// events back out. x/net's quic package has no event bus of its own,
// so this is grounded instead on distribution-distribution's
// notifications bridge, which publishes registry events through an
// events.Sink.
type LifecycleEvent struct {
	Time   time.Time
	Kind   string
	Space  NumberSpace
	Packet PacketNumber
	Stream StreamID
	Bytes  ByteCount
	Err    *CoreError
}

// eventPublisher wraps an optional events.Sink, making it safe to
// call Publish on a nil sink (no observer configured).
type eventPublisher struct {
	sink events.Sink
}

func (p eventPublisher) publish(ev LifecycleEvent) {
	if p.sink == nil {
		return
	}
	// Write errors from a best-effort observability sink are not
	// actionable by the transport itself; Session.Config.Logger is
	// the place to report them if the caller wants visibility.
	_ = p.sink.Write(ev)
}
