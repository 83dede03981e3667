// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"net"
	"time"
)

// A PacketWriter hands assembled datagrams to the I/O layer. The
// event loop and UDP socket handling live outside the core; the core
// only needs to know whether a write went out or the writer is
// currently blocked.
type PacketWriter interface {
	// WritePacket attempts to send b to peer from local. It returns
	// the bytes written, or blocked=true if the writer cannot accept
	// the datagram right now (the core stops sending until the
	// caller's next OnCanWrite).
	WritePacket(b []byte, peer, local net.Addr) (n int, blocked bool)
	IsWriteBlocked() bool
}

// WritePackets drives one OnCanWrite pass through w, serializing
// each stream frame onto the wire and stopping as soon as the writer
// blocks. It returns the number of datagrams written.
func (sess *Session) WritePackets(now time.Time, w PacketWriter, peer, local net.Addr) int {
	if w.IsWriteBlocked() {
		return 0
	}
	return sess.OnCanWrite(now, func(pn PacketNumber, frames RetransmittableFrames, bytes ByteCount) bool {
		var b []byte
		for _, sf := range frames.Streams {
			// TransmissionInfo keeps frame refs, not payload; the
			// bytes are re-read from the owning stream's send buffer
			// by offset.
			data := make([]byte, sf.Length)
			if s := sess.lookupStream(sf.StreamID); s != nil && sf.Length > 0 {
				data = data[:s.send.ReadAt(data, sf.Offset)]
			}
			b = StreamFrame{ID: sf.StreamID, Offset: sf.Offset, Data: data, Fin: sf.Fin}.Append(b, true)
		}
		if len(b) == 0 {
			b = make([]byte, bytes)
		}
		_, blocked := w.WritePacket(b, peer, local)
		return !blocked
	})
}
