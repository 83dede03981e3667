// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

// streamIDCategory indexes the four independent credit pools a
// StreamIdManager tracks: {incoming, outgoing} x {bidi, uni}.
type streamIDCategory int

const (
	categoryIncomingBidi streamIDCategory = iota
	categoryIncomingUni
	categoryOutgoingBidi
	categoryOutgoingUni
	numStreamIDCategories
)

func categoryFor(direction bool /* true=incoming */, typ StreamType) streamIDCategory {
	switch {
	case direction && typ == BidiStream:
		return categoryIncomingBidi
	case direction && typ == UniStream:
		return categoryIncomingUni
	case !direction && typ == BidiStream:
		return categoryOutgoingBidi
	default:
		return categoryOutgoingUni
	}
}

// categoryState is the per-category credit ledger for one of the
// four (incoming/outgoing x bidi/uni) stream-ID categories.
type categoryState struct {
	initiator Side
	typ       StreamType

	maxAllowedCount        uint64
	actualMaxAllowedID     StreamID
	advertisedMaxAllowedID StreamID
	window                 uint64 // max(1, maxAllowedCount/2)

	nextOutgoingID StreamID

	// available holds peer-initiated ids below the highest-seen id
	// of this category that have not yet been opened.
	available map[StreamID]bool

	highestSeen    StreamID
	haveHighestSeen bool
}

func newCategoryState(initiator Side, typ StreamType, maxCount uint64) *categoryState {
	window := maxCount / 2
	if window < 1 {
		window = 1
	}
	first := firstStreamID(initiator, typ)
	cs := &categoryState{
		initiator:      initiator,
		typ:            typ,
		maxAllowedCount: maxCount,
		window:         window,
		nextOutgoingID: first,
		available:      make(map[StreamID]bool),
	}
	if maxCount > 0 {
		cs.actualMaxAllowedID = first + StreamID((maxCount-1)*streamIDIncrement)
	} else {
		cs.actualMaxAllowedID = first - streamIDIncrement // nothing allowed
	}
	cs.advertisedMaxAllowedID = cs.actualMaxAllowedID
	return cs
}

// StreamIdManager implements IETF-style per-category credit
// tracking, MAX_STREAMS/STREAMS_BLOCKED frame handling, and
// available-id bookkeeping.
type StreamIdManager struct {
	local     Side
	cats      [numStreamIDCategories]*categoryState
	onMaxStreams func(typ StreamType, actualMax StreamID)
}

// NewStreamIdManager constructs a StreamIdManager for local,
// seeded with the locally-imposed incoming limits (our own
// initial_max_streams_bidi/uni, sent to the peer as transport
// parameters) and the peer-imposed outgoing limits.
func NewStreamIdManager(local Side, maxIncomingBidi, maxIncomingUni, maxOutgoingBidi, maxOutgoingUni uint64, onMaxStreams func(StreamType, StreamID)) *StreamIdManager {
	m := &StreamIdManager{local: local, onMaxStreams: onMaxStreams}
	// Incoming streams are initiated by the peer, so "initiator" for
	// id-layout purposes is the opposite side from local.
	peer := ServerSide
	if local == ServerSide {
		peer = ClientSide
	}
	m.cats[categoryIncomingBidi] = newCategoryState(peer, BidiStream, maxIncomingBidi)
	m.cats[categoryIncomingUni] = newCategoryState(peer, UniStream, maxIncomingUni)
	m.cats[categoryOutgoingBidi] = newCategoryState(local, BidiStream, maxOutgoingBidi)
	m.cats[categoryOutgoingUni] = newCategoryState(local, UniStream, maxOutgoingUni)
	return m
}

func (m *StreamIdManager) cat(c streamIDCategory) *categoryState { return m.cats[c] }

// GetNextOutgoingStreamId allocates the next locally-initiated
// stream id of typ. If none remain, it returns an error carrying
// the current actual max so the caller can send STREAMS_BLOCKED —
// a recoverable signalling state, not a fatal error.
func (m *StreamIdManager) GetNextOutgoingStreamId(typ StreamType) (StreamID, error) {
	c := m.cat(categoryFor(false, typ))
	if c.nextOutgoingID > c.actualMaxAllowedID {
		return 0, NewStreamError(ErrStreamIDBlocked, "no outgoing stream ids available")
	}
	id := c.nextOutgoingID
	c.nextOutgoingID += streamIDIncrement
	return id, nil
}

// CurrentMaxOutgoing returns the count of the given category's
// current actual-max, the value to carry in an outgoing
// STREAMS_BLOCKED frame.
func (m *StreamIdManager) CurrentMaxOutgoing(typ StreamType) uint64 {
	c := m.cat(categoryFor(false, typ))
	return uint64(c.actualMaxAllowedID.num()) + 1
}

// OnMaxStreamsFrame processes an incoming MAX_STREAMS(typ, count)
// frame: if count is not greater than the current limit it is
// ignored; otherwise the outgoing limit is raised.
func (m *StreamIdManager) OnMaxStreamsFrame(typ StreamType, count uint64) {
	c := m.cat(categoryFor(false, typ))
	if count <= uint64(c.actualMaxAllowedID.num())+1 {
		return
	}
	c.actualMaxAllowedID = firstStreamID(c.initiator, c.typ) + StreamID((count-1)*streamIDIncrement)
}

// AcceptIncomingStreamId validates a peer-initiated id against the
// relevant incoming category, adding every lower same-category id
// between the previous high-water mark and id to the available set.
func (m *StreamIdManager) AcceptIncomingStreamId(id StreamID) error {
	c := m.cat(categoryFor(true, id.streamType()))
	if id > c.actualMaxAllowedID {
		return NewConnectionError(ErrInvalidStreamID, "stream id exceeds actual_max_allowed_id")
	}
	if c.available[id] {
		delete(c.available, id)
		return nil
	}
	if c.haveHighestSeen && id <= c.highestSeen {
		return nil // re-use of an already-opened or already-available id
	}
	start := firstStreamID(c.initiator, c.typ)
	if c.haveHighestSeen {
		start = c.highestSeen + streamIDIncrement
	}
	for n := start; n < id; n += streamIDIncrement {
		c.available[n] = true
	}
	c.highestSeen = id
	c.haveHighestSeen = true
	return nil
}

// IsOutgoingCreated reports whether id has already been allocated by
// GetNextOutgoingStreamId; a frame referencing a local id that was
// never allocated is a peer protocol violation.
func (m *StreamIdManager) IsOutgoingCreated(id StreamID) bool {
	c := m.cat(categoryFor(false, id.streamType()))
	return id < c.nextOutgoingID
}

// WasIncomingOpened reports whether a peer-initiated id was already
// opened (as opposed to never-seen or still merely available): such
// an id resolving to no live stream means the stream is closed.
func (m *StreamIdManager) WasIncomingOpened(id StreamID) bool {
	c := m.cat(categoryFor(true, id.streamType()))
	return c.haveHighestSeen && id <= c.highestSeen && !c.available[id]
}

// IsAvailable reports whether id has been observed (via a higher
// peer-initiated id) but not yet opened.
func (m *StreamIdManager) IsAvailable(id StreamID) bool {
	c := m.cat(categoryFor(true, id.streamType()))
	return c.available[id]
}

// OnIncomingStreamClosed implements delayed credit advertisement:
// closing an incoming stream always grants one more id of credit;
// once the un-advertised backlog exceeds the category's window,
// advertisedMaxAllowedID catches up and a MAX_STREAMS frame is
// reported.
func (m *StreamIdManager) OnIncomingStreamClosed(typ StreamType) {
	c := m.cat(categoryFor(true, typ))
	c.actualMaxAllowedID += streamIDIncrement
	backlog := uint64(c.actualMaxAllowedID.num() - c.advertisedMaxAllowedID.num())
	if backlog <= c.window {
		return
	}
	c.advertisedMaxAllowedID = c.actualMaxAllowedID
	if m.onMaxStreams != nil {
		m.onMaxStreams(typ, c.actualMaxAllowedID)
	}
}

// RegisterStatic accounts for a static stream's id in the outgoing
// category's actual_max_allowed_id, keeping the application-visible
// budget intact.
func (m *StreamIdManager) RegisterStatic(typ StreamType) {
	c := m.cat(categoryFor(false, typ))
	c.actualMaxAllowedID += streamIDIncrement
}

// OnStreamsBlockedFrame processes an incoming STREAMS_BLOCKED(typ,
// count) frame against the matching incoming category.
func (m *StreamIdManager) OnStreamsBlockedFrame(typ StreamType, count uint64) error {
	c := m.cat(categoryFor(true, typ))
	advertised := uint64(c.advertisedMaxAllowedID.num()) + 1
	switch {
	case count == advertised:
		return nil
	case count < advertised:
		actual := uint64(c.actualMaxAllowedID.num()) + 1
		if actual > advertised {
			c.advertisedMaxAllowedID = c.actualMaxAllowedID
			if m.onMaxStreams != nil {
				m.onMaxStreams(typ, c.actualMaxAllowedID)
			}
		}
		return nil
	default:
		return NewConnectionError(ErrMaxStreamIDError, "STREAMS_BLOCKED count exceeds advertised max")
	}
}
