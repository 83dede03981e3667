// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "fmt"

// ErrorCode is a QUIC transport error code, as surfaced by the
// core to callers and encoded on the wire in CONNECTION_CLOSE and
// RESET_STREAM frames.
type ErrorCode uint64

// Error codes understood by the core.
const (
	ErrNoError ErrorCode = iota
	ErrFlowControlReceivedTooMuchData
	ErrStreamLengthOverflow
	ErrInvalidStreamID
	ErrStreamIDBlocked
	ErrMaxStreamIDError
	ErrTooManyAvailableStreams
	ErrTooManyOpenStreams
	ErrStreamTTLExpired
	ErrStreamCancelled
	ErrHeadersTooLarge
	ErrRstAcknowledgement
	ErrHandshakeFailed
	ErrInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNoError:
		return "NO_ERROR"
	case ErrFlowControlReceivedTooMuchData:
		return "QUIC_FLOW_CONTROL_RECEIVED_TOO_MUCH_DATA"
	case ErrStreamLengthOverflow:
		return "QUIC_STREAM_LENGTH_OVERFLOW"
	case ErrInvalidStreamID:
		return "QUIC_INVALID_STREAM_ID"
	case ErrStreamIDBlocked:
		return "QUIC_STREAM_ID_BLOCKED_ERROR"
	case ErrMaxStreamIDError:
		return "QUIC_MAX_STREAM_ID_ERROR"
	case ErrTooManyAvailableStreams:
		return "QUIC_TOO_MANY_AVAILABLE_STREAMS"
	case ErrTooManyOpenStreams:
		return "QUIC_TOO_MANY_OPEN_STREAMS"
	case ErrStreamTTLExpired:
		return "QUIC_STREAM_TTL_EXPIRED"
	case ErrStreamCancelled:
		return "QUIC_STREAM_CANCELLED"
	case ErrHeadersTooLarge:
		return "QUIC_HEADERS_TOO_LARGE"
	case ErrRstAcknowledgement:
		return "QUIC_RST_ACKNOWLEDGEMENT"
	case ErrHandshakeFailed:
		return "QUIC_HANDSHAKE_FAILED"
	default:
		return fmt.Sprintf("QUIC_INTERNAL_ERROR(%d)", uint64(c))
	}
}

// A CoreError is a transport-level error, either local to a single
// stream or fatal to the whole connection.
//
// Once a connection-fatal CoreError has been raised, every further
// core operation on that connection is a no-op.
type CoreError struct {
	Code  ErrorCode
	Fatal bool
	Msg   string
}

func (e *CoreError) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// IsConnectionFatal reports whether e must close the connection,
// as opposed to resetting a single stream.
func (e *CoreError) IsConnectionFatal() bool { return e.Fatal }

// NewStreamError returns a stream-local CoreError: reset the
// offending stream, leave the rest of the connection alone.
func NewStreamError(code ErrorCode, msg string) *CoreError {
	return &CoreError{Code: code, Fatal: false, Msg: msg}
}

// NewConnectionError returns a connection-fatal CoreError.
func NewConnectionError(code ErrorCode, msg string) *CoreError {
	return &CoreError{Code: code, Fatal: true, Msg: msg}
}
