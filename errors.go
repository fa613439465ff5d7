package tchannel

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that do not carry extra data.
var (
	// ErrFrameTooLarge is returned when encoding a frame would exceed
	// the 16-bit size limit.
	ErrFrameTooLarge = errors.New("tchannel: frame exceeds maximum size")

	// ErrInvalidMessage covers handshake and framing violations: a
	// missing required header, a wrong handshake message type, or a
	// continuation frame with no open reassembly state.
	ErrInvalidMessage = errors.New("tchannel: invalid message")

	// ErrConnectionClosed is returned by operations attempted on (or
	// torn down by) a closed Connection.
	ErrConnectionClosed = errors.New("tchannel: connection closed")

	// ErrNotHandshaked is returned by Send, SendRequest and Ping when
	// called before the handshake has completed.
	ErrNotHandshaked = errors.New("tchannel: connection has not completed handshake")

	// ErrDuplicateID is a programming error: send() assigned or was
	// given an id already present in the outstanding table.
	ErrDuplicateID = errors.New("tchannel: duplicate outstanding message id")

	// ErrWrongMessageType is a programming error: send() was given a
	// message that is not CALL_REQ or CALL_REQ_CONTINUE.
	ErrWrongMessageType = errors.New("tchannel: send requires a call request message")

	// ErrNoReassemblyState is the specific invalid-message condition
	// of a continuation frame arriving for an id with no open call.
	ErrNoReassemblyState = fmt.Errorf("%w: continuation frame with no open reassembly state", ErrInvalidMessage)

	// ErrCloseCallbackSet is a programming error: SetCloseCallback was
	// called twice on the same Connection.
	ErrCloseCallbackSet = errors.New("tchannel: close callback already set")

	// ErrChecksumMismatch is returned by the default codec when a
	// decoded call frame's checksum does not match its payload.
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrInvalidMessage)
)

// TimeoutError is returned when a per-call ttl elapses before a response
// arrives. It implements the net.Error-style Timeout() contract used
// throughout the pack (see smux.timeoutError) so callers that type-switch
// on net.Error keep working.
type TimeoutError struct {
	ID uint32
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tchannel: timed out waiting for response to message %d", e.ID)
}

func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return true }

// NetworkError wraps a failure of the underlying stream. It is delivered
// to every outstanding slot and to any blocked Await when a Connection
// tears down.
type NetworkError struct {
	Err error
	Msg string
}

func (e *NetworkError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("tchannel: network error: %v", e.Err)
	}
	return fmt.Sprintf("tchannel: %s: %v", e.Msg, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func newNetworkError(msg string, err error) *NetworkError {
	return &NetworkError{Msg: msg, Err: err}
}

// ProtocolError is the typed error carried by a wire ERROR frame from the
// peer (spec.md §7: "Protocol error").
type ProtocolError struct {
	Code        uint8
	Description string
	ID          uint32
	Tracing     []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tchannel: protocol error %d from peer for message %d: %s", e.Code, e.ID, e.Description)
}
