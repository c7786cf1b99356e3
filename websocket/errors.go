package websocket

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced directly (wrap targets for errors.Is).
var (
	// ErrCloseSent is not returned by any function in this package; a
	// write after a Close frame has been sent fails with
	// ErrWriteToClosedConnection.
	ErrCloseSent = errors.New("websocket: close sent")
	// ErrReadLimit is not returned by any function in this package; a
	// message over the read limit fails with *MessageTooLong.
	ErrReadLimit = errors.New("websocket: read limit exceeded")
	// ErrBadHandshake is returned by Dialer/Upgrader when the opening
	// handshake does not satisfy RFC 6455, section 4.
	ErrBadHandshake = errors.New("websocket: bad handshake")
	// ErrInvalidMessageType is returned when WriteMessage or
	// NewPreparedMessage is called with a message type other than
	// TextMessage/BinaryMessage, or WriteControl with a non-control type.
	ErrInvalidMessageType = errors.New("websocket: invalid message type")
	// ErrWriteToClosedConnection is returned by WriteMessage once a Close
	// frame has been sent or received on the connection.
	ErrWriteToClosedConnection = errors.New("websocket: write to closed connection")
	// ErrConnectionClosed indicates a clean close handshake completed per
	// RFC 6455, section 7.1.4. It is a termination indicator, not a fault.
	ErrConnectionClosed = errors.New("websocket: connection closed")
)

// ProtocolError represents an RFC 6455-level violation: non-zero reserved
// bits without a negotiated extension, a masked/unmasked frame mismatch for
// the endpoint's role, an oversized or fragmented control frame, an unknown
// opcode, a continuation frame with nothing to continue, an interleaved new
// message during fragmentation, or an invalid close code. Always fatal per
// RFC 6455, section 7.4.1: the caller should close with code 1002.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "websocket: protocol error: " + e.Reason
}

func newProtocolError(reason string) error {
	return &ProtocolError{Reason: reason}
}

// MessageTooLong is returned when a message, once assembled, would exceed
// the configured size cap (see DefaultMaxMessageSize).
type MessageTooLong struct {
	Limit int64
}

func (e *MessageTooLong) Error() string {
	return fmt.Sprintf("websocket: message exceeds limit of %d bytes", e.Limit)
}

// InvalidUTF8Error is returned when a completed Text message's payload is
// not valid UTF-8 (RFC 6455, section 8.1). Fatal: the caller should close
// with code 1007.
type InvalidUTF8Error struct{}

func (e *InvalidUTF8Error) Error() string {
	return "websocket: text message is not valid UTF-8"
}

// ExtensionErrorKind classifies the failure wrapped by an ExtensionError.
type ExtensionErrorKind int

const (
	DeflateError ExtensionErrorKind = iota
	InflateError
	NegotiationError
)

func (k ExtensionErrorKind) String() string {
	switch k {
	case DeflateError:
		return "deflate"
	case InflateError:
		return "inflate"
	case NegotiationError:
		return "negotiation"
	default:
		return "unknown"
	}
}

// ExtensionError wraps a failure from a negotiated extension (the
// permessage-deflate implementation, in this module). DeflateError and
// InflateError are fatal to the connection; NegotiationError aborts only
// the handshake.
type ExtensionError struct {
	Kind ExtensionErrorKind
	Err  error
}

func (e *ExtensionError) Error() string {
	return fmt.Sprintf("websocket: %s extension error: %v", e.Kind, e.Err)
}

func (e *ExtensionError) Unwrap() error {
	return e.Err
}

func newExtensionError(kind ExtensionErrorKind, err error) error {
	return &ExtensionError{Kind: kind, Err: err}
}

// CloseError represents a WebSocket close handshake outcome: either a
// clean close the caller should treat as ConnectionClosed, or, via
// errors.Is(err, ErrConnectionClosed), a signal that no further reads will
// succeed.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return "websocket: close " + closeCodeString(e.Code) + " " + e.Text
}

// Is reports that a CloseError also satisfies errors.Is(err, ErrConnectionClosed),
// since a completed close handshake is not itself a failure.
func (e *CloseError) Is(target error) bool {
	return target == ErrConnectionClosed
}

func closeCodeString(code int) string {
	switch code {
	case CloseNormalClosure:
		return "1000 (normal)"
	case CloseGoingAway:
		return "1001 (going away)"
	case CloseProtocolError:
		return "1002 (protocol error)"
	case CloseUnsupportedData:
		return "1003 (unsupported data)"
	case CloseNoStatusReceived:
		return "1005 (no status)"
	case CloseAbnormalClosure:
		return "1006 (abnormal closure)"
	case CloseInvalidFramePayloadData:
		return "1007 (invalid payload)"
	case ClosePolicyViolation:
		return "1008 (policy violation)"
	case CloseMessageTooBig:
		return "1009 (message too big)"
	case CloseMandatoryExtension:
		return "1010 (mandatory extension)"
	case CloseInternalServerErr:
		return "1011 (internal server error)"
	case CloseServiceRestart:
		return "1012 (service restart)"
	case CloseTryAgainLater:
		return "1013 (try again later)"
	case CloseTLSHandshake:
		return "1015 (TLS handshake)"
	default:
		return fmt.Sprintf("%d", code)
	}
}

// IsCloseError returns true if err is a CloseError with one of the given codes.
func IsCloseError(err error, codes ...int) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	for _, c := range codes {
		if closeErr.Code == c {
			return true
		}
	}
	return false
}

// IsUnexpectedCloseError returns true if err is a CloseError whose code is
// NOT one of the expected codes.
func IsUnexpectedCloseError(err error, expectedCodes ...int) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	for _, c := range expectedCodes {
		if closeErr.Code == c {
			return false
		}
	}
	return true
}
