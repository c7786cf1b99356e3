package websocket

import (
	"crypto/rand"
	"errors"
	"io"

	"github.com/rs/zerolog"
)

// connState tracks the close handshake per RFC 6455, section 7.1.4.
type connState int

const (
	stateActive connState = iota
	stateClosedByUs
	stateClosedByPeer
	stateTerminated
)

// endpoint is the frame-level protocol engine: it owns the fragmented
// message assembler, the close/ping/pong handshake, and role-based mask
// validation. Conn wraps endpoint with the public ReadMessage/WriteMessage
// surface and transport plumbing.
type endpoint struct {
	role Role
	r    io.Reader
	w    io.Writer

	ext Extension

	state connState

	pending    bool // a fragmented message is being assembled
	pendingOp  OpCode
	readLimit  int64
	scratch    [maxFrameHeaderSize]byte

	sendQueue []Frame
	pong      *Frame // only the most recently received ping is answered

	pingHandler  func(appData string) error
	pongHandler  func(appData string) error
	closeHandler func(code int, text string) error

	log zerolog.Logger
}

func newEndpoint(role Role, r io.Reader, w io.Writer, ext Extension, log zerolog.Logger) *endpoint {
	if ext == nil {
		ext = newPlainExtension(DefaultMaxMessageSize)
	}
	e := &endpoint{
		role: role,
		r:    r,
		w:    w,
		ext:  ext,
		log:  log,
	}
	e.pingHandler = func(appData string) error {
		e.queueControl(OpPong, []byte(appData))
		return nil
	}
	e.pongHandler = func(string) error { return nil }
	e.closeHandler = func(int, string) error { return nil }
	return e
}

// readMessage blocks until a complete message is available, a close
// handshake completes (returns *CloseError satisfying errors.Is(err,
// ErrConnectionClosed)), or a fatal error occurs.
func (e *endpoint) readMessage() (*Message, error) {
	for {
		if err := e.flushPending(); err != nil {
			e.markTerminatedOnTransportFailure(err)
			return nil, err
		}

		f, err := decodeFrame(e.r, e.scratch[:])
		if err != nil {
			e.markTerminatedOnTransportFailure(err)
			return nil, err
		}

		msg, err := e.processFrame(f)
		if err != nil {
			var closeErr *CloseError
			if errors.As(err, &closeErr) {
				// Send the queued close reply before reporting the close.
				if ferr := e.flushPending(); ferr != nil {
					e.markTerminatedOnTransportFailure(ferr)
					return nil, ferr
				}
			}
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if e.state != stateActive && len(e.sendQueue) == 0 && e.pong == nil {
			// A close reply has nothing left to send; surface completion.
			return nil, &CloseError{Code: CloseNoStatusReceived}
		}
	}
}

// processFrame validates and routes one inbound frame per RFC 6455,
// section 5.2, in the order: RSV bits, mask-per-role, then opcode
// dispatch.
func (e *endpoint) processFrame(f Frame) (*Message, error) {
	if (f.RSV1 && !e.ext.RSV1()) || f.RSV2 || f.RSV3 {
		return nil, newProtocolError("reserved bits are non-zero")
	}

	switch e.role {
	case RoleServer:
		if !f.Masked {
			return nil, newProtocolError("received an unmasked frame from client")
		}
		f.removeMask()
	case RoleClient:
		if f.Masked {
			return nil, newProtocolError("received a masked frame from server")
		}
	}

	if f.Opcode.IsControl() {
		return nil, e.processControlFrame(f)
	}

	if e.state != stateActive {
		return nil, nil // no data processing while closing
	}
	return e.processDataFrame(f)
}

func (e *endpoint) processControlFrame(f Frame) error {
	if !f.Fin {
		return newProtocolError("fragmented control frame")
	}
	if len(f.Payload) > maxControlFramePayloadSize {
		return newProtocolError("control frame too big")
	}

	switch f.Opcode {
	case OpClose:
		return e.doClose(f.Payload)
	case OpPing:
		if e.state != stateActive {
			return nil
		}
		return e.pingHandler(string(f.Payload))
	case OpPong:
		if e.state != stateActive {
			return nil
		}
		return e.pongHandler(string(f.Payload))
	default:
		return newProtocolError("unknown control frame opcode")
	}
}

func (e *endpoint) processDataFrame(f Frame) (*Message, error) {
	switch {
	case f.Opcode == OpContinuation && !e.pending:
		return nil, newProtocolError("continuation frame but nothing to continue")
	case f.Opcode != OpContinuation && e.pending:
		return nil, newProtocolError("received new message opcode while waiting for more fragments")
	case f.Opcode != OpContinuation && f.Opcode != OpText && f.Opcode != OpBinary:
		return nil, newProtocolError("unknown data frame opcode")
	}

	if f.Opcode != OpContinuation {
		e.pendingOp = f.Opcode
	}
	if !f.Fin {
		e.pending = true
	}

	msg, ok, err := e.ext.OnReceiveFrame(f)
	if err != nil {
		e.pending = false
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	e.pending = false
	if e.readLimit > 0 && int64(len(msg.Data)) > e.readLimit {
		return nil, &MessageTooLong{Limit: e.readLimit}
	}
	return msg, nil
}

// doClose implements the close handshake state transitions per RFC 6455,
// section 7.1.4. A reply mirrors the peer's close code when that code is
// allowed; a disallowed code gets CloseProtocolError instead; no code at
// all (an empty or truncated close frame) gets an empty-body reply, never
// a fabricated 1000.
func (e *endpoint) doClose(payload []byte) error {
	code, text := parseCloseFrame(payload)

	e.log.Debug().Int("code", code).Str("text", text).Str("role", e.role.String()).Msg("received close frame")

	switch e.state {
	case stateActive:
		e.state = stateClosedByPeer
		if code == 0 {
			e.queueControl(OpClose, FormatCloseMessage(CloseNoStatusReceived, ""))
		} else {
			replyCode := code
			if !closeCodeAllowed(code) {
				replyCode = CloseProtocolError
			}
			e.queueControl(OpClose, FormatCloseMessage(replyCode, ""))
		}
		if err := e.closeHandler(code, text); err != nil {
			return err
		}
		return &CloseError{Code: code, Text: text}
	case stateClosedByPeer:
		return nil // already closed, ignore duplicate close frames
	default: // stateClosedByUs
		// The peer replied to our close frame: the handshake is complete.
		e.state = stateTerminated
		return &CloseError{Code: code, Text: text}
	}
}

// markTerminatedOnTransportFailure moves the endpoint to stateTerminated
// when err is a genuine transport read/write failure rather than an
// RFC 6455 protocol violation, which the caller reports separately via
// ProtocolError and does not by itself end the connection's lifecycle.
func (e *endpoint) markTerminatedOnTransportFailure(err error) {
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		e.state = stateTerminated
	}
}

// parseCloseFrame decodes a Close frame's optional code and reason per
// RFC 6455, section 7.1.5/7.1.6. An empty or malformed payload yields
// code 0, which doClose treats as "no status given".
func parseCloseFrame(payload []byte) (code int, text string) {
	if len(payload) < 2 {
		return 0, ""
	}
	code = int(payload[0])<<8 | int(payload[1])
	return code, string(payload[2:])
}

// queueControl appends a control frame to the send path. Per RFC 6455,
// section 5.5.3, only the most recently received Ping gets a Pong.
func (e *endpoint) queueControl(op OpCode, data []byte) {
	f := Frame{Fin: true, Opcode: op, Payload: data}
	if op == OpPong {
		e.pong = &f
		return
	}
	e.sendQueue = append(e.sendQueue, f)
}

// flushPending writes the pong slot, then any queued control/data frames,
// masking as required by role (RFC 6455, section 5.1, rule 5).
func (e *endpoint) flushPending() error {
	if e.pong != nil {
		f := *e.pong
		e.pong = nil
		if err := e.writeFrame(f); err != nil {
			return err
		}
	}
	for len(e.sendQueue) > 0 {
		f := e.sendQueue[0]
		e.sendQueue = e.sendQueue[1:]
		if err := e.writeFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// writeMessage sends a complete Text/Binary message, compressing it via
// the negotiated extension if enabled.
func (e *endpoint) writeMessage(opcode OpCode, data []byte) error {
	if e.state != stateActive {
		return ErrWriteToClosedConnection
	}
	f := Frame{Fin: true, Opcode: opcode, Payload: data}
	f, err := e.ext.OnSendFrame(f)
	if err != nil {
		return err
	}
	if err := e.flushPending(); err != nil {
		return err
	}
	return e.writeFrame(f)
}

func (e *endpoint) writeControl(opcode OpCode, data []byte) error {
	f := Frame{Fin: true, Opcode: opcode, Payload: data}
	return e.writeFrame(f)
}

func (e *endpoint) writeFrame(f Frame) error {
	if e.role == RoleClient {
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			return err
		}
		f.Masked = true
		f.MaskKey = key
	}
	buf := e.encodeBuf(f)
	_, err := e.w.Write(buf)
	return err
}

func (e *endpoint) encodeBuf(f Frame) []byte {
	buf := make([]byte, 0, maxFrameHeaderSize+len(f.Payload))
	return f.encode(buf)
}

// startClose transitions Active to ClosedByUs and writes the close frame
// immediately, per RFC 6455, section 7.1.2.
func (e *endpoint) startClose(code int, text string) error {
	if e.state != stateActive {
		return nil
	}
	e.state = stateClosedByUs
	return e.writeControl(OpClose, FormatCloseMessage(code, text))
}
