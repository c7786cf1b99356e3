package websocket

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Conn represents a WebSocket connection: an RFC 6455 frame-level state
// machine (endpoint) wrapping a net.Conn, with optional RFC 7692
// permessage-deflate compression. It is safe for one concurrent reader
// and one concurrent writer, matching RFC 6455, section 5.4's framing
// requirement that only one party writes to a given stream at a time.
type Conn struct {
	// ID uniquely identifies this connection instance for correlating log
	// lines across a connection's lifetime.
	ID uuid.UUID

	netConn     net.Conn
	subprotocol string

	readMu sync.Mutex
	ep     *endpoint

	writeMu sync.Mutex

	closeOnce sync.Once
	log       zerolog.Logger
}

// Config configures extension negotiation and logging for a Conn created
// by Upgrade or Dial. The zero value disables compression and logs
// nothing.
type Config struct {
	// Extension is the negotiated permessage-deflate (or other) extension
	// for this connection. A nil Extension disables compression.
	Extension Extension

	// ReadLimit caps the size of an assembled message; 0 disables this
	// limit. The extension's own message size cap still applies
	// (DefaultMaxMessageSize when Extension is nil).
	ReadLimit int64

	// Logger receives structured diagnostic events. The zero value
	// (zerolog.Nop()) discards everything.
	Logger zerolog.Logger

	// Subprotocol is the subprotocol this connection negotiated, if any.
	Subprotocol string
}

func newConn(netConn net.Conn, role Role, cfg Config) *Conn {
	ep := newEndpoint(role, netConn, netConn, cfg.Extension, cfg.Logger)
	ep.readLimit = cfg.ReadLimit

	return &Conn{
		ID:          uuid.New(),
		netConn:     netConn,
		subprotocol: cfg.Subprotocol,
		ep:          ep,
		log:         cfg.Logger,
	}
}

// Subprotocol returns the negotiated subprotocol for the connection, or
// the empty string if none was negotiated.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr { return c.netConn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// UnderlyingConn returns the net.Conn backing this connection.
func (c *Conn) UnderlyingConn() net.Conn { return c.netConn }

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.netConn.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.netConn.SetWriteDeadline(t) }

// SetReadLimit caps the size of an assembled message; 0 disables this
// limit, leaving only the extension's own message size cap. A message
// exceeding the limit fails with MessageTooLong.
func (c *Conn) SetReadLimit(limit int64) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.ep.readLimit = limit
}

// SetPingHandler sets the handler invoked when a Ping control frame is
// received. The default handler queues a matching Pong reply.
func (c *Conn) SetPingHandler(h func(appData string) error) {
	if h == nil {
		h = func(string) error { return nil }
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.ep.pingHandler = h
}

// SetPongHandler sets the handler invoked when a Pong control frame is
// received. The default handler does nothing, per RFC 6455, section 5.5.3.
func (c *Conn) SetPongHandler(h func(appData string) error) {
	if h == nil {
		h = func(string) error { return nil }
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.ep.pongHandler = h
}

// SetCloseHandler sets the handler invoked when a Close control frame is
// received, before the close reply is sent. The connection queues the
// reply itself whatever the handler does; the default handler does
// nothing.
func (c *Conn) SetCloseHandler(h func(code int, text string) error) {
	if h == nil {
		h = func(int, string) error { return nil }
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.ep.closeHandler = h
}

// WriteMessage sends a single, non-fragmented Text or Binary message.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	op := OpCode(messageType)
	if op != OpText && op != OpBinary {
		return ErrInvalidMessageType
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ep.writeMessage(op, data)
}

// WriteControl sends a Ping, Pong, or Close control frame. deadline is
// applied to the underlying write per RFC 6455, section 5.5: control
// frames must be small and are expected to be sent promptly.
func (c *Conn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	op := OpCode(messageType)
	if !op.IsControl() {
		return ErrInvalidMessageType
	}
	if len(data) > maxControlFramePayloadSize {
		return newProtocolError("control frame too big")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.netConn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer c.netConn.SetWriteDeadline(time.Time{})

	if op == OpClose {
		return c.ep.startClose(parseCloseCode(data), parseCloseText(data))
	}
	return c.ep.writeControl(op, data)
}

func parseCloseCode(data []byte) int {
	code, _ := parseCloseFrame(data)
	if code == 0 {
		return CloseNoStatusReceived
	}
	return code
}

func parseCloseText(data []byte) string {
	_, text := parseCloseFrame(data)
	return text
}

// ReadMessage reads a single complete message, blocking until one arrives.
// It returns a *CloseError wrapping ErrConnectionClosed once the close
// handshake completes cleanly (check with errors.Is).
func (c *Conn) ReadMessage() (messageType int, p []byte, err error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	msg, err := c.ep.readMessage()
	if err != nil {
		return 0, nil, err
	}
	return int(msg.Opcode), msg.Data, nil
}

// Close closes the underlying network connection without performing a
// close handshake. Callers that want a clean shutdown should send a Close
// control frame (WriteControl) first and wait for ReadMessage to return
// ErrConnectionClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.netConn.Close()
	})
	return err
}
