package websocket

import (
	"crypto/rand"
	"sync"
)

// PreparedMessage caches the on-the-wire representation of a message
// payload, so that broadcasting the same payload to many connections
// avoids re-encoding (and re-compressing) it per recipient.
type PreparedMessage struct {
	opcode OpCode
	data   []byte

	mu     sync.Mutex
	frames map[prepareKey][]byte
}

type prepareKey struct {
	role       Role
	compressed bool
}

// NewPreparedMessage returns an initialized PreparedMessage for a Text or
// Binary payload.
func NewPreparedMessage(messageType int, data []byte) (*PreparedMessage, error) {
	op := OpCode(messageType)
	if op != OpText && op != OpBinary {
		return nil, ErrInvalidMessageType
	}
	return &PreparedMessage{
		opcode: op,
		data:   data,
		frames: make(map[prepareKey][]byte),
	}, nil
}

// frame returns (building and caching it on first use) the wire bytes for
// sending this message on a connection with the given role and extension.
func (pm *PreparedMessage) frame(role Role, ext Extension) ([]byte, error) {
	compressed := ext != nil && ext.Enabled()

	key := prepareKey{role: role, compressed: compressed}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if cached, ok := pm.frames[key]; ok {
		return cached, nil
	}

	f := Frame{Fin: true, Opcode: pm.opcode, Payload: pm.data}
	if compressed {
		var err error
		f, err = ext.OnSendFrame(f)
		if err != nil {
			return nil, err
		}
	}
	if role == RoleClient {
		var mask [4]byte
		if _, err := rand.Read(mask[:]); err != nil {
			return nil, err
		}
		f.Masked = true
		f.MaskKey = mask
	}

	buf := f.encode(make([]byte, 0, maxFrameHeaderSize+len(f.Payload)))
	pm.frames[key] = buf
	return buf, nil
}

// WritePreparedMessage writes pm to the connection, reusing a cached
// encoding if this connection's role/compression combination has already
// been prepared.
func (c *Conn) WritePreparedMessage(pm *PreparedMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	frameData, err := pm.frame(c.ep.role, c.ep.ext)
	if err != nil {
		return err
	}
	_, err = c.netConn.Write(frameData)
	return err
}
