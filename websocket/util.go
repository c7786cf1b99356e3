package websocket

import "encoding/binary"

// BufferPool represents a pool of reusable byte buffers. Only the interface
// is declared: no Upgrader, Dialer or Conn takes a BufferPool, and frame
// encoding allocates its own buffers.
type BufferPool interface {
	Get() any
	Put(any)
}

// FormatCloseMessage formats closeCode and text as a WebSocket close message
// per RFC 6455, section 5.5.1. The close frame body consists of a 2-byte
// status code followed by optional UTF-8 encoded reason text.
func FormatCloseMessage(closeCode int, text string) []byte {
	if closeCode == CloseNoStatusReceived {
		return []byte{}
	}
	buf := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(buf, uint16(closeCode))
	copy(buf[2:], text)
	return buf
}
