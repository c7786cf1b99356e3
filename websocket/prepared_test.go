package websocket

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPreparedMessage(t *testing.T) {
	tests := []struct {
		name          string
		messageType   int
		data          []byte
		expectErr     bool
		expectedErrIs error
	}{
		{
			name:        "Valid text message",
			messageType: TextMessage,
			data:        []byte("hello"),
		},
		{
			name:        "Valid binary message",
			messageType: BinaryMessage,
			data:        []byte{0x01, 0x02, 0x03},
		},
		{
			name:          "Invalid message type",
			messageType:   PingMessage,
			data:          []byte("ping"),
			expectErr:     true,
			expectedErrIs: ErrInvalidMessageType,
		},
		{
			name:        "Empty data",
			messageType: TextMessage,
			data:        []byte{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm, err := NewPreparedMessage(tt.messageType, tt.data)

			if tt.expectErr {
				assert.Nil(t, pm)
				assert.ErrorIs(t, err, tt.expectedErrIs)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, pm)
			assert.Equal(t, OpCode(tt.messageType), pm.opcode)
			assert.Equal(t, tt.data, pm.data)
		})
	}
}

func TestPreparedMessageFrame(t *testing.T) {
	t.Run("Cache frames", func(t *testing.T) {
		pm, err := NewPreparedMessage(TextMessage, []byte("hello"))
		require.NoError(t, err)

		frame1, err := pm.frame(RoleServer, nil)
		require.NoError(t, err)

		frame2, err := pm.frame(RoleServer, nil)
		require.NoError(t, err)

		assert.Equal(t, frame1, frame2)
		assert.Len(t, pm.frames, 1)
	})

	t.Run("Server frame not masked", func(t *testing.T) {
		pm, err := NewPreparedMessage(TextMessage, []byte("hello"))
		require.NoError(t, err)

		frame, err := pm.frame(RoleServer, nil)
		require.NoError(t, err)

		assert.Equal(t, byte(TextMessage)|finalBit, frame[0])
		assert.Equal(t, byte(5), frame[1])
		assert.Equal(t, []byte("hello"), frame[2:])
	})

	t.Run("Client frame masked", func(t *testing.T) {
		pm, err := NewPreparedMessage(TextMessage, []byte("hello"))
		require.NoError(t, err)

		frame, err := pm.frame(RoleClient, nil)
		require.NoError(t, err)

		assert.True(t, frame[1]&maskBit != 0)
	})

	t.Run("Different roles cache separately", func(t *testing.T) {
		pm, err := NewPreparedMessage(TextMessage, []byte("hello"))
		require.NoError(t, err)

		serverFrame, err := pm.frame(RoleServer, nil)
		require.NoError(t, err)

		clientFrame, err := pm.frame(RoleClient, nil)
		require.NoError(t, err)

		assert.NotEqual(t, serverFrame, clientFrame)
		assert.Len(t, pm.frames, 2)
	})

	t.Run("16-bit length", func(t *testing.T) {
		pm, err := NewPreparedMessage(BinaryMessage, make([]byte, 200))
		require.NoError(t, err)

		frame, err := pm.frame(RoleServer, nil)
		require.NoError(t, err)

		assert.Equal(t, byte(payloadLen16), frame[1])
		assert.Equal(t, byte(0), frame[2])
		assert.Equal(t, byte(200), frame[3])
	})

	t.Run("64-bit length", func(t *testing.T) {
		pm, err := NewPreparedMessage(BinaryMessage, make([]byte, 70000))
		require.NoError(t, err)

		frame, err := pm.frame(RoleServer, nil)
		require.NoError(t, err)

		assert.Equal(t, byte(payloadLen64), frame[1])
	})

	t.Run("Compressed frame", func(t *testing.T) {
		pm, err := NewPreparedMessage(TextMessage, []byte("aaaaaaaaaaaaaaaaaaaa"))
		require.NoError(t, err)

		de := NewDeflateExtension(DefaultDeflateConfig()).(*deflateExtension)
		de.enabled = true

		frame, err := pm.frame(RoleServer, de)
		require.NoError(t, err)

		assert.Equal(t, byte(TextMessage)|finalBit|rsv1Bit, frame[0])
	})
}

type preparedMockConn struct {
	netConnStub
	writeBuf bytes.Buffer
}

func (m *preparedMockConn) Write(p []byte) (int, error) { return m.writeBuf.Write(p) }

func TestWritePreparedMessage(t *testing.T) {
	tests := []struct {
		name         string
		role         Role
		checkMaskBit bool
	}{
		{name: "Server writes prepared message", role: RoleServer},
		{name: "Client writes prepared message", role: RoleClient, checkMaskBit: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm, err := NewPreparedMessage(TextMessage, []byte("prepared hello"))
			require.NoError(t, err)

			mock := &preparedMockConn{}
			conn := newConn(mock, tt.role, Config{})

			err = conn.WritePreparedMessage(pm)
			require.NoError(t, err)

			data := mock.writeBuf.Bytes()
			assert.Equal(t, byte(TextMessage)|finalBit, data[0])

			if tt.checkMaskBit {
				assert.True(t, data[1]&maskBit != 0)
			}
		})
	}
}

func TestWritePreparedMessageMultiple(t *testing.T) {
	t.Run("Same message to multiple connections", func(t *testing.T) {
		pm, err := NewPreparedMessage(TextMessage, []byte("shared message"))
		require.NoError(t, err)

		mock1 := &preparedMockConn{}
		conn1 := newConn(mock1, RoleServer, Config{})

		mock2 := &preparedMockConn{}
		conn2 := newConn(mock2, RoleServer, Config{})

		require.NoError(t, conn1.WritePreparedMessage(pm))
		require.NoError(t, conn2.WritePreparedMessage(pm))

		assert.Equal(t, mock1.writeBuf.Bytes(), mock2.writeBuf.Bytes())
	})
}

func BenchmarkPreparedMessage(b *testing.B) {
	data := []byte("prepared message data prepared message data prepared message data ")
	pm, _ := NewPreparedMessage(TextMessage, data)

	b.Run("Create", func(b *testing.B) {
		for b.Loop() {
			_, _ = NewPreparedMessage(TextMessage, data)
		}
	})

	b.Run("Write", func(b *testing.B) {
		mock := &preparedMockConn{}
		conn := newConn(mock, RoleServer, Config{})

		b.ResetTimer()

		for b.Loop() {
			mock.writeBuf.Reset()
			_ = conn.WritePreparedMessage(pm)
		}
	})
}
