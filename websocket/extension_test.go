package websocket

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainExtensionDisabled(t *testing.T) {
	p := newPlainExtension(0)
	assert.False(t, p.Enabled())
	assert.False(t, p.RSV1())
	assert.NoError(t, p.OnReceiveRequest(nil, http.Header{}))
	assert.NoError(t, p.OnResponse(http.Header{}))

	f := Frame{Fin: true, Opcode: OpText, Payload: []byte("x")}
	out, err := p.OnSendFrame(f)
	require.NoError(t, err)
	assert.Equal(t, f, out)
}

func TestPlainExtensionAssemblesFragments(t *testing.T) {
	p := newPlainExtension(0)

	msg, ok, err := p.OnReceiveFrame(Frame{Fin: false, Opcode: OpText, Payload: []byte("hel")})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, msg)

	msg, ok, err = p.OnReceiveFrame(Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("lo")})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(msg.Data))
}

func TestPlainExtensionSingleFrameMessage(t *testing.T) {
	p := newPlainExtension(0)
	msg, ok, err := p.OnReceiveFrame(Frame{Fin: true, Opcode: OpBinary, Payload: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OpBinary, msg.Opcode)
	assert.Equal(t, []byte{1, 2, 3}, msg.Data)
}

func TestPlainExtensionEnforcesLimit(t *testing.T) {
	p := newPlainExtension(2)
	_, _, err := p.OnReceiveFrame(Frame{Fin: true, Opcode: OpBinary, Payload: []byte{1, 2, 3}})
	require.Error(t, err)
	var tooLong *MessageTooLong
	require.ErrorAs(t, err, &tooLong)
}
