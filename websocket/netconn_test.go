package websocket

import (
	"io"
	"net"
	"time"
)

// netConnStub is a minimal net.Conn with no-op addressing/deadlines and an
// EOF reader, meant to be embedded by test doubles that only need to
// override Write (and optionally Read).
type netConnStub struct{}

func (netConnStub) Read([]byte) (int, error)         { return 0, io.EOF }
func (netConnStub) Close() error                     { return nil }
func (netConnStub) LocalAddr() net.Addr              { return stubAddr{} }
func (netConnStub) RemoteAddr() net.Addr             { return stubAddr{} }
func (netConnStub) SetDeadline(time.Time) error      { return nil }
func (netConnStub) SetReadDeadline(time.Time) error  { return nil }
func (netConnStub) SetWriteDeadline(time.Time) error { return nil }

type stubAddr struct{}

func (stubAddr) Network() string { return "test" }
func (stubAddr) String() string  { return "test" }
