package client

import (
	"net"
	"time"
)

// transport is the subset of net.Conn the Engine needs, narrowed to a test
// seam so unit tests can substitute net.Pipe for a real socket -- the same
// seam the reference implementation's test suite got for free by mocking
// its sendall method.
type transport interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// dialer opens a transport to addr. NewEngine installs netDialer.
type dialer func(network, addr string) (transport, error)

func netDialer(network, addr string) (transport, error) {
	return net.Dial(network, addr)
}
