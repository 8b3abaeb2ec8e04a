//go:build unix

// Package sockopt sets low-level socket options the standard library's net
// package doesn't expose directly, grounded on runZeroInc/sockstats' use of
// golang.org/x/sys for kernel-level TCP introspection -- here used instead
// for explicit SO_REUSEADDR, matching the reference implementation's
// socket.setsockopt(SOL_SOCKET, SO_REUSEADDR, 1) call on both its server and
// its network simulator listeners.
package sockopt

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ReuseAddrListenConfig returns a net.ListenConfig whose Control callback
// sets SO_REUSEADDR (and, where the platform supports it, SO_REUSEPORT) on
// the listening socket before bind, so a restarted server or simulator can
// rebind a port still draining TIME_WAIT connections.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr == nil {
					// Best effort: failing to also set SO_REUSEPORT should
					// not fail the listen.
					unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
