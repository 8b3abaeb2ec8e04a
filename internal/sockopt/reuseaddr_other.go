//go:build !unix

package sockopt

import "net"

// ReuseAddrListenConfig returns the zero-value net.ListenConfig on platforms
// without SO_REUSEADDR/SO_REUSEPORT via golang.org/x/sys/unix (e.g. Windows),
// falling back to Go's default listen behavior.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
