package wire

import "net"

// ReadFrame reads one frame from conn into buf and returns the bytes
// actually read.
//
// TODO(protocol v2): this assumes one frame arrives per Read call, which is
// unsafe the moment the underlying stream coalesces writes (Nagle, a slow
// reader catching up, a proxy that buffers). A real fix needs a framing
// change -- a 4-byte big-endian length prefix ahead of every frame, plus a
// version byte so old and new framings can be told apart during rollout --
// and that is a wire-format change out of scope for this port.
func ReadFrame(conn net.Conn, buf []byte) (int, error) {
	return conn.Read(buf)
}
