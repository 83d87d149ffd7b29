//go:build unix

package sliq

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// forceSetBufferSizes sets the socket buffer sizes on the raw descriptor.
func forceSetBufferSizes(conn *net.UDPConn, rcv, snd int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("couldn't get syscall.RawConn: %w", err)
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		if rcv > 0 {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcv)
		}
		if serr == nil && snd > 0 {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, snd)
		}
	}); err != nil {
		return err
	}
	return serr
}
