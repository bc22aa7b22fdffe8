//go:build unix

package dns

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// listenControl sets SO_REUSEADDR on the listen socket so restarts don't
// race the kernel's lingering binding on port 53.
func listenControl(reuseAddr bool) func(network, address string, c syscall.RawConn) error {
	if !reuseAddr {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
