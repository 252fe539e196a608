//go:build unix

package sockopt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func apply(fd uintptr, o Options) error {
	if o.ReadBuffer > 0 {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, o.ReadBuffer); err != nil {
			return fmt.Errorf("setsockopt SO_RCVBUF: %w", err)
		}
	}
	return nil
}

// ReadBufferSize returns the kernel's SO_RCVBUF value for fd
func ReadBufferSize(fd uintptr) (int, error) {
	return unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
}
