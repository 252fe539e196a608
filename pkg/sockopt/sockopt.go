// Package sockopt builds net.ListenConfig / net.Dialer control hooks for the
// UDP sockets the proxy opens.
package sockopt

import "syscall"

// Options are applied to a socket before bind/connect
type Options struct {
	// ReadBuffer sets SO_RCVBUF in bytes when positive
	ReadBuffer int
}

// Control returns a hook suitable for net.ListenConfig.Control and net.Dialer.Control.
// It returns nil when there is nothing to set.
func (o Options) Control() func(network, address string, c syscall.RawConn) error {
	if o.ReadBuffer <= 0 {
		return nil
	}
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = apply(fd, o)
		}); err != nil {
			return err
		}
		return sockErr
	}
}
