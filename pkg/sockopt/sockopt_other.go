//go:build !unix

package sockopt

import "errors"

func apply(uintptr, Options) error {
	return nil
}

// ReadBufferSize is not supported on this platform
func ReadBufferSize(uintptr) (int, error) {
	return 0, errors.New("sockopt: not supported on this platform")
}
