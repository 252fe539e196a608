//go:build !linux

package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
)

// NetlinkRouter is only available on Linux
type NetlinkRouter struct{}

// NewNetlinkRouter always fails outside Linux
func NewNetlinkRouter(_ NetlinkOptions, _ *slog.Logger) (*NetlinkRouter, error) {
	return nil, errors.New("netlink routes are only supported on linux")
}

// AddRoute is never reached
func (r *NetlinkRouter) AddRoute(context.Context, netip.Addr) error {
	return errors.New("netlink routes are only supported on linux")
}

// Close does nothing
func (r *NetlinkRouter) Close() error { return nil }
