//go:build linux

package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkRouter installs host routes into a kernel routing table
type NetlinkRouter struct {
	opts      NetlinkOptions
	linkIndex int
	gateway   net.IP
	logger    *slog.Logger
}

// NewNetlinkRouter resolves the output link and validates the gateway
func NewNetlinkRouter(opts NetlinkOptions, logger *slog.Logger) (*NetlinkRouter, error) {
	if opts.Interface == "" && opts.Gateway == "" {
		return nil, ErrNoNextHop
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &NetlinkRouter{opts: opts, logger: logger}

	if opts.Interface != "" {
		link, err := netlink.LinkByName(opts.Interface)
		if err != nil {
			return nil, fmt.Errorf("failed to find interface %q: %w", opts.Interface, err)
		}
		r.linkIndex = link.Attrs().Index
	}

	if opts.Gateway != "" {
		gw, err := netip.ParseAddr(opts.Gateway)
		if err != nil {
			return nil, fmt.Errorf("invalid gateway %q: %w", opts.Gateway, err)
		}
		r.gateway = net.IP(gw.Unmap().AsSlice())
	}

	return r, nil
}

// AddRoute replaces the host route for addr
func (r *NetlinkRouter) AddRoute(_ context.Context, addr netip.Addr) error {
	route := r.route(addr)
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("failed to install route %s: %w", route.Dst, err)
	}
	r.logger.Debug("Installed route", "dst", route.Dst.String(), "table", route.Table, "link_index", route.LinkIndex)
	return nil
}

func (r *NetlinkRouter) route(addr netip.Addr) *netlink.Route {
	addr = addr.Unmap()
	bits := addr.BitLen()

	route := &netlink.Route{
		Dst: &net.IPNet{
			IP:   net.IP(addr.AsSlice()),
			Mask: net.CIDRMask(bits, bits),
		},
		LinkIndex: r.linkIndex,
		Table:     r.opts.Table,
		Priority:  r.opts.Metric,
		Protocol:  unix.RTPROT_STATIC,
		Type:      unix.RTN_UNICAST,
	}
	if addr.Is4() {
		route.Family = netlink.FAMILY_V4
	} else {
		route.Family = netlink.FAMILY_V6
	}
	// A v4 gateway cannot carry a v6 route and vice versa
	if r.gateway != nil && (r.gateway.To4() != nil) == addr.Is4() {
		route.Gw = r.gateway
	}
	return route
}

// Close does nothing; installed routes are left in place
func (r *NetlinkRouter) Close() error { return nil }
