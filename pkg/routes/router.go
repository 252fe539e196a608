package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"split-dns/pkg/config"
)

// Router installs a host route towards addr
type Router interface {
	AddRoute(ctx context.Context, addr netip.Addr) error
	Close() error
}

// LogRouter only logs the routes it would install
type LogRouter struct {
	logger *slog.Logger
}

// NewLogRouter creates a LogRouter
func NewLogRouter(logger *slog.Logger) *LogRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRouter{logger: logger}
}

// AddRoute logs the host route for addr
func (r *LogRouter) AddRoute(_ context.Context, addr netip.Addr) error {
	r.logger.Info("Route", "prefix", netip.PrefixFrom(addr, addr.BitLen()).String())
	return nil
}

// Close does nothing
func (r *LogRouter) Close() error { return nil }

// ErrNoNextHop is returned when a netlink router has neither an interface nor a gateway
var ErrNoNextHop = errors.New("netlink router needs an interface or a gateway")

// NetlinkOptions describes where installed host routes point
type NetlinkOptions struct {
	Interface string
	Gateway   string
	Table     int // 0 = main
	Metric    int
}

// NewRouter builds the router selected by cfg.Mode
func NewRouter(cfg config.RoutesConfig, logger *slog.Logger) (Router, error) {
	switch cfg.Mode {
	case "", "log":
		return NewLogRouter(logger), nil
	case "netlink":
		r, err := NewNetlinkRouter(NetlinkOptions{
			Interface: cfg.Interface,
			Gateway:   cfg.Gateway,
			Table:     cfg.Table,
			Metric:    cfg.Metric,
		}, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown route mode %q", cfg.Mode)
	}
}
