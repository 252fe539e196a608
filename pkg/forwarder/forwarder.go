// Package forwarder owns the two outbound UDP sockets, one connected to the
// trusted resolver and one to the poisoned resolver.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/hashicorp/go-multierror"

	"split-dns/pkg/config"
	"split-dns/pkg/logging"
	"split-dns/pkg/sockopt"
)

// Role names an upstream
type Role int

const (
	// Trusted resolves blocked names
	Trusted Role = iota
	// Poisoned resolves everything else
	Poisoned
)

// ErrUnknownRole is returned for a Role other than Trusted or Poisoned
var ErrUnknownRole = errors.New("unknown upstream role")

func (r Role) String() string {
	switch r {
	case Trusted:
		return "trusted"
	case Poisoned:
		return "poisoned"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Classify picks the upstream for a query
func Classify(blocked bool) Role {
	if blocked {
		return Trusted
	}
	return Poisoned
}

// Options configure the upstream pair
type Options struct {
	Trusted    string // ip or ip:port
	Poisoned   string // ip or ip:port
	ReadBuffer int
}

// Pair holds one connected socket per role
type Pair struct {
	conns   [2]*net.UDPConn
	remotes [2]netip.AddrPort
	logger  *logging.Logger
}

// Dial binds two ephemeral local ports and connects them to the upstreams.
// On failure nothing is left open.
func Dial(ctx context.Context, opts Options, logger *logging.Logger) (*Pair, error) {
	p := &Pair{logger: logger}
	dialer := net.Dialer{Control: sockopt.Options{ReadBuffer: opts.ReadBuffer}.Control()}

	for role, addr := range map[Role]string{Trusted: opts.Trusted, Poisoned: opts.Poisoned} {
		remote, err := parseUpstream(addr)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("%s upstream: %w", role, err)
		}

		c, err := dialer.DialContext(ctx, "udp", remote.String())
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to connect %s upstream %s: %w", role, remote, err)
		}
		p.conns[role] = c.(*net.UDPConn)
		p.remotes[role] = remote
	}

	logger.Info("Upstreams connected",
		"trusted", p.remotes[Trusted].String(),
		"poisoned", p.remotes[Poisoned].String(),
	)
	return p, nil
}

// parseUpstream accepts "ip" or "ip:port"; hostnames are rejected so the
// proxy never needs a resolver of its own
func parseUpstream(addr string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(config.NormalizeUpstream(addr))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return ap, nil
}

// Conn returns the socket for role
func (p *Pair) Conn(role Role) (*net.UDPConn, error) {
	if role != Trusted && role != Poisoned {
		return nil, ErrUnknownRole
	}
	return p.conns[role], nil
}

// Remote returns the resolver address for role
func (p *Pair) Remote(role Role) netip.AddrPort {
	if role != Trusted && role != Poisoned {
		return netip.AddrPort{}
	}
	return p.remotes[role]
}

// Send writes a query datagram, unmodified, to the upstream for role
func (p *Pair) Send(role Role, b []byte) error {
	c, err := p.Conn(role)
	if err != nil {
		return err
	}
	if _, err := c.Write(b); err != nil {
		return fmt.Errorf("send to %s upstream: %w", role, err)
	}
	return nil
}

// Close closes both sockets
func (p *Pair) Close() error {
	var result *multierror.Error
	for role, c := range p.conns {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close %s upstream: %w", Role(role), err))
		}
	}
	return result.ErrorOrNil()
}
