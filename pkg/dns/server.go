// Package dns is the split-horizon forwarding core: a local UDP listener, two
// upstream sockets and a single dispatch goroutine that moves datagrams
// between them.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"split-dns/pkg/blocklist"
	"split-dns/pkg/cache"
	"split-dns/pkg/config"
	"split-dns/pkg/forwarder"
	"split-dns/pkg/logging"
	"split-dns/pkg/sockopt"
	"split-dns/pkg/telemetry"
)

// Options is everything Setup needs
type Options struct {
	ListenAddress   string
	Trusted         string
	Poisoned        string
	BlocklistPath   string
	CacheValidity   time.Duration
	CacheMaxEntries int // 0 = unbounded
	QueueSize       int
	ReadBuffer      int
}

// OptionsFromConfig maps the file configuration onto Options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ListenAddress:   cfg.Server.ListenAddress,
		Trusted:         cfg.Upstreams.Trusted,
		Poisoned:        cfg.Upstreams.Poisoned,
		BlocklistPath:   cfg.Blocklist.Path,
		CacheValidity:   cfg.CacheValidity(),
		CacheMaxEntries: cfg.Cache.MaxEntries,
		QueueSize:       cfg.Server.QueueSize,
		ReadBuffer:      cfg.Server.ReadBuffer,
	}
}

// Server owns the three sockets and the dispatch engine
type Server struct {
	engine    *engine
	poller    *Poller
	local     *net.UDPConn
	upstreams *forwarder.Pair
	logger    *logging.Logger
	closeOnce sync.Once
	closeErr  error
}

type discardReporter struct{}

func (discardReporter) Report(string) error { return nil }

// Setup binds the listener, connects both upstreams, registers the three
// sockets with a poller, loads the blocklist and packs the loopback PTR answer.
// Any failure closes what was opened and is returned.
func Setup(ctx context.Context, opts Options, reporter Reporter, logger *logging.Logger, metrics *telemetry.Metrics) (*Server, error) {
	if logger == nil {
		logger = logging.Global()
	}
	if reporter == nil {
		reporter = discardReporter{}
	}

	s := &Server{logger: logger}
	fail := func(err error) (*Server, error) {
		_ = s.Close()
		return nil, err
	}

	lc := net.ListenConfig{Control: sockopt.Options{ReadBuffer: opts.ReadBuffer}.Control()}
	pc, err := lc.ListenPacket(ctx, "udp", opts.ListenAddress)
	if err != nil {
		return fail(fmt.Errorf("failed to bind local listener %s: %w", opts.ListenAddress, err))
	}
	s.local = pc.(*net.UDPConn)

	s.upstreams, err = forwarder.Dial(ctx, forwarder.Options{
		Trusted:    opts.Trusted,
		Poisoned:   opts.Poisoned,
		ReadBuffer: opts.ReadBuffer,
	}, logger)
	if err != nil {
		return fail(err)
	}
	trustedConn, _ := s.upstreams.Conn(forwarder.Trusted)
	poisonedConn, _ := s.upstreams.Conn(forwarder.Poisoned)

	s.poller = NewPoller(logger)
	localQ, err := s.poller.Register(TokenLocal, s.local, opts.QueueSize)
	if err != nil {
		return fail(fmt.Errorf("failed to register local listener: %w", err))
	}
	trustedQ, err := s.poller.Register(TokenTrusted, trustedConn, opts.QueueSize)
	if err != nil {
		return fail(fmt.Errorf("failed to register trusted upstream: %w", err))
	}
	poisonedQ, err := s.poller.Register(TokenPoisoned, poisonedConn, opts.QueueSize)
	if err != nil {
		return fail(fmt.Errorf("failed to register poisoned upstream: %w", err))
	}

	bl, err := blocklist.Load(opts.BlocklistPath)
	if err != nil {
		return fail(err)
	}

	ptr, err := packLoopbackPTR()
	if err != nil {
		return fail(fmt.Errorf("failed to pack loopback PTR answer: %w", err))
	}

	e := &engine{
		local:     localQ,
		upstreams: [2]datagramReader{forwarder.Trusted: trustedQ, forwarder.Poisoned: poisonedQ},
		forward:   s.upstreams,
		blocklist: bl,
		validity:  opts.CacheValidity,
		ptr:       ptr,
		reporter:  reporter,
		buf:       make([]byte, maxDatagram),
		now:       time.Now,
		logger:    logger,
		metrics:   metrics,
	}
	e.cache, err = cache.New(opts.CacheMaxEntries, func(string) {
		e.stats.entries.Add(-1)
		e.metrics.CacheEntryEvicted(context.Background())
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create answer cache: %w", err))
	}
	s.engine = e

	logger.Info("DNS proxy ready",
		"listen", s.local.LocalAddr().String(),
		"trusted", s.upstreams.Remote(forwarder.Trusted).String(),
		"poisoned", s.upstreams.Remote(forwarder.Poisoned).String(),
		"blocklist_entries", bl.Len(),
		"cache_validity", opts.CacheValidity,
		"cache_max_entries", opts.CacheMaxEntries,
	)
	return s, nil
}

// LocalAddr returns the address the listener is bound to
func (s *Server) LocalAddr() net.Addr {
	return s.local.LocalAddr()
}

// Run dispatches readiness events until ctx is done or the server is closed
func (s *Server) Run(ctx context.Context) error {
	for {
		tokens, err := s.poller.Wait(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, t := range tokens {
			s.Ready(t)
		}
	}
}

// Ready drains the socket identified by token.
// It must only be called from the goroutine running Run.
func (s *Server) Ready(token Token) {
	if q := s.poller.source(token); q != nil {
		q.disarm()
	}
	s.engine.ready(token)
}

// Stats returns running totals
func (s *Server) Stats() Stats {
	return s.engine.snapshot()
}

// CacheLen returns the number of names the answer cache tracks
func (s *Server) CacheLen() int {
	return int(s.engine.stats.entries.Load())
}

// Close closes all sockets and waits for the socket readers to exit
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var result *multierror.Error
		if s.poller != nil {
			if err := s.poller.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				result = multierror.Append(result, fmt.Errorf("close poller: %w", err))
			}
		} else if s.local != nil {
			if err := s.local.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close local listener: %w", err))
			}
		}
		if s.upstreams != nil {
			if err := s.upstreams.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		s.closeErr = result.ErrorOrNil()
		if s.engine != nil {
			s.logger.Info("DNS proxy stopped", "stats", s.engine.snapshot())
		}
	})
	return s.closeErr
}
