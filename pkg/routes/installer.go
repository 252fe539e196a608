package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"split-dns/pkg/storage"
	"split-dns/pkg/telemetry"
)

// Stats counts what the installer did with the addresses it received
type Stats struct {
	Received   uint64
	Installed  uint64
	Duplicates uint64
	Filtered   uint64
	Invalid    uint64
	Failed     uint64
}

// Installer consumes reported addresses and hands new ones to a Router
type Installer struct {
	source  <-chan string
	router  Router
	filter  *Filter
	ledger  storage.Ledger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	// address -> installed; only touched by Run
	seen map[netip.Addr]bool

	received   atomic.Uint64
	installed  atomic.Uint64
	duplicates atomic.Uint64
	filtered   atomic.Uint64
	invalid    atomic.Uint64
	failed     atomic.Uint64
}

// NewInstaller creates an installer reading from source.
// filter, ledger and metrics may be nil.
func NewInstaller(source <-chan string, router Router, filter *Filter, ledger storage.Ledger, metrics *telemetry.Metrics, logger *slog.Logger) *Installer {
	if ledger == nil {
		ledger = storage.NewNoOpLedger()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		source:  source,
		router:  router,
		filter:  filter,
		ledger:  ledger,
		metrics: metrics,
		tracer:  otel.Tracer("split-dns/routes"),
		logger:  logger,
		seen:    make(map[netip.Addr]bool),
	}
}

// Run processes addresses until source is closed or ctx is done.
// Returns nil when source is closed.
func (i *Installer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-i.source:
			if !ok {
				return nil
			}
			i.handle(ctx, raw)
		}
	}
}

func (i *Installer) handle(ctx context.Context, raw string) {
	i.received.Add(1)

	addr, err := netip.ParseAddr(raw)
	if err != nil {
		i.invalid.Add(1)
		i.logger.Warn("Ignoring invalid route address", "address", raw, "error", err)
		return
	}
	addr = addr.Unmap()

	if installed, ok := i.seen[addr]; ok {
		i.duplicates.Add(1)
		i.record(ctx, addr, installed)
		return
	}

	ctx, span := i.tracer.Start(ctx, "routes.install", trace.WithAttributes(
		attribute.String("route.address", addr.String()),
	))
	defer span.End()

	if !i.filter.Allow(addr) {
		i.filtered.Add(1)
		i.metrics.RouteFiltered(ctx)
		span.SetAttributes(attribute.Bool("route.filtered", true))
		i.seen[addr] = false
		i.logger.Debug("Route filtered", "address", addr.String())
		i.record(ctx, addr, false)
		return
	}

	if err := i.router.AddRoute(ctx, addr); err != nil {
		// Not remembered, so the next report retries
		i.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "route not installed")
		i.logger.Error("Failed to add route",
			"address", addr.String(),
			"error", err,
			"trace_id", span.SpanContext().TraceID().String(),
		)
		i.record(ctx, addr, false)
		return
	}

	i.seen[addr] = true
	i.installed.Add(1)
	i.metrics.RouteInstalled(ctx)
	i.record(ctx, addr, true)
}

func (i *Installer) record(ctx context.Context, addr netip.Addr, installed bool) {
	err := i.ledger.RecordRoute(ctx, storage.RouteRecord{
		Address:   addr.String(),
		Installed: installed,
		Timestamp: time.Now(),
	})
	if err != nil && !errors.Is(err, storage.ErrBufferFull) {
		i.logger.Warn("Failed to record route", "address", addr.String(), "error", err)
	}
}

// Stats returns a snapshot of the installer counters
func (i *Installer) Stats() Stats {
	return Stats{
		Received:   i.received.Load(),
		Installed:  i.installed.Load(),
		Duplicates: i.duplicates.Load(),
		Filtered:   i.filtered.Load(),
		Invalid:    i.invalid.Load(),
		Failed:     i.failed.Load(),
	}
}
