package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all application instruments.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Local queries
	QueriesTotal    metric.Int64Counter
	QueriesPTRLocal metric.Int64Counter
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
	Forwarded       metric.Int64Counter // upstream=trusted|poisoned
	Malformed       metric.Int64Counter // source, reason

	// Upstream replies
	RepliesDelivered metric.Int64Counter
	RepliesUnmatched metric.Int64Counter // upstream
	SendErrors       metric.Int64Counter // target=client|trusted|poisoned

	CacheEntries metric.Int64UpDownCounter

	// Routes
	RoutesReported  metric.Int64Counter
	RoutesDropped   metric.Int64Counter
	RoutesInstalled metric.Int64Counter
	RoutesFiltered  metric.Int64Counter

	StorageRoutesDropped metric.Int64Counter
}

// InitMetrics creates every instrument from the telemetry meter provider
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	return NewMetrics(t.meterProvider.Meter("split-dns"))
}

// NewNoopMetrics returns instruments that discard every measurement
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("split-dns"))
	return m
}

// NewMetrics creates every instrument on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.QueriesTotal, "dns.queries.total", "DNS queries received on the local listener"},
		{&m.QueriesPTRLocal, "dns.queries.ptr_local", "Loopback reverse lookups answered locally"},
		{&m.CacheHits, "dns.cache.hits", "Queries answered from the answer cache"},
		{&m.CacheMisses, "dns.cache.misses", "Queries that had to be forwarded"},
		{&m.Forwarded, "dns.queries.forwarded", "Queries forwarded per upstream"},
		{&m.Malformed, "dns.queries.malformed", "Datagrams dropped because they could not be used"},
		{&m.RepliesDelivered, "dns.replies.delivered", "Upstream replies delivered to pending requesters"},
		{&m.RepliesUnmatched, "dns.replies.unmatched", "Upstream replies for names with no cache entry"},
		{&m.SendErrors, "dns.send.errors", "Failed datagram sends"},
		{&m.RoutesReported, "routes.reported", "Resolved addresses reported for routing"},
		{&m.RoutesDropped, "routes.dropped", "Resolved addresses dropped because the route channel was full or closed"},
		{&m.RoutesInstalled, "routes.installed", "Routes handed to the router"},
		{&m.RoutesFiltered, "routes.filtered", "Addresses rejected by the route filter"},
		{&m.StorageRoutesDropped, "storage.routes.dropped", "Route records dropped due to a full ledger buffer"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	entries, err := meter.Int64UpDownCounter(
		"dns.cache.entries",
		metric.WithDescription("Number of names tracked by the answer cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache entries gauge: %w", err)
	}
	m.CacheEntries = entries

	return m, nil
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	if len(attrs) == 0 {
		c.Add(ctx, 1)
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// QueryReceived counts one datagram read from the local listener
func (m *Metrics) QueryReceived(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.QueriesTotal)
}

// PTRAnswered counts one synthetic loopback PTR reply
func (m *Metrics) PTRAnswered(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.QueriesPTRLocal)
}

// CacheHit counts one query served from cache
func (m *Metrics) CacheHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.CacheHits)
}

// QueryForwarded counts one query sent to the named upstream
func (m *Metrics) QueryForwarded(ctx context.Context, upstream string) {
	if m == nil {
		return
	}
	m.add(ctx, m.CacheMisses)
	m.add(ctx, m.Forwarded, attribute.String("upstream", upstream))
}

// MalformedDatagram counts one dropped datagram
func (m *Metrics) MalformedDatagram(ctx context.Context, source, reason string) {
	if m == nil {
		return
	}
	m.add(ctx, m.Malformed, attribute.String("source", source), attribute.String("reason", reason))
}

// ReplyDelivered counts one reply sent to a pending requester
func (m *Metrics) ReplyDelivered(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.RepliesDelivered)
}

// ReplyUnmatched counts one upstream reply nobody was waiting for
func (m *Metrics) ReplyUnmatched(ctx context.Context, upstream string) {
	if m == nil {
		return
	}
	m.add(ctx, m.RepliesUnmatched, attribute.String("upstream", upstream))
}

// SendFailed counts one failed send towards target
func (m *Metrics) SendFailed(ctx context.Context, target string) {
	if m == nil {
		return
	}
	m.add(ctx, m.SendErrors, attribute.String("target", target))
}

// CacheEntryAdded tracks growth of the answer cache
func (m *Metrics) CacheEntryAdded(ctx context.Context) {
	if m == nil || m.CacheEntries == nil {
		return
	}
	m.CacheEntries.Add(ctx, 1)
}

// CacheEntryEvicted tracks eviction from a bounded answer cache
func (m *Metrics) CacheEntryEvicted(ctx context.Context) {
	if m == nil || m.CacheEntries == nil {
		return
	}
	m.CacheEntries.Add(ctx, -1)
}

// RouteReported counts one address accepted by the route channel
func (m *Metrics) RouteReported(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.RoutesReported)
}

// RouteDropped counts one address the route channel refused
func (m *Metrics) RouteDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.RoutesDropped)
}

// RouteInstalled counts one address handed to the router
func (m *Metrics) RouteInstalled(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.RoutesInstalled)
}

// RouteFiltered counts one address rejected by the route filter
func (m *Metrics) RouteFiltered(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.RoutesFiltered)
}

// AddDroppedRoute lets the ledger report dropped records without importing this package
func (m *Metrics) AddDroppedRoute(ctx context.Context, count int64) {
	if m != nil && m.StorageRoutesDropped != nil {
		m.StorageRoutesDropped.Add(ctx, count)
	}
}
