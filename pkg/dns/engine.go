package dns

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"split-dns/pkg/blocklist"
	"split-dns/pkg/cache"
	"split-dns/pkg/forwarder"
	"split-dns/pkg/logging"
	"split-dns/pkg/telemetry"
)

// Reporter receives the textual form of every address found in an upstream answer.
// Report must not block.
type Reporter interface {
	Report(addr string) error
}

type datagramReader interface {
	ReadFrom(p []byte) (int, netip.AddrPort, error)
}

type datagramWriter interface {
	WriteTo(b []byte, addr netip.AddrPort) (int, error)
}

type localConn interface {
	datagramReader
	datagramWriter
}

type upstreamSender interface {
	Send(role forwarder.Role, b []byte) error
}

// Stats are running totals of engine events
type Stats struct {
	Queries           uint64
	PTRAnswered       uint64
	CacheHits         uint64
	ForwardedTrusted  uint64
	ForwardedPoisoned uint64
	RepliesDelivered  uint64
	RepliesUnmatched  uint64
	Malformed         uint64
	SendErrors        uint64
	RoutesReported    uint64
	RoutesDropped     uint64
	CacheEntries      uint64
}

type counters struct {
	queries     atomic.Uint64
	ptr         atomic.Uint64
	hits        atomic.Uint64
	fwdTrusted  atomic.Uint64
	fwdPoisoned atomic.Uint64
	delivered   atomic.Uint64
	unmatched   atomic.Uint64
	malformed   atomic.Uint64
	sendErrors  atomic.Uint64
	reported    atomic.Uint64
	dropped     atomic.Uint64
	entries     atomic.Int64
}

// engine applies the forwarding protocol to datagrams read from the three
// sockets. It is driven from a single goroutine; only counters are shared.
type engine struct {
	local     localConn
	upstreams [2]datagramReader
	forward   upstreamSender

	blocklist *blocklist.Blocklist
	cache     cache.Store
	validity  time.Duration
	ptr       []byte
	reporter  Reporter

	// Shared receive buffer, reused for every read
	buf []byte
	now func() time.Time

	stats   counters
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

func (e *engine) ready(token Token) {
	switch token {
	case TokenLocal:
		e.drainLocal()
	case TokenTrusted:
		e.drainUpstream(forwarder.Trusted)
	case TokenPoisoned:
		e.drainUpstream(forwarder.Poisoned)
	default:
		e.logger.Error("Readiness event for unknown token", "token", int(token))
	}
}

func (e *engine) drainLocal() {
	for {
		n, from, err := e.local.ReadFrom(e.buf)
		if errors.Is(err, ErrWouldBlock) {
			return
		}
		if err != nil {
			e.logger.Error("Failed to read from local listener", "error", err)
			return
		}
		e.handleLocal(e.buf[:n], from)
	}
}

func (e *engine) drainUpstream(role forwarder.Role) {
	src := e.upstreams[role]
	for {
		n, _, err := src.ReadFrom(e.buf)
		if errors.Is(err, ErrWouldBlock) {
			return
		}
		if err != nil {
			e.logger.Error("Failed to read from upstream", "upstream", role.String(), "error", err)
			return
		}
		e.handleUpstream(role, e.buf[:n])
	}
}

// handleLocal answers a client query from synthetic or cached data, or forwards it
func (e *engine) handleLocal(raw []byte, from netip.AddrPort) {
	ctx := context.Background()
	e.stats.queries.Add(1)
	e.metrics.QueryReceived(ctx)

	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		e.malformed(ctx, "local", "decode")
		e.logger.Error("Failed to decode local query", "client", from.String(), "error", err)
		return
	}
	if len(msg.Question) != 1 {
		e.malformed(ctx, "local", "question_count")
		e.logger.Warn("Rejected query without exactly one question",
			"client", from.String(),
			"questions", len(msg.Question),
		)
		return
	}

	q := msg.Question[0]
	if isLoopbackPTR(q) {
		e.stats.ptr.Add(1)
		e.metrics.PTRAnswered(ctx)
		e.reply(ctx, e.ptr, from)
		return
	}

	name := q.Name
	if entry, ok := e.cache.Get(name); ok && entry.Fresh(e.now(), e.validity) {
		e.stats.hits.Add(1)
		e.metrics.CacheHit(ctx)
		e.logger.Debug("Answered from cache", "name", name, "client", from.String())
		e.reply(ctx, entry.Answer, from)
		return
	}

	role := forwarder.Classify(e.blocklist.IsBlocked(name))
	if role == forwarder.Trusted {
		e.stats.fwdTrusted.Add(1)
	} else {
		e.stats.fwdPoisoned.Add(1)
	}
	e.metrics.QueryForwarded(ctx, role.String())
	e.logger.Debug("Forwarding query",
		"name", name,
		"type", dns.TypeToString[q.Qtype],
		"upstream", role.String(),
		"client", from.String(),
	)
	if err := e.forward.Send(role, raw); err != nil {
		e.stats.sendErrors.Add(1)
		e.metrics.SendFailed(ctx, role.String())
		e.logger.Error("Failed to forward query", "name", name, "upstream", role.String(), "error", err)
	}

	entry, created := e.cache.GetOrCreate(name)
	if created {
		e.stats.entries.Add(1)
		e.metrics.CacheEntryAdded(ctx)
	}
	entry.AddPending(from)
}

// handleUpstream replays an upstream reply to everyone waiting on its name
func (e *engine) handleUpstream(role forwarder.Role, raw []byte) {
	ctx := context.Background()

	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		e.malformed(ctx, role.String(), "decode")
		e.logger.Error("Failed to decode upstream reply", "upstream", role.String(), "error", err)
		return
	}
	if len(msg.Question) == 0 {
		e.malformed(ctx, role.String(), "question_count")
		e.logger.Warn("Dropping upstream reply without a question", "upstream", role.String())
		return
	}

	name := msg.Question[0].Name
	entry, ok := e.cache.Get(name)
	if !ok {
		e.stats.unmatched.Add(1)
		e.metrics.ReplyUnmatched(ctx, role.String())
		e.logger.Warn("Dropping reply for a name nobody asked for", "name", name, "upstream", role.String())
		return
	}

	for _, to := range entry.Pending {
		if e.reply(ctx, raw, to) {
			e.stats.delivered.Add(1)
			e.metrics.ReplyDelivered(ctx)
		}
	}

	for _, rr := range msg.Answer {
		var addr string
		switch rr := rr.(type) {
		case *dns.A:
			addr = rr.A.String()
		case *dns.AAAA:
			addr = rr.AAAA.String()
		default:
			continue
		}
		e.report(ctx, name, addr)
	}

	entry.Update(raw, e.now())
}

func (e *engine) reply(ctx context.Context, b []byte, to netip.AddrPort) bool {
	if _, err := e.local.WriteTo(b, to); err != nil {
		e.stats.sendErrors.Add(1)
		e.metrics.SendFailed(ctx, "client")
		e.logger.Error("Failed to send reply", "client", to.String(), "error", err)
		return false
	}
	return true
}

func (e *engine) report(ctx context.Context, name, addr string) {
	if err := e.reporter.Report(addr); err != nil {
		e.stats.dropped.Add(1)
		e.metrics.RouteDropped(ctx)
		e.logger.Warn("Dropping route report", "name", name, "address", addr, "error", err)
		return
	}
	e.stats.reported.Add(1)
	e.metrics.RouteReported(ctx)
}

func (e *engine) malformed(ctx context.Context, source, reason string) {
	e.stats.malformed.Add(1)
	e.metrics.MalformedDatagram(ctx, source, reason)
}

func (e *engine) snapshot() Stats {
	return Stats{
		Queries:           e.stats.queries.Load(),
		PTRAnswered:       e.stats.ptr.Load(),
		CacheHits:         e.stats.hits.Load(),
		ForwardedTrusted:  e.stats.fwdTrusted.Load(),
		ForwardedPoisoned: e.stats.fwdPoisoned.Load(),
		RepliesDelivered:  e.stats.delivered.Load(),
		RepliesUnmatched:  e.stats.unmatched.Load(),
		Malformed:         e.stats.malformed.Load(),
		SendErrors:        e.stats.sendErrors.Load(),
		RoutesReported:    e.stats.reported.Load(),
		RoutesDropped:     e.stats.dropped.Load(),
		CacheEntries:      uint64(e.stats.entries.Load()),
	}
}
