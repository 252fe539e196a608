package dns

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"split-dns/pkg/blocklist"
	"split-dns/pkg/cache"
	"split-dns/pkg/config"
	"split-dns/pkg/forwarder"
	"split-dns/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter(&config.LoggingConfig{Level: "debug", Format: "text"}, io.Discard)
}

type sent struct {
	b  []byte
	to netip.AddrPort
}

// fakeConn is an in-memory socket: reads come from in, writes land in out
type fakeConn struct {
	in     []datagram
	out    []sent
	failTo map[netip.AddrPort]bool
}

func (f *fakeConn) push(b []byte, from netip.AddrPort) {
	f.in = append(f.in, datagram{b: b, from: from})
}

func (f *fakeConn) ReadFrom(p []byte) (int, netip.AddrPort, error) {
	if len(f.in) == 0 {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	d := f.in[0]
	f.in = f.in[1:]
	if d.err != nil {
		return 0, d.from, d.err
	}
	return copy(p, d.b), d.from, nil
}

func (f *fakeConn) WriteTo(b []byte, to netip.AddrPort) (int, error) {
	if f.failTo[to] {
		return 0, errors.New("sendto: network unreachable")
	}
	f.out = append(f.out, sent{b: append([]byte(nil), b...), to: to})
	return len(b), nil
}

type fakeUpstreams struct {
	sent [2][][]byte
	err  error
}

func (f *fakeUpstreams) Send(role forwarder.Role, b []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent[role] = append(f.sent[role], append([]byte(nil), b...))
	return nil
}

type fakeReporter struct {
	addrs []string
	err   error
}

func (f *fakeReporter) Report(addr string) error {
	if f.err != nil {
		return f.err
	}
	f.addrs = append(f.addrs, addr)
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	e         *engine
	local     *fakeConn
	trusted   *fakeConn
	poisoned  *fakeConn
	upstreams *fakeUpstreams
	reporter  *fakeReporter
	clock     *fakeClock
}

func newHarness(t *testing.T, validity time.Duration, blocked ...string) *harness {
	t.Helper()

	ptr, err := packLoopbackPTR()
	require.NoError(t, err)

	h := &harness{
		local:     &fakeConn{},
		trusted:   &fakeConn{},
		poisoned:  &fakeConn{},
		upstreams: &fakeUpstreams{},
		reporter:  &fakeReporter{},
		clock:     &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.e = &engine{
		local:     h.local,
		upstreams: [2]datagramReader{forwarder.Trusted: h.trusted, forwarder.Poisoned: h.poisoned},
		forward:   h.upstreams,
		blocklist: blocklist.New(blocked...),
		cache:     cache.NewUnbounded(),
		validity:  validity,
		ptr:       ptr,
		reporter:  h.reporter,
		buf:       make([]byte, maxDatagram),
		logger:    testLogger(),
	}
	h.e.now = h.clock.now
	return h
}

// ask queues a client query and drains the listener
func (h *harness) ask(b []byte, from netip.AddrPort) {
	h.local.push(b, from)
	h.e.ready(TokenLocal)
}

// answer queues an upstream reply and drains that socket
func (h *harness) answer(role forwarder.Role, b []byte) {
	if role == forwarder.Trusted {
		h.trusted.push(b, netip.MustParseAddrPort("8.8.8.8:53"))
		h.e.ready(TokenTrusted)
		return
	}
	h.poisoned.push(b, netip.MustParseAddrPort("114.114.114.114:53"))
	h.e.ready(TokenPoisoned)
}

func packQuery(t *testing.T, name string, qtype uint16, id uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.Id = id
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

// packReply builds an upstream answer for name carrying an A or AAAA record per address
func packReply(t *testing.T, name string, id uint16, addrs ...string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	m.Id = id
	m.Response = true
	m.RecursionAvailable = true
	for _, a := range addrs {
		ip := net.ParseIP(a)
		hdr := dns.RR_Header{Name: name, Class: dns.ClassINET, Ttl: 300}
		if ip.To4() != nil {
			hdr.Rrtype = dns.TypeA
			m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: ip})
		} else {
			hdr.Rrtype = dns.TypeAAAA
			m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip})
		}
	}
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}
