package dns

import (
	"github.com/miekg/dns"
)

const (
	loopbackPTRName = "1.0.0.127.in-addr.arpa."
	loopbackPTRTTL  = 20567
)

// isLoopbackPTR reports whether q is the reverse lookup of 127.0.0.1
func isLoopbackPTR(q dns.Question) bool {
	return q.Qtype == dns.TypePTR && q.Name == loopbackPTRName
}

// packLoopbackPTR builds the fixed answer for isLoopbackPTR queries.
// It is sent as is, so its ID is always 1.
func packLoopbackPTR() ([]byte, error) {
	m := new(dns.Msg)
	m.Id = 1
	m.Response = true
	m.Opcode = dns.OpcodeQuery
	m.RecursionDesired = true
	m.RecursionAvailable = true
	m.Rcode = dns.RcodeSuccess
	m.Question = []dns.Question{{
		Name:   loopbackPTRName,
		Qtype:  dns.TypePTR,
		Qclass: dns.ClassINET,
	}}
	m.Answer = []dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{
			Name:   loopbackPTRName,
			Rrtype: dns.TypePTR,
			Class:  dns.ClassINET,
			Ttl:    loopbackPTRTTL,
		},
		Ptr: "localhost.",
	}}
	return m.Pack()
}
