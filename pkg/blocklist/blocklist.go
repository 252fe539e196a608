// Package blocklist holds the static set of domain suffixes whose names must be
// resolved through the trusted upstream.
package blocklist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/miekg/dns"
)

// ErrEmptyPath is returned by Load when no file was configured
var ErrEmptyPath = errors.New("blocklist path is empty")

// Blocklist is an immutable list of fully-qualified suffixes.
// It is safe for concurrent reads.
type Blocklist struct {
	entries []string
	set     map[string]struct{}
}

// Load reads one domain per line from path
func Load(path string) (*Blocklist, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blocklist: %w", err)
	}
	defer func() { _ = f.Close() }()

	b, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read blocklist %s: %w", path, err)
	}
	return b, nil
}

// Parse reads one domain per line from r. Blank lines are skipped and every
// entry is stored with its trailing dot so matches stop at a label boundary.
func Parse(r io.Reader) (*Blocklist, error) {
	b := &Blocklist{set: make(map[string]struct{})}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		b.add(dns.Fqdn(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

// New builds a blocklist from the given domains
func New(domains ...string) *Blocklist {
	b := &Blocklist{set: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			b.add(dns.Fqdn(d))
		}
	}
	return b
}

func (b *Blocklist) add(entry string) {
	if _, dup := b.set[entry]; dup {
		return
	}
	b.set[entry] = struct{}{}
	b.entries = append(b.entries, entry)
}

// IsBlocked reports whether name equals an entry or ends with ".entry".
// Matching is byte-for-byte; name must be fully qualified.
func (b *Blocklist) IsBlocked(name string) bool {
	if b == nil || len(b.set) == 0 {
		return false
	}
	// Every label start is a candidate suffix, so "notexample.com." never
	// matches "example.com."
	for _, off := range dns.Split(name) {
		if _, ok := b.set[name[off:]]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of distinct entries
func (b *Blocklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Entries returns the entries in file order
func (b *Blocklist) Entries() []string {
	if b == nil {
		return nil
	}
	out := make([]string, len(b.entries))
	copy(out, b.entries)
	return out
}
