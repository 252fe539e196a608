// Package cache holds per-name answer state for the dispatch engine: the
// requesters waiting on an upstream and the last answer received.
//
// Stores are not safe for concurrent use. The engine is their only user.
package cache

import (
	"net/netip"
	"time"
)

// Entry is the state kept for one fully-qualified name
type Entry struct {
	// Requesters waiting for the next upstream reply, in arrival order
	Pending []netip.AddrPort

	// Raw reply datagram, empty until the first reply
	Answer []byte

	// When Answer was last written
	LastUpdate time.Time
}

// Fresh reports whether the cached answer may be replayed at now.
// A zero validity never replays.
func (e *Entry) Fresh(now time.Time, validity time.Duration) bool {
	return len(e.Answer) > 0 && now.Sub(e.LastUpdate) < validity
}

// AddPending records a requester that will receive the next reply
func (e *Entry) AddPending(addr netip.AddrPort) {
	e.Pending = append(e.Pending, addr)
}

// Update stores a copy of answer, clears the pending list and returns the
// requesters that were waiting.
func (e *Entry) Update(answer []byte, now time.Time) []netip.AddrPort {
	pending := e.Pending
	e.Pending = nil
	// answer usually aliases a reused receive buffer
	e.Answer = append(e.Answer[:0:0], answer...)
	e.LastUpdate = now
	return pending
}

// Store maps names to entries. Entries are returned by pointer and are
// modified in place by the caller.
type Store interface {
	// Get returns the entry for name if one exists
	Get(name string) (*Entry, bool)

	// GetOrCreate returns the entry for name, creating an empty one if needed
	GetOrCreate(name string) (entry *Entry, created bool)

	// Len returns the number of tracked names
	Len() int
}

// Unbounded is a Store that never forgets a name
type Unbounded struct {
	entries map[string]*Entry
}

// NewUnbounded creates an empty unbounded store
func NewUnbounded() *Unbounded {
	return &Unbounded{entries: make(map[string]*Entry)}
}

// Get implements Store
func (u *Unbounded) Get(name string) (*Entry, bool) {
	e, ok := u.entries[name]
	return e, ok
}

// GetOrCreate implements Store
func (u *Unbounded) GetOrCreate(name string) (*Entry, bool) {
	if e, ok := u.entries[name]; ok {
		return e, false
	}
	e := &Entry{}
	u.entries[name] = e
	return e, true
}

// Len implements Store
func (u *Unbounded) Len() int {
	return len(u.entries)
}

var _ Store = (*Unbounded)(nil)
