package cache

import (
	"fmt"

	"github.com/bluele/gcache"
)

// LRU is a Store holding at most size names. Evicting a name also forgets
// its pending requesters, so a late reply for it is dropped as unmatched.
type LRU struct {
	c gcache.Cache
}

// NewLRU creates a bounded store. onEvict, if set, is called with each evicted name.
func NewLRU(size int, onEvict func(name string)) (*LRU, error) {
	if size <= 0 {
		return nil, fmt.Errorf("lru size must be positive, got %d", size)
	}

	b := gcache.New(size).LRU()
	if onEvict != nil {
		b = b.EvictedFunc(func(key, _ interface{}) {
			if name, ok := key.(string); ok {
				onEvict(name)
			}
		})
	}
	return &LRU{c: b.Build()}, nil
}

// Get implements Store
func (l *LRU) Get(name string) (*Entry, bool) {
	v, err := l.c.Get(name)
	if err != nil {
		return nil, false
	}
	e, ok := v.(*Entry)
	return e, ok
}

// GetOrCreate implements Store
func (l *LRU) GetOrCreate(name string) (*Entry, bool) {
	if e, ok := l.Get(name); ok {
		return e, false
	}
	e := &Entry{}
	// Set only fails for a cache with a loader or serializer; this one has neither
	_ = l.c.Set(name, e)
	return e, true
}

// Len implements Store
func (l *LRU) Len() int {
	return l.c.Len(false)
}

var _ Store = (*LRU)(nil)

// New returns an unbounded store when maxEntries is 0, otherwise an LRU
func New(maxEntries int, onEvict func(name string)) (Store, error) {
	if maxEntries == 0 {
		return NewUnbounded(), nil
	}
	lru, err := NewLRU(maxEntries, onEvict)
	if err != nil {
		return nil, err
	}
	return lru, nil
}
