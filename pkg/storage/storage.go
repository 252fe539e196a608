// Package storage persists the addresses handed to the route installer.
package storage

import (
	"context"
	"fmt"
	"time"
)

// Ledger records reported route addresses.
// Implementations must be safe for concurrent use.
type Ledger interface {
	// RecordRoute queues rec for writing and never blocks on the database
	RecordRoute(ctx context.Context, rec RouteRecord) error
	// GetRoutes returns up to limit routes, most recently seen first
	GetRoutes(ctx context.Context, limit int) ([]*Route, error)
	Close() error
}

// RouteRecord is one report of an address
type RouteRecord struct {
	Timestamp time.Time
	Address   string
	Installed bool
}

// Route is the aggregated ledger row for an address
type Route struct {
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Address   string    `json:"address"`
	Hits      int64     `json:"hits"`
	Installed bool      `json:"installed"`
}

// Config holds ledger settings
type Config struct {
	Path          string        // database file; empty disables the ledger
	BufferSize    int           // records queued between flushes
	BatchSize     int           // records per transaction
	FlushInterval time.Duration // max time a record waits in the buffer
	BusyTimeout   int           // milliseconds
	WALMode       bool
}

// DefaultConfig returns ledger defaults for path
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		BufferSize:    1000,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		BusyTimeout:   5000,
		WALMode:       true,
	}
}

// Validate checks the buffer and batch settings
func (c *Config) Validate() error {
	if c.BufferSize < 1 {
		return fmt.Errorf("%w: buffer size must be positive", ErrInvalidConfig)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("%w: flush interval must be positive", ErrInvalidConfig)
	}
	return nil
}
