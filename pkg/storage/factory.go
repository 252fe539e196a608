package storage

import (
	"context"
	"fmt"
)

// New opens the SQLite ledger, or returns a no-op ledger when cfg.Path is empty
func New(cfg *Config, metrics MetricsRecorder) (Ledger, error) {
	if cfg == nil || cfg.Path == "" {
		return NewNoOpLedger(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ledger, err := NewSQLiteLedger(cfg, metrics)
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

// NoOpLedger discards everything. Used when no ledger path is configured.
type NoOpLedger struct{}

// NewNoOpLedger creates a new no-op ledger
func NewNoOpLedger() *NoOpLedger {
	return &NoOpLedger{}
}

// RecordRoute does nothing
func (n *NoOpLedger) RecordRoute(context.Context, RouteRecord) error {
	return nil
}

// GetRoutes returns an empty slice
func (n *NoOpLedger) GetRoutes(context.Context, int) ([]*Route, error) {
	return []*Route{}, nil
}

// Close does nothing
func (n *NoOpLedger) Close() error {
	return nil
}
