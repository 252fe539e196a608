package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// MetricsRecorder defines the interface for recording storage metrics
// This interface breaks the import cycle between storage and telemetry packages
type MetricsRecorder interface {
	AddDroppedRoute(ctx context.Context, count int64)
}

// SQLiteLedger implements Ledger using SQLite
type SQLiteLedger struct {
	db            *sql.DB
	cfg           *Config
	metrics       MetricsRecorder
	buffer        chan RouteRecord
	stmtUpsert    *sql.Stmt
	stmtGetRoutes *sql.Stmt
	wg            sync.WaitGroup
	mu            sync.RWMutex
	closed        bool
}

// NewSQLiteLedger opens (creating if needed) the ledger database and starts its flush worker
func NewSQLiteLedger(cfg *Config, metrics MetricsRecorder) (*SQLiteLedger, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, ErrInvalidConfig
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtUpsert, err := db.Prepare(`
		INSERT INTO routes (address, first_seen, last_seen, hits, installed)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(address) DO UPDATE SET
			last_seen = MAX(last_seen, excluded.last_seen),
			hits = hits + 1,
			installed = MAX(installed, excluded.installed)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	stmtGetRoutes, err := db.Prepare(`
		SELECT address, first_seen, last_seen, hits, installed
		FROM routes
		ORDER BY last_seen DESC, address
		LIMIT ?
	`)
	if err != nil {
		_ = stmtUpsert.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare select statement: %w", err)
	}

	ledger := &SQLiteLedger{
		db:            db,
		cfg:           cfg,
		metrics:       metrics,
		buffer:        make(chan RouteRecord, cfg.BufferSize),
		stmtUpsert:    stmtUpsert,
		stmtGetRoutes: stmtGetRoutes,
	}

	ledger.wg.Add(1)
	go ledger.flushWorker()

	return ledger, nil
}

// RecordRoute queues a route report (async, buffered)
func (s *SQLiteLedger) RecordRoute(ctx context.Context, rec RouteRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	select {
	case s.buffer <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedRoute(ctx, 1)
		}
		return ErrBufferFull
	}
}

// flushWorker batches buffered records into transactions. It flushes when a
// batch fills up or FlushInterval elapses, and drains the buffer once it is closed.
func (s *SQLiteLedger) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]RouteRecord, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}

		if err := s.flushBatch(batch); err != nil {
			slog.Default().Error("Failed to flush route batch",
				"error", err,
				"batch_size", len(batch),
			)
		}

		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}

			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch upserts a batch of records in a single transaction
func (s *SQLiteLedger) flushBatch(records []RouteRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(s.stmtUpsert)
	for _, rec := range records {
		ts := rec.Timestamp.UnixNano()
		if _, err := stmt.Exec(rec.Address, ts, ts, rec.Installed); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// GetRoutes returns up to limit routes, most recently seen first
func (s *SQLiteLedger) GetRoutes(ctx context.Context, limit int) ([]*Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.stmtGetRoutes.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	routes := make([]*Route, 0)
	for rows.Next() {
		var (
			r           Route
			first, last int64
		)
		if err := rows.Scan(&r.Address, &first, &last, &r.Hits, &r.Installed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		r.FirstSeen = time.Unix(0, first)
		r.LastSeen = time.Unix(0, last)
		routes = append(routes, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return routes, nil
}

// Close flushes buffered records and closes the database
func (s *SQLiteLedger) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.buffer)
	s.mu.Unlock()

	s.wg.Wait()

	_ = s.stmtUpsert.Close()
	_ = s.stmtGetRoutes.Close()

	return s.db.Close()
}
