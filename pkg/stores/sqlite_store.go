// Package stores persists runs, contracts, and audit trails in SQLite.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteStore persists engine state in a single SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string        `json:"path" yaml:"path"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a store over the given database path.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SaveRun inserts or replaces a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT OR REPLACE INTO runs (id, graph_id, status, dry_run, started_at, completed_at, error, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.GraphID,
		run.Status,
		run.DryRun,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
		run.Result,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, graph_id, status, dry_run, started_at, completed_at, error, result, created_at
		FROM runs
		WHERE id = ?
	`
	run := &RunRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.GraphID,
		&run.Status,
		&run.DryRun,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Result,
		&run.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	query := `
		SELECT id, graph_id, status, dry_run, started_at, completed_at, error, result, created_at
		FROM runs
		WHERE (? = '' OR graph_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY created_at DESC
	`
	args := []interface{}{filter.GraphID, filter.GraphID, filter.Status, filter.Status}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		if err := rows.Scan(
			&run.ID,
			&run.GraphID,
			&run.Status,
			&run.DryRun,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Error,
			&run.Result,
			&run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveContract inserts or replaces a contract record.
func (s *SQLiteStore) SaveContract(ctx context.Context, c *ContractRecord) error {
	query := `
		INSERT OR REPLACE INTO contracts (id, graph_id, run_id, spec_hash, outcome_hash, content_hash, hash_algorithm, payload, created_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.GraphID,
		c.RunID,
		c.SpecHash,
		c.OutcomeHash,
		c.ContentHash,
		c.HashAlgorithm,
		c.Payload,
		c.CreatedAt,
		c.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

// GetContract retrieves a contract by ID.
func (s *SQLiteStore) GetContract(ctx context.Context, id string) (*ContractRecord, error) {
	query := `
		SELECT id, graph_id, run_id, spec_hash, outcome_hash, content_hash, hash_algorithm, payload, created_at, finalized_at
		FROM contracts
		WHERE id = ?
	`
	c := &ContractRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID,
		&c.GraphID,
		&c.RunID,
		&c.SpecHash,
		&c.OutcomeHash,
		&c.ContentHash,
		&c.HashAlgorithm,
		&c.Payload,
		&c.CreatedAt,
		&c.FinalizedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return c, nil
}

// ListContracts returns contracts for a graph, newest first. An empty
// graphID matches every contract.
func (s *SQLiteStore) ListContracts(ctx context.Context, graphID string) ([]ContractRecord, error) {
	query := `
		SELECT id, graph_id, run_id, spec_hash, outcome_hash, content_hash, hash_algorithm, payload, created_at, finalized_at
		FROM contracts
		WHERE (? = '' OR graph_id = ?)
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, graphID, graphID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	defer rows.Close()

	var contracts []ContractRecord
	for rows.Next() {
		var c ContractRecord
		if err := rows.Scan(
			&c.ID,
			&c.GraphID,
			&c.RunID,
			&c.SpecHash,
			&c.OutcomeHash,
			&c.ContentHash,
			&c.HashAlgorithm,
			&c.Payload,
			&c.CreatedAt,
			&c.FinalizedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

// AppendAuditEvents stores a run's audit events in one transaction.
func (s *SQLiteStore) AppendAuditEvents(ctx context.Context, events []AuditEventRecord) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO audit_events (id, run_id, seq, event_type, step_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for i := range events {
		ev := &events[i]
		if _, err := tx.ExecContext(ctx, query,
			ev.ID,
			ev.RunID,
			ev.Seq,
			ev.EventType,
			ev.StepID,
			ev.Details,
			ev.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
	}
	return tx.Commit()
}

// ListAuditEvents returns a run's audit events in emission order.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, runID string) ([]AuditEventRecord, error) {
	query := `
		SELECT id, run_id, seq, event_type, step_id, details, timestamp
		FROM audit_events
		WHERE run_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEventRecord
	for rows.Next() {
		var ev AuditEventRecord
		if err := rows.Scan(
			&ev.ID,
			&ev.RunID,
			&ev.Seq,
			&ev.EventType,
			&ev.StepID,
			&ev.Details,
			&ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
