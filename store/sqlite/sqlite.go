/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence contract of the billing engine using
  SQLite. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  ledger.TxStore:       Allocations, water bills, payments (transactional)
  ledger.RunStore:      Billing run audit trail
  ledger.SettingsStore: Billing day, paybill, company name
  notify.Queue:         Outbound message queue with atomic claiming
  billing.RunLocker:    Persistent billing run lock

KEY TABLES:
  tenant_allocations: Leases; at most one active row per (tenant, unit)
  water_bills:        One row per (tenant, unit, month), upserted
  payments:           Immutable receipts plus carry-forward rows
  sms_queue:          Outbound messages and their delivery state
  billing_runs:       Append-only run audit trail
  billing_run_lock:   Single row holding the current run lease
  settings:           Key/value operator settings

MONEY:
  Amounts are stored as decimal strings and summed in Go with
  shopspring/decimal. SQL SUM() would coerce them to floating point.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so string comparison and
  ORDER BY match chronological order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety inside the process. Transactions are
  opened with BEGIN IMMEDIATE, so two processes sharing the file serialise
  on the write lock; queue claims and the run lock use conditional
  UPDATEs checked through RowsAffected.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - notify/queue.go: Queue contract and item lifecycle
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/rent-billing/ledger"
)

// timeLayout is fixed width so that lexical order is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Leases
	CREATE TABLE IF NOT EXISTS tenant_allocations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		tenant_name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		unit_name TEXT NOT NULL DEFAULT '',
		monthly_rent TEXT NOT NULL,
		arrears_balance TEXT NOT NULL DEFAULT '0',
		lease_start TEXT NOT NULL,
		lease_end TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- At most one active lease per tenant and unit
	CREATE UNIQUE INDEX IF NOT EXISTS idx_allocations_active
		ON tenant_allocations(tenant_id, unit_id) WHERE active = 1;

	-- Metered water charges
	CREATE TABLE IF NOT EXISTS water_bills (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		month TEXT NOT NULL,
		amount TEXT NOT NULL,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(tenant_id, unit_id, month)
	);

	-- Payments (immutable except status)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		month TEXT NOT NULL,
		status TEXT NOT NULL,
		to_rent TEXT NOT NULL DEFAULT '0',
		to_water TEXT NOT NULL DEFAULT '0',
		to_arrears TEXT NOT NULL DEFAULT '0',
		to_advance TEXT NOT NULL DEFAULT '0',
		is_advance INTEGER NOT NULL DEFAULT 0,
		original_payment_id TEXT REFERENCES payments(id),
		receipt_ref TEXT,
		method TEXT,
		paid_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Paid-to-date and advance credit lookups (hot path)
	CREATE INDEX IF NOT EXISTS idx_payments_tenant_unit_month
		ON payments(tenant_id, unit_id, month);
	CREATE INDEX IF NOT EXISTS idx_payments_original
		ON payments(original_payment_id) WHERE original_payment_id IS NOT NULL;

	-- Outbound message queue
	CREATE TABLE IF NOT EXISTS sms_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		recipient TEXT NOT NULL,
		body TEXT NOT NULL,
		message_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		next_attempt_at TEXT,
		error TEXT,
		billing_month TEXT,
		tenant_id TEXT,
		dedupe_key TEXT UNIQUE,
		provider_message_id TEXT,
		claimed_by TEXT,
		claimed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sms_queue_status_created
		ON sms_queue(status, created_at, seq);

	-- Billing runs (append-only)
	CREATE TABLE IF NOT EXISTS billing_runs (
		id TEXT PRIMARY KEY,
		month TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		status TEXT NOT NULL,
		total_tenants INTEGER NOT NULL DEFAULT 0,
		bills_sent INTEGER NOT NULL DEFAULT 0,
		bills_failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		details_json TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_billing_runs_completed
		ON billing_runs(status, completed_at DESC);

	-- Run lease: a single row, taken with a conditional UPDATE
	CREATE TABLE IF NOT EXISTS billing_run_lock (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		holder TEXT,
		acquired_at TEXT,
		expires_at TEXT
	);
	INSERT OR IGNORE INTO billing_run_lock (id) VALUES (1);

	-- Operator settings
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. Reads made
// through the ledger.Store passed to fn see the transaction's own writes.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs the ledger queries on an open transaction. The parent
// lock is already held.
type txStore struct {
	queries
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"payments", "water_bills", "tenant_allocations", "sms_queue", "billing_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `UPDATE billing_run_lock SET holder = NULL, acquired_at = NULL, expires_at = NULL`)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid stored amount %q: %w", s, err)
	}
	return d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
