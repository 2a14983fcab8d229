/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Embedded database for single-node deployments and local runs. Queries
  are shared with the PostgreSQL driver through store/sqlstore; this
  package owns the connection and the schema.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on checkpoints, checkpoint_lines, unit_transitions
  - No DELETE statements anywhere
  - Corrections via reversal checkpoints only

INDEXES:
  - idx_checkpoints_doctor_created: Latest checkpoint (hot path)
  - idx_units_doctor_kind_status: Sammel claim and doctor sweep
  - idx_units_claimed_at: Stale claim sweep
  - invoices.number UNIQUE: Backstop against number reuse

CONCURRENCY:
  Writes are serialized with a sync.RWMutex and transactions begin
  IMMEDIATE, so a claim never races another writer.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). PostgreSQL uses versioned goose
  migrations instead.

SEE ALSO:
  - billing/store.go: Interface definitions
  - store/sqlstore: Query implementation
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/sammel-billing/store/sqlstore"
)

// Store implements billing.Store using SQLite.
type Store struct {
	*sqlstore.Store
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{Store: sqlstore.New(db, sqlstore.SQLite), db: db}
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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Billing units (one mutable row per unit)
	CREATE TABLE IF NOT EXISTS billing_units (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		doctor_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		elaboration_in_progress INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT,
		claimed_at TEXT,
		generation INTEGER NOT NULL DEFAULT 1,
		invoice_id TEXT,
		amount TEXT NOT NULL,
		materials_json TEXT NOT NULL,
		created_at TEXT,
		updated_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_units_doctor_kind_status
		ON billing_units(doctor_id, kind, status);
	CREATE INDEX IF NOT EXISTS idx_units_claimed_at
		ON billing_units(claimed_at) WHERE elaboration_in_progress = 1;

	-- Checkpoints (append-only ledger)
	CREATE TABLE IF NOT EXISTS checkpoints (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		doctor_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		invoice_id TEXT,
		reverses_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_doctor_created
		ON checkpoints(doctor_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS checkpoint_lines (
		checkpoint_id TEXT NOT NULL REFERENCES checkpoints(id),
		item_code TEXT NOT NULL,
		rounding_factor TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		total_amount_with_previous TEXT NOT NULL,
		billing_amount TEXT NOT NULL,
		used_amount TEXT NOT NULL,
		remainder TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (checkpoint_id, item_code)
	);

	-- A usage record is incorporated at most once per doctor
	CREATE TABLE IF NOT EXISTS checkpoint_sources (
		doctor_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL REFERENCES checkpoints(id),
		PRIMARY KEY (doctor_id, source_id)
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoint_sources_checkpoint
		ON checkpoint_sources(checkpoint_id);

	-- Invoices and credit notes
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		year INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		doctor_id TEXT,
		bill_obj_refs_json TEXT NOT NULL,
		sammel_checkpoint_ref TEXT,
		original_invoice_id TEXT,
		lines_json TEXT NOT NULL,
		net TEXT NOT NULL,
		tax TEXT NOT NULL,
		total TEXT NOT NULL,
		currency TEXT NOT NULL,
		due_date TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoice_sequences (
		year INTEGER PRIMARY KEY,
		last_seq INTEGER NOT NULL
	);

	-- Generation jobs
	CREATE TABLE IF NOT EXISTS generation_requests (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		doctor_id TEXT,
		unit_ids_json TEXT NOT NULL,
		original_invoice_id TEXT,
		status TEXT NOT NULL,
		invoice_id TEXT,
		checkpoint_id TEXT,
		error TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT,
		updated_at TEXT
	);

	-- Unit status audit (append-only)
	CREATE TABLE IF NOT EXISTS unit_transitions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		unit_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		invoice_id TEXT,
		request_id TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_unit_transitions_unit
		ON unit_transitions(unit_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}
