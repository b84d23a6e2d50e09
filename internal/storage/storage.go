// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the settlement engine.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "pmm.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- =========================================================================
	-- Trades (settlement state machine records)
	-- =========================================================================

	-- One row per trade the router committed us to. Superseding re-quotes
	-- delete and recreate the row under the same trade_id.
	CREATE TABLE IF NOT EXISTS trades (
		trade_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'COMMITTED',

		from_token_id TEXT NOT NULL,
		to_token_id TEXT NOT NULL,
		from_user TEXT NOT NULL,
		to_user TEXT NOT NULL,
		amount TEXT NOT NULL,

		-- Unix seconds. trade_deadline is the router's settlement deadline;
		-- commitment_deadline is the window our signed commitment covers.
		trade_deadline INTEGER NOT NULL,
		commitment_deadline INTEGER NOT NULL DEFAULT 0,
		script_deadline INTEGER DEFAULT 0,

		trade_type TEXT NOT NULL DEFAULT 'SWAP',
		is_liquid INTEGER NOT NULL DEFAULT 0,

		-- Decimal string amounts
		commitment_quote TEXT,
		settlement_quote TEXT,

		-- Opaque JSON (e.g. liquidation payment metadata)
		metadata TEXT,

		payment_tx_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	CREATE INDEX IF NOT EXISTS idx_trades_deadline ON trades(trade_deadline);
	CREATE INDEX IF NOT EXISTS idx_trades_completed ON trades(completed_at);

	-- =========================================================================
	-- Rebalances (inventory conversion records)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS rebalances (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'PENDING',

		from_network TEXT NOT NULL,
		to_network TEXT NOT NULL,
		amount_sats INTEGER NOT NULL,
		-- Sendable portion of amount_sats after the drain-fee reserve
		real_amount INTEGER NOT NULL DEFAULT 0,

		-- Aggregator quote and the prices it was judged against
		quote_id TEXT,
		quote_amount TEXT,
		actual_amount TEXT,
		deposit_address TEXT,
		oracle_price TEXT,
		quote_price TEXT,
		slippage_bps INTEGER,

		deposit_tx_id TEXT,

		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER,
		trade_completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_rebalances_status ON rebalances(status);
	CREATE INDEX IF NOT EXISTS idx_rebalances_created ON rebalances(created_at);

	-- =========================================================================
	-- Job queue (durable at-least-once work items with retry)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT UNIQUE NOT NULL,          -- deduplication key
		queue TEXT NOT NULL,                  -- handler routing
		payload BLOB NOT NULL,                -- full job JSON

		-- Retry tracking
		created_at INTEGER NOT NULL,
		retry_count INTEGER DEFAULT 0,
		last_attempt_at INTEGER,
		run_at INTEGER NOT NULL,              -- not dispatched before this

		-- Delivery status
		status TEXT DEFAULT 'pending',        -- pending, running, done, failed
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs(status, run_at)
		WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(queue, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_job_id ON jobs(job_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
