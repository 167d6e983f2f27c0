// Package store persists catalog items, the price history ledger, the
// approval queue and run locks in SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// Store is the single persistence handle shared by the orchestrator and
// the approval service.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var schema string
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
		schema = sqliteSchema
	case DriverPostgres:
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time; transactions serialize on this connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, driver: driver}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS catalog_items (
	id                          INTEGER PRIMARY KEY AUTOINCREMENT,
	title                       TEXT NOT NULL,
	url                         TEXT NOT NULL UNIQUE,
	current_price               TEXT NOT NULL DEFAULT '0',
	price_status                TEXT NOT NULL DEFAULT 'active',
	last_checked_at             DATETIME,
	last_successful_fetch_at    DATETIME,
	consecutive_failed_attempts INTEGER NOT NULL DEFAULT 0,
	requires_approval           BOOLEAN NOT NULL DEFAULT 0,
	last_fetch_note             TEXT NOT NULL DEFAULT '',
	created_at                  DATETIME NOT NULL,
	updated_at                  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_catalog_items_checked ON catalog_items(last_checked_at);

CREATE TABLE IF NOT EXISTS price_history (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id        INTEGER NOT NULL REFERENCES catalog_items(id),
	old_price      TEXT NOT NULL,
	new_price      TEXT NOT NULL,
	delta          TEXT NOT NULL,
	percent_change TEXT,
	source         TEXT NOT NULL,
	recorded_at    DATETIME NOT NULL,
	notes          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_price_history_item ON price_history(item_id, recorded_at);

CREATE TABLE IF NOT EXISTS pending_price_changes (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id          INTEGER NOT NULL REFERENCES catalog_items(id),
	old_price        TEXT NOT NULL,
	new_price        TEXT NOT NULL,
	percent_change   TEXT NOT NULL,
	reason_code      TEXT NOT NULL,
	validation_layer TEXT NOT NULL,
	details          TEXT NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL DEFAULT 'pending',
	flagged_at       DATETIME NOT NULL,
	reviewed_at      DATETIME,
	reviewed_by      TEXT NOT NULL DEFAULT '',
	admin_notes      TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_open_item ON pending_price_changes(item_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_price_changes(status, flagged_at);

CREATE TABLE IF NOT EXISTS run_locks (
	name             TEXT PRIMARY KEY,
	owner            TEXT NOT NULL,
	acquired_at_unix INTEGER NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS catalog_items (
	id                          BIGSERIAL PRIMARY KEY,
	title                       TEXT NOT NULL,
	url                         TEXT NOT NULL UNIQUE,
	current_price               NUMERIC(12,2) NOT NULL DEFAULT 0,
	price_status                TEXT NOT NULL DEFAULT 'active',
	last_checked_at             TIMESTAMPTZ,
	last_successful_fetch_at    TIMESTAMPTZ,
	consecutive_failed_attempts INTEGER NOT NULL DEFAULT 0,
	requires_approval           BOOLEAN NOT NULL DEFAULT FALSE,
	last_fetch_note             TEXT NOT NULL DEFAULT '',
	created_at                  TIMESTAMPTZ NOT NULL,
	updated_at                  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_catalog_items_checked ON catalog_items(last_checked_at);

CREATE TABLE IF NOT EXISTS price_history (
	id             BIGSERIAL PRIMARY KEY,
	item_id        BIGINT NOT NULL REFERENCES catalog_items(id),
	old_price      NUMERIC(12,2) NOT NULL,
	new_price      NUMERIC(12,2) NOT NULL,
	delta          NUMERIC(12,2) NOT NULL,
	percent_change NUMERIC(12,2),
	source         TEXT NOT NULL,
	recorded_at    TIMESTAMPTZ NOT NULL,
	notes          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_price_history_item ON price_history(item_id, recorded_at);

CREATE TABLE IF NOT EXISTS pending_price_changes (
	id               BIGSERIAL PRIMARY KEY,
	item_id          BIGINT NOT NULL REFERENCES catalog_items(id),
	old_price        NUMERIC(12,2) NOT NULL,
	new_price        NUMERIC(12,2) NOT NULL,
	percent_change   NUMERIC(12,2) NOT NULL,
	reason_code      TEXT NOT NULL,
	validation_layer TEXT NOT NULL,
	details          JSONB NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL DEFAULT 'pending',
	flagged_at       TIMESTAMPTZ NOT NULL,
	reviewed_at      TIMESTAMPTZ,
	reviewed_by      TEXT NOT NULL DEFAULT '',
	admin_notes      TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_open_item ON pending_price_changes(item_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_price_changes(status, flagged_at);

CREATE TABLE IF NOT EXISTS run_locks (
	name             TEXT PRIMARY KEY,
	owner            TEXT NOT NULL,
	acquired_at_unix BIGINT NOT NULL
);
`
