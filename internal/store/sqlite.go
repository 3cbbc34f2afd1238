package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	sqlStore
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{sqlStore{db: db}}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// sqliteDSN adds the connection pragmas to dsn. They go in the DSN because
// modernc applies _pragma parameters to every connection the pool opens,
// while PRAGMA statements only reach the connection that ran them.
func sqliteDSN(dsn string) string {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if !strings.Contains(dsn, ":memory:") && !strings.Contains(dsn, "mode=memory") {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}
	return dsn
}

func (s *SQLiteStore) migrate() error {
	return s.runMigrations([]string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			tier TEXT NOT NULL DEFAULT 'free',
			premium INTEGER NOT NULL DEFAULT 0,
			customer_id TEXT NOT NULL DEFAULT '',
			subscription_status TEXT NOT NULL DEFAULT '',
			current_period_end DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id) WHERE external_id <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_users_customer_id ON users(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(LOWER(email))`,
		`CREATE TABLE IF NOT EXISTS chains (
			id TEXT PRIMARY KEY,
			chain_id INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL,
			native_symbol TEXT NOT NULL DEFAULT '',
			explorer_url TEXT NOT NULL DEFAULT '',
			logo_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			chain_id TEXT NOT NULL REFERENCES chains(id) ON DELETE CASCADE,
			address TEXT NOT NULL,
			symbol TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			decimals INTEGER NOT NULL DEFAULT 18,
			logo_url TEXT NOT NULL DEFAULT '',
			coingecko_id TEXT NOT NULL DEFAULT '',
			UNIQUE(chain_id, address)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_symbol ON tokens(symbol)`,
		`CREATE TABLE IF NOT EXISTS token_lists (
			id TEXT PRIMARY KEY,
			slug TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS token_list_items (
			list_id TEXT NOT NULL REFERENCES token_lists(id) ON DELETE CASCADE,
			token_id TEXT NOT NULL REFERENCES tokens(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			PRIMARY KEY (list_id, token_id)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			provider TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (provider, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_received_at ON webhook_events(received_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	})
}
