package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	sqlStore
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{sqlStore{db: db, dollarPH: true}}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	return s.runMigrations([]string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			tier TEXT NOT NULL DEFAULT 'free',
			premium BOOLEAN NOT NULL DEFAULT FALSE,
			customer_id TEXT NOT NULL DEFAULT '',
			subscription_status TEXT NOT NULL DEFAULT '',
			current_period_end TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id) WHERE external_id <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_users_customer_id ON users(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(LOWER(email))`,
		`CREATE TABLE IF NOT EXISTS chains (
			id TEXT PRIMARY KEY,
			chain_id BIGINT NOT NULL DEFAULT 0,
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
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (provider, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_received_at ON webhook_events(received_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	})
}
