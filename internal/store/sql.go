package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with "?" placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	dollarPH bool // rewrite ? to $n
}

func (s *sqlStore) q(query string) string {
	if !s.dollarPH {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) runMigrations(migrations []string) error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

// --- Users ---

const userColumns = `id, external_id, email, username, password_hash, role, tier, premium,
	customer_id, subscription_status, current_period_end, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var periodEnd sql.NullTime
	err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.Tier, &u.Premium,
		&u.CustomerID, &u.SubscriptionStatus, &periodEnd, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		u.CurrentPeriodEnd = &t
	}
	return &u, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (s *sqlStore) CreateUser(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if user.Role == "" {
		user.Role = "user"
	}
	if user.Tier == "" {
		user.Tier = "free"
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		user.ID, user.ExternalID, user.Email, user.Username, user.PasswordHash, user.Role, user.Tier, user.Premium,
		user.CustomerID, user.SubscriptionStatus, nullTime(user.CurrentPeriodEnd), user.CreatedAt.UTC(), user.UpdatedAt,
	)
	return err
}

func (s *sqlStore) getUserWhere(ctx context.Context, where string, arg any) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		s.q("SELECT "+userColumns+" FROM users WHERE "+where+" LIMIT 1"), arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *sqlStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUserWhere(ctx, "id = ?", id)
}

func (s *sqlStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	if externalID == "" {
		return nil, nil
	}
	return s.getUserWhere(ctx, "external_id = ?", externalID)
}

func (s *sqlStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUserWhere(ctx, "username = ?", username)
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	if email == "" {
		return nil, nil
	}
	return s.getUserWhere(ctx, "LOWER(email) = ?", strings.ToLower(email))
}

func (s *sqlStore) GetUserByCustomerID(ctx context.Context, customerID string) (*User, error) {
	if customerID == "" {
		return nil, nil
	}
	return s.getUserWhere(ctx, "customer_id = ?", customerID)
}

func (s *sqlStore) UpdateUserProfile(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(
		"UPDATE users SET email = ?, username = ?, role = ?, updated_at = ? WHERE id = ?"),
		user.Email, user.Username, user.Role, user.UpdatedAt, user.ID,
	)
	return err
}

func (s *sqlStore) UpdateUserBilling(ctx context.Context, userID string, state BillingState) error {
	if state.Tier == "" {
		state.Tier = "free"
	}
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET customer_id = ?, tier = ?, premium = ?,
		subscription_status = ?, current_period_end = ?, updated_at = ? WHERE id = ?`),
		state.CustomerID, state.Tier, state.Premium, state.SubscriptionStatus,
		nullTime(state.CurrentPeriodEnd), time.Now().UTC(), userID,
	)
	return err
}

func (s *sqlStore) DeleteUserByExternalID(ctx context.Context, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	result, err := s.db.ExecContext(ctx, s.q("DELETE FROM users WHERE external_id = ?"), externalID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s *sqlStore) listUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *sqlStore) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listUsers(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY created_at LIMIT ? OFFSET ?", limit, offset)
}

// ListBillableUsers returns every user that has a payment customer attached.
func (s *sqlStore) ListBillableUsers(ctx context.Context) ([]User, error) {
	return s.listUsers(ctx,
		"SELECT "+userColumns+" FROM users WHERE customer_id <> '' ORDER BY created_at")
}

// --- Catalog ---

func (s *sqlStore) UpsertChain(ctx context.Context, c *Chain) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO chains (id, chain_id, name, native_symbol, explorer_url, logo_url)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  chain_id = excluded.chain_id,
		  name = excluded.name,
		  native_symbol = excluded.native_symbol,
		  explorer_url = excluded.explorer_url,
		  logo_url = excluded.logo_url`),
		c.ID, c.ChainID, c.Name, c.NativeSymbol, c.ExplorerURL, c.LogoURL,
	)
	return err
}

func (s *sqlStore) GetChain(ctx context.Context, id string) (*Chain, error) {
	var c Chain
	err := s.db.QueryRowContext(ctx, s.q(
		"SELECT id, chain_id, name, native_symbol, explorer_url, logo_url FROM chains WHERE id = ?"), id,
	).Scan(&c.ID, &c.ChainID, &c.Name, &c.NativeSymbol, &c.ExplorerURL, &c.LogoURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqlStore) ListChains(ctx context.Context) ([]Chain, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, chain_id, name, native_symbol, explorer_url, logo_url FROM chains ORDER BY chain_id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chains []Chain
	for rows.Next() {
		var c Chain
		if err := rows.Scan(&c.ID, &c.ChainID, &c.Name, &c.NativeSymbol, &c.ExplorerURL, &c.LogoURL); err != nil {
			return nil, err
		}
		chains = append(chains, c)
	}
	return chains, rows.Err()
}

// UpsertToken writes a token keyed by (chain, address). The address is
// stored lowercased and the id is recomputed from it.
func (s *sqlStore) UpsertToken(ctx context.Context, t *Token) error {
	t.Address = strings.ToLower(t.Address)
	t.ID = TokenID(t.ChainID, t.Address)
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO tokens (id, chain_id, address, symbol, name, decimals, logo_url, coingecko_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  symbol = excluded.symbol,
		  name = excluded.name,
		  decimals = excluded.decimals,
		  logo_url = excluded.logo_url,
		  coingecko_id = excluded.coingecko_id`),
		t.ID, t.ChainID, t.Address, t.Symbol, t.Name, t.Decimals, t.LogoURL, t.CoingeckoID,
	)
	return err
}

const tokenColumns = "t.id, t.chain_id, t.address, t.symbol, t.name, t.decimals, t.logo_url, t.coingecko_id"

func scanToken(row rowScanner) (*Token, error) {
	var t Token
	if err := row.Scan(&t.ID, &t.ChainID, &t.Address, &t.Symbol, &t.Name, &t.Decimals, &t.LogoURL, &t.CoingeckoID); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqlStore) GetToken(ctx context.Context, id string) (*Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, s.q("SELECT "+tokenColumns+" FROM tokens t WHERE t.id = ?"), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *sqlStore) ListTokens(ctx context.Context, filter TokenFilter) ([]Token, error) {
	query := "SELECT " + tokenColumns + " FROM tokens t"
	var args []any
	order := " ORDER BY t.chain_id, t.symbol"

	if filter.List != "" {
		query += ` JOIN token_list_items li ON li.token_id = t.id
		           JOIN token_lists l ON l.id = li.list_id AND l.slug = ?`
		args = append(args, filter.List)
		order = " ORDER BY li.position"
	}
	query += " WHERE 1=1"
	if filter.Chain != "" {
		query += " AND t.chain_id = ?"
		args = append(args, filter.Chain)
	}
	if filter.Query != "" {
		like := "%" + strings.ToLower(filter.Query) + "%"
		query += " AND (LOWER(t.symbol) LIKE ? OR LOWER(t.name) LIKE ? OR t.address LIKE ?)"
		args = append(args, like, like, like)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += order + " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tokens := []Token{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

func (s *sqlStore) UpsertTokenList(ctx context.Context, l *TokenList) error {
	l.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO token_lists (id, slug, name, description, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
		  name = excluded.name,
		  description = excluded.description,
		  updated_at = excluded.updated_at`),
		l.ID, l.Slug, l.Name, l.Description, l.UpdatedAt,
	)
	if err != nil {
		return err
	}
	// The row may predate this call with a different id.
	return s.db.QueryRowContext(ctx, s.q("SELECT id FROM token_lists WHERE slug = ?"), l.Slug).Scan(&l.ID)
}

func (s *sqlStore) GetTokenList(ctx context.Context, slug string) (*TokenList, error) {
	var l TokenList
	err := s.db.QueryRowContext(ctx, s.q(
		"SELECT id, slug, name, description, updated_at FROM token_lists WHERE slug = ?"), slug,
	).Scan(&l.ID, &l.Slug, &l.Name, &l.Description, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tokens, err := s.ListTokens(ctx, TokenFilter{List: slug, Limit: 10000})
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	l.Tokens = tokens
	return &l, nil
}

func (s *sqlStore) ListTokenLists(ctx context.Context) ([]TokenList, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, slug, name, description, updated_at FROM token_lists ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var lists []TokenList
	for rows.Next() {
		var l TokenList
		if err := rows.Scan(&l.ID, &l.Slug, &l.Name, &l.Description, &l.UpdatedAt); err != nil {
			return nil, err
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

// SetTokenListItems replaces a list's contents with tokenIDs in order.
func (s *sqlStore) SetTokenListItems(ctx context.Context, listID string, tokenIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM token_list_items WHERE list_id = ?"), listID); err != nil {
		return err
	}
	for i, id := range tokenIDs {
		if _, err := tx.ExecContext(ctx, s.q(
			"INSERT INTO token_list_items (list_id, token_id, position) VALUES (?, ?, ?)"),
			listID, id, i,
		); err != nil {
			return fmt.Errorf("add %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.q("UPDATE token_lists SET updated_at = ? WHERE id = ?"),
		time.Now().UTC(), listID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Webhook deduplication ---

// RecordWebhookEvent stores a delivery id and reports whether it is the
// first time this (provider, eventID) pair has been seen.
func (s *sqlStore) RecordWebhookEvent(ctx context.Context, provider, eventID, eventType string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(`INSERT INTO webhook_events (provider, event_id, event_type, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider, event_id) DO NOTHING`),
		provider, eventID, eventType, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *sqlStore) DeleteWebhookEvent(ctx context.Context, provider, eventID string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		"DELETE FROM webhook_events WHERE provider = ? AND event_id = ?"), provider, eventID)
	return err
}

// --- Audit ---

func (s *sqlStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		"INSERT INTO audit_events (id, action, user_id, detail, created_at) VALUES (?, ?, ?, ?, ?)"),
		event.ID, event.Action, event.UserID, detail, event.CreatedAt.UTC(),
	)
	return err
}

func (s *sqlStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := "SELECT id, action, user_id, detail, created_at FROM audit_events WHERE 1=1"
	var args []any

	if filter.Action != "" {
		query += " AND action LIKE ?"
		args = append(args, filter.Action+"%")
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Data Retention ---

func (s *sqlStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q("DELETE FROM audit_events WHERE created_at < ?"), before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *sqlStore) PurgeOldWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q("DELETE FROM webhook_events WHERE received_at < ?"), before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
