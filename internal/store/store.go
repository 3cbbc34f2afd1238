// Package store defines the persistence interface for Tradeboard and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Store is the persistence interface for accounts, the token catalog,
// webhook deduplication and the audit log.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (*User, error)
	UpdateUserProfile(ctx context.Context, user *User) error
	UpdateUserBilling(ctx context.Context, userID string, state BillingState) error
	DeleteUserByExternalID(ctx context.Context, externalID string) (bool, error)
	ListUsers(ctx context.Context, limit, offset int) ([]User, error)
	ListBillableUsers(ctx context.Context) ([]User, error)

	// Catalog
	UpsertChain(ctx context.Context, chain *Chain) error
	GetChain(ctx context.Context, id string) (*Chain, error)
	ListChains(ctx context.Context) ([]Chain, error)
	UpsertToken(ctx context.Context, token *Token) error
	GetToken(ctx context.Context, id string) (*Token, error)
	ListTokens(ctx context.Context, filter TokenFilter) ([]Token, error)
	UpsertTokenList(ctx context.Context, list *TokenList) error
	GetTokenList(ctx context.Context, slug string) (*TokenList, error)
	ListTokenLists(ctx context.Context) ([]TokenList, error)
	SetTokenListItems(ctx context.Context, listID string, tokenIDs []string) error

	// Webhook deduplication
	RecordWebhookEvent(ctx context.Context, provider, eventID, eventType string) (bool, error)
	DeleteWebhookEvent(ctx context.Context, provider, eventID string) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Data retention
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)
	PurgeOldWebhookEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is a local account row. Accounts authenticated by an external
// provider carry its user id in ExternalID and have no password hash.
type User struct {
	ID                 string     `json:"id"`
	ExternalID         string     `json:"external_id,omitempty"`
	Email              string     `json:"email,omitempty"`
	Username           string     `json:"username"`
	PasswordHash       string     `json:"-"`
	Role               string     `json:"role"` // "admin" or "user"
	Tier               string     `json:"tier"` // "free", "pro" or "elite"
	Premium            bool       `json:"premium"`
	CustomerID         string     `json:"customer_id,omitempty"`
	SubscriptionStatus string     `json:"subscription_status,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// BillingState is the slice of a user row owned by the payment provider.
type BillingState struct {
	CustomerID         string     `json:"customer_id,omitempty"`
	Tier               string     `json:"tier"`
	Premium            bool       `json:"premium"`
	SubscriptionStatus string     `json:"subscription_status,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
}

// Billing returns the user's billing columns.
func (u *User) Billing() BillingState {
	return BillingState{
		CustomerID:         u.CustomerID,
		Tier:               u.Tier,
		Premium:            u.Premium,
		SubscriptionStatus: u.SubscriptionStatus,
		CurrentPeriodEnd:   u.CurrentPeriodEnd,
	}
}

// Chain is an EVM network. ID is a stable slug such as "ethereum".
type Chain struct {
	ID           string `json:"id"`
	ChainID      int64  `json:"chain_id"`
	Name         string `json:"name"`
	NativeSymbol string `json:"native_symbol"`
	ExplorerURL  string `json:"explorer_url,omitempty"`
	LogoURL      string `json:"logo_url,omitempty"`
}

// Token is an on-chain asset. Its ID is derived from chain and address.
type Token struct {
	ID          string `json:"id"`
	ChainID     string `json:"chain"`
	Address     string `json:"address"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Decimals    int    `json:"decimals"`
	LogoURL     string `json:"logo_url,omitempty"`
	CoingeckoID string `json:"coingecko_id,omitempty"`
}

// TokenID returns the catalog id for a token: "<chain>:<lowercased address>".
func TokenID(chain, address string) string {
	return chain + ":" + strings.ToLower(address)
}

// TokenList is a curated, ordered set of tokens.
type TokenList struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	Tokens      []Token   `json:"tokens,omitempty"` // populated by GetTokenList only
}

// TokenFilter narrows ListTokens. Empty fields do not filter.
type TokenFilter struct {
	Chain  string // chain slug
	List   string // token list slug; results follow list order
	Query  string // case-insensitive match on symbol, name or address
	Limit  int
	Offset int
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action string // prefix match
	UserID string
	Limit  int
	Offset int
}
