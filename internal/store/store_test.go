package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract. It is shared by the SQLite
// and PostgreSQL tests so both dialects see the same queries.
func runStoreSuite(t *testing.T, s Store) {
	t.Run("Users", func(t *testing.T) { testUsers(t, s) })
	t.Run("Catalog", func(t *testing.T) { testCatalog(t, s) })
	t.Run("WebhookEvents", func(t *testing.T) { testWebhookEvents(t, s) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, s) })
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()
	suffix := uuid.New().String()[:8]

	u := &User{
		ID:         uuid.New().String(),
		ExternalID: "user_" + suffix,
		Email:      "Trader." + suffix + "@Example.com",
		Username:   "trader-" + suffix,
	}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.Equal(t, "user", u.Role, "role default")
	assert.Equal(t, "free", u.Tier, "tier default")

	got, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u.Username, got.Username)
	assert.False(t, got.Premium)
	assert.Nil(t, got.CurrentPeriodEnd)

	got, err = s.GetUserByExternalID(ctx, u.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u.ID, got.ID)

	got, err = s.GetUserByEmail(ctx, "trader."+suffix+"@example.com")
	require.NoError(t, err)
	require.NotNil(t, got, "email lookup is case-insensitive")
	assert.Equal(t, u.ID, got.ID)

	got, err = s.GetUserByUsername(ctx, u.Username)
	require.NoError(t, err)
	require.NotNil(t, got)

	missing, err := s.GetUserByID(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)

	missing, err = s.GetUserByExternalID(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, missing, "empty external id never matches")

	// Billing state round trip.
	end := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateUserBilling(ctx, u.ID, BillingState{
		CustomerID:         "cus_" + suffix,
		Tier:               "pro",
		Premium:            true,
		SubscriptionStatus: "active",
		CurrentPeriodEnd:   &end,
	}))

	got, err = s.GetUserByCustomerID(ctx, "cus_"+suffix)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u.ID, got.ID)
	assert.True(t, got.Premium)
	assert.Equal(t, "pro", got.Tier)
	assert.Equal(t, "active", got.SubscriptionStatus)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, end.Equal(got.CurrentPeriodEnd.UTC()), "period end: got %v, want %v", got.CurrentPeriodEnd, end)

	billable, err := s.ListBillableUsers(ctx)
	require.NoError(t, err)
	found := false
	for _, b := range billable {
		if b.ID == u.ID {
			found = true
		}
	}
	assert.True(t, found, "billing user listed as billable")

	// Profile update leaves billing untouched.
	got.Email = "new-" + suffix + "@example.com"
	got.Role = "admin"
	require.NoError(t, s.UpdateUserProfile(ctx, got))
	got, err = s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Role)
	assert.Equal(t, "new-"+suffix+"@example.com", got.Email)
	assert.True(t, got.Premium)

	// Duplicate username is rejected.
	err = s.CreateUser(ctx, &User{ID: uuid.New().String(), Username: u.Username})
	assert.Error(t, err, "duplicate username")

	users, err := s.ListUsers(ctx, 1000, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, users)

	deleted, err := s.DeleteUserByExternalID(ctx, u.ExternalID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteUserByExternalID(ctx, u.ExternalID)
	require.NoError(t, err)
	assert.False(t, deleted, "second delete is a no-op")

	got, err = s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testCatalog(t *testing.T, s Store) {
	ctx := context.Background()
	suffix := uuid.New().String()[:8]
	chainID := "testnet-" + suffix

	require.NoError(t, s.UpsertChain(ctx, &Chain{
		ID: chainID, ChainID: 31337, Name: "Testnet", NativeSymbol: "ETH",
	}))
	require.NoError(t, s.UpsertChain(ctx, &Chain{
		ID: chainID, ChainID: 31337, Name: "Testnet Renamed", NativeSymbol: "ETH",
	}))
	c, err := s.GetChain(ctx, chainID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Testnet Renamed", c.Name, "upsert overwrites")

	usdc := &Token{ChainID: chainID, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Name: "USD Coin", Decimals: 6}
	weth := &Token{ChainID: chainID, Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Symbol: "WETH", Name: "Wrapped Ether", Decimals: 18}
	require.NoError(t, s.UpsertToken(ctx, usdc))
	require.NoError(t, s.UpsertToken(ctx, weth))
	assert.Equal(t, chainID+":0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", usdc.ID)

	// Same address with different case maps to the same row.
	again := &Token{ChainID: chainID, Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Symbol: "USDC", Name: "USDC", Decimals: 6}
	require.NoError(t, s.UpsertToken(ctx, again))
	all, err := s.ListTokens(ctx, TokenFilter{Chain: chainID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Unknown chain violates the foreign key.
	err = s.UpsertToken(ctx, &Token{ChainID: "nope-" + suffix, Address: "0x1", Symbol: "X"})
	assert.Error(t, err, "token on unknown chain")

	found, err := s.ListTokens(ctx, TokenFilter{Chain: chainID, Query: "wrapped"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "WETH", found[0].Symbol)

	found, err = s.ListTokens(ctx, TokenFilter{Chain: chainID, Query: "0xC02A"})
	require.NoError(t, err)
	assert.Len(t, found, 1, "address search ignores case")

	paged, err := s.ListTokens(ctx, TokenFilter{Chain: chainID, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 1)

	list := &TokenList{ID: uuid.New().String(), Slug: "blue-chips-" + suffix, Name: "Blue chips"}
	require.NoError(t, s.UpsertTokenList(ctx, list))
	originalID := list.ID

	relist := &TokenList{ID: uuid.New().String(), Slug: list.Slug, Name: "Blue chips v2"}
	require.NoError(t, s.UpsertTokenList(ctx, relist))
	assert.Equal(t, originalID, relist.ID, "upsert by slug keeps the stored id")

	require.NoError(t, s.SetTokenListItems(ctx, list.ID, []string{weth.ID, usdc.ID}))
	got, err := s.GetTokenList(ctx, list.Slug)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Blue chips v2", got.Name)
	require.Len(t, got.Tokens, 2)
	assert.Equal(t, "WETH", got.Tokens[0].Symbol, "list order preserved")
	assert.Equal(t, "USDC", got.Tokens[1].Symbol)

	// Replacing items reorders.
	require.NoError(t, s.SetTokenListItems(ctx, list.ID, []string{usdc.ID}))
	inList, err := s.ListTokens(ctx, TokenFilter{List: list.Slug})
	require.NoError(t, err)
	require.Len(t, inList, 1)
	assert.Equal(t, "USDC", inList[0].Symbol)

	// Unknown token id rolls back the whole replacement.
	err = s.SetTokenListItems(ctx, list.ID, []string{weth.ID, "missing:0x0"})
	assert.Error(t, err)
	inList, err = s.ListTokens(ctx, TokenFilter{List: list.Slug})
	require.NoError(t, err)
	require.Len(t, inList, 1)
	assert.Equal(t, "USDC", inList[0].Symbol, "failed replacement left list unchanged")

	lists, err := s.ListTokenLists(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, lists)

	none, err := s.GetTokenList(ctx, "missing-"+suffix)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testWebhookEvents(t *testing.T, s Store) {
	ctx := context.Background()
	id := "evt_" + uuid.New().String()

	first, err := s.RecordWebhookEvent(ctx, "stripe", id, "customer.subscription.updated")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = s.RecordWebhookEvent(ctx, "stripe", id, "customer.subscription.updated")
	require.NoError(t, err)
	assert.False(t, first, "duplicate delivery")

	first, err = s.RecordWebhookEvent(ctx, "clerk", id, "user.created")
	require.NoError(t, err)
	assert.True(t, first, "ids are scoped per provider")

	require.NoError(t, s.DeleteWebhookEvent(ctx, "stripe", id))
	first, err = s.RecordWebhookEvent(ctx, "stripe", id, "customer.subscription.updated")
	require.NoError(t, err)
	assert.True(t, first, "deleted event can be recorded again")

	purged, err := s.PurgeOldWebhookEvents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(2))
}

func testAudit(t *testing.T, s Store) {
	ctx := context.Background()
	userID := uuid.New().String()

	for _, action := range []string{"billing.reconciled", "billing.payment_failed", "auth.login"} {
		detail, _ := json.Marshal(map[string]string{"action": action})
		require.NoError(t, s.LogAuditEvent(ctx, &AuditEvent{
			ID:     uuid.New().String(),
			Action: action,
			UserID: userID,
			Detail: detail,
		}))
	}

	events, err := s.ListAuditEvents(ctx, AuditFilter{UserID: userID})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = s.ListAuditEvents(ctx, AuditFilter{UserID: userID, Action: "billing."})
	require.NoError(t, err)
	assert.Len(t, events, 2, "action filter is a prefix match")
	for _, e := range events {
		assert.NotEmpty(t, e.Detail)
	}

	old := &AuditEvent{ID: uuid.New().String(), Action: "old", UserID: userID, CreatedAt: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, s.LogAuditEvent(ctx, old))
	purged, err := s.PurgeOldAuditEvents(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(1))

	events, err = s.ListAuditEvents(ctx, AuditFilter{UserID: userID})
	require.NoError(t, err)
	assert.Len(t, events, 3, "recent events survive the purge")
}
