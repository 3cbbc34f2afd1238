package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tradeboard/tradeboard/internal/access"
	"github.com/tradeboard/tradeboard/internal/store"
)

type fakeGateway struct {
	mu        sync.Mutex
	statuses  map[string]Status // by customer id
	byEmail   map[string]string
	statusErr error
	calls     int
	checkouts []CheckoutParams
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: map[string]Status{}, byEmail: map[string]string{}}
}

func (g *fakeGateway) CustomerStatus(_ context.Context, customerID string) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.statusErr != nil {
		return Status{}, g.statusErr
	}
	st := g.statuses[customerID]
	st.CustomerID = customerID
	return st, nil
}

func (g *fakeGateway) FindCustomerByEmail(_ context.Context, email string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byEmail[email], nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, p CheckoutParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts = append(g.checkouts, p)
	return "https://checkout.stripe.test/" + p.PriceID, nil
}

func (g *fakeGateway) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	return "https://billing.stripe.test/" + customerID, nil
}

func (g *fakeGateway) ParseWebhook([]byte, string) (Event, error) {
	return Event{}, errors.New("not implemented")
}

type fakeMetadata struct {
	mu    sync.Mutex
	calls map[string]map[string]any
}

func (f *fakeMetadata) UpdatePublicMetadata(_ context.Context, externalID string, md map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]map[string]any{}
	}
	f.calls[externalID] = md
	return nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createUser(t *testing.T, s store.Store, username, email, externalID string) *store.User {
	t.Helper()
	u := &store.User{
		ID:         uuid.New().String(),
		ExternalID: externalID,
		Email:      email,
		Username:   username,
		Role:       "user",
		Tier:       "free",
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func newTestReconciler(t *testing.T) (*Reconciler, store.Store, *fakeGateway, *fakeMetadata) {
	t.Helper()
	s := newTestStore(t)
	gw := newFakeGateway()
	md := &fakeMetadata{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewReconciler(s, gw, NewPlans("price_pro", "price_elite"), md, logger), s, gw, md
}

func TestReconcile_ActiveSubscription(t *testing.T) {
	r, s, gw, md := newTestReconciler(t)
	ctx := context.Background()

	u := createUser(t, s, "frank", "frank@example.com", "user_frank")
	end := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	gw.byEmail["frank@example.com"] = "cus_frank"
	gw.statuses["cus_frank"] = Status{Status: "active", PriceID: "price_elite", CurrentPeriodEnd: &end}

	state, err := r.Reconcile(ctx, u.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !state.Premium || state.Tier != "elite" || state.CustomerID != "cus_frank" {
		t.Errorf("state: got %+v", state)
	}

	got, _ := s.GetUserByID(ctx, u.ID)
	if !got.Premium || got.Tier != "elite" || got.SubscriptionStatus != "active" {
		t.Errorf("row: got %+v", got)
	}
	if got.CurrentPeriodEnd == nil || !got.CurrentPeriodEnd.Equal(end) {
		t.Errorf("CurrentPeriodEnd: got %v, want %v", got.CurrentPeriodEnd, end)
	}

	if md.calls["user_frank"]["premium"] != true || md.calls["user_frank"]["tier"] != "elite" {
		t.Errorf("metadata push: got %v", md.calls["user_frank"])
	}

	events, _ := s.ListAuditEvents(ctx, store.AuditFilter{Action: "billing.reconciled"})
	if len(events) != 1 {
		t.Errorf("expected 1 audit event, got %d", len(events))
	}
}

func TestReconcile_CanceledSubscriptionDropsPremium(t *testing.T) {
	r, s, gw, _ := newTestReconciler(t)
	ctx := context.Background()

	u := createUser(t, s, "gina", "gina@example.com", "")
	if err := s.UpdateUserBilling(ctx, u.ID, store.BillingState{CustomerID: "cus_gina", Tier: "pro", Premium: true, SubscriptionStatus: "active"}); err != nil {
		t.Fatal(err)
	}
	gw.statuses["cus_gina"] = Status{Status: "canceled", PriceID: "price_pro"}

	state, err := r.Reconcile(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Premium || state.Tier != "free" || state.SubscriptionStatus != "canceled" {
		t.Errorf("state: got %+v", state)
	}
	if state.CustomerID != "cus_gina" {
		t.Errorf("customer id should be kept, got %q", state.CustomerID)
	}
}

func TestReconcile_NoCustomerIsFree(t *testing.T) {
	r, s, gw, md := newTestReconciler(t)
	u := createUser(t, s, "hank", "hank@example.com", "user_hank")

	state, err := r.Reconcile(context.Background(), u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Premium || state.Tier != "free" || state.CustomerID != "" {
		t.Errorf("state: got %+v", state)
	}
	if gw.calls != 0 {
		t.Errorf("CustomerStatus should not be called without a customer, got %d calls", gw.calls)
	}
	if len(md.calls) != 0 {
		t.Errorf("unchanged state should not push metadata, got %v", md.calls)
	}
}

func TestReconcile_Errors(t *testing.T) {
	r, s, gw, _ := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}

	u := createUser(t, s, "ivy", "ivy@example.com", "")
	gw.byEmail["ivy@example.com"] = "cus_ivy"
	gw.statusErr = errors.New("stripe down")
	if _, err := r.Reconcile(ctx, u.ID); err == nil {
		t.Error("expected provider error")
	}
	got, _ := s.GetUserByID(ctx, u.ID)
	if got.CustomerID != "" {
		t.Errorf("row should be untouched on provider error, got %+v", got)
	}
}

func TestHandleEvent_CheckoutBindsCustomer(t *testing.T) {
	r, s, gw, _ := newTestReconciler(t)
	ctx := context.Background()

	u := createUser(t, s, "jack", "jack@example.com", "")
	gw.statuses["cus_jack"] = Status{Status: "active", PriceID: "price_pro"}

	dup, err := r.HandleEvent(ctx, Event{
		ID:                "evt_1",
		Type:              "checkout.session.completed",
		CustomerID:        "cus_jack",
		ClientReferenceID: u.ID,
	})
	if err != nil || dup {
		t.Fatalf("HandleEvent: dup=%v err=%v", dup, err)
	}

	got, _ := s.GetUserByID(ctx, u.ID)
	if got.CustomerID != "cus_jack" || !got.Premium || got.Tier != "pro" {
		t.Errorf("row: got %+v", got)
	}
	owner, _ := s.GetUserByCustomerID(ctx, "cus_jack")
	if owner == nil || owner.ID != u.ID {
		t.Errorf("customer lookup: got %+v", owner)
	}
}

func TestHandleEvent_DuplicateDelivery(t *testing.T) {
	r, s, gw, _ := newTestReconciler(t)
	ctx := context.Background()

	u := createUser(t, s, "kate", "kate@example.com", "")
	_ = s.UpdateUserBilling(ctx, u.ID, store.BillingState{CustomerID: "cus_kate"})
	gw.statuses["cus_kate"] = Status{Status: "active", PriceID: "price_pro"}

	evt := Event{ID: "evt_dup", Type: "customer.subscription.updated", CustomerID: "cus_kate"}
	for i, wantDup := range []bool{false, true, true} {
		dup, err := r.HandleEvent(ctx, evt)
		if err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
		if dup != wantDup {
			t.Errorf("delivery %d: duplicate=%v, want %v", i+1, dup, wantDup)
		}
	}
	if gw.calls != 1 {
		t.Errorf("provider polled %d times, want 1", gw.calls)
	}
}

func TestHandleEvent_SubscriptionDeleted(t *testing.T) {
	r, s, gw, _ := newTestReconciler(t)
	ctx := context.Background()

	u := createUser(t, s, "liam", "", "")
	_ = s.UpdateUserBilling(ctx, u.ID, store.BillingState{CustomerID: "cus_liam", Tier: "pro", Premium: true, SubscriptionStatus: "active"})
	gw.statuses["cus_liam"] = Status{Status: "canceled"}

	if _, err := r.HandleEvent(ctx, Event{ID: "evt_del", Type: "customer.subscription.deleted", CustomerID: "cus_liam"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetUserByID(ctx, u.ID)
	if got.Premium || got.Tier != "free" {
		t.Errorf("row after deletion: got %+v", got)
	}
}

func TestHandleEvent_FailureReleasesEventRecord(t *testing.T) {
	r, s, gw, _ := newTestReconciler(t)
	ctx := context.Background()

	u := createUser(t, s, "mia", "", "")
	_ = s.UpdateUserBilling(ctx, u.ID, store.BillingState{CustomerID: "cus_mia"})
	gw.statusErr = errors.New("stripe down")

	evt := Event{ID: "evt_fail", Type: "customer.subscription.created", CustomerID: "cus_mia"}
	if _, err := r.HandleEvent(ctx, evt); err == nil {
		t.Fatal("expected error")
	}

	gw.statusErr = nil
	gw.statuses["cus_mia"] = Status{Status: "trialing", PriceID: "price_elite"}
	dup, err := r.HandleEvent(ctx, evt)
	if err != nil || dup {
		t.Fatalf("retry: dup=%v err=%v", dup, err)
	}
	got, _ := s.GetUserByID(ctx, u.ID)
	if !got.Premium || got.Tier != "elite" {
		t.Errorf("row after retry: got %+v", got)
	}
}

func TestHandleEvent_PaymentFailedAudited(t *testing.T) {
	r, s, _, _ := newTestReconciler(t)
	ctx := context.Background()

	u := createUser(t, s, "nina", "", "")
	_ = s.UpdateUserBilling(ctx, u.ID, store.BillingState{CustomerID: "cus_nina"})

	if _, err := r.HandleEvent(ctx, Event{ID: "evt_inv", Type: "invoice.payment_failed", CustomerID: "cus_nina"}); err != nil {
		t.Fatal(err)
	}
	events, _ := s.ListAuditEvents(ctx, store.AuditFilter{Action: "billing.payment_failed"})
	if len(events) != 1 || events[0].UserID != u.ID {
		t.Errorf("audit: got %+v", events)
	}
}

func TestHandleEvent_UnknownTypeIgnored(t *testing.T) {
	r, _, gw, _ := newTestReconciler(t)
	dup, err := r.HandleEvent(context.Background(), Event{ID: "evt_x", Type: "product.created"})
	if err != nil || dup {
		t.Errorf("got dup=%v err=%v", dup, err)
	}
	if gw.calls != 0 {
		t.Errorf("unexpected provider calls: %d", gw.calls)
	}
}

func TestReconcileAll(t *testing.T) {
	r, s, gw, _ := newTestReconciler(t)
	ctx := context.Background()

	a := createUser(t, s, "oscar", "", "")
	b := createUser(t, s, "pia", "", "")
	createUser(t, s, "quinn", "", "") // no customer, skipped
	_ = s.UpdateUserBilling(ctx, a.ID, store.BillingState{CustomerID: "cus_a"})
	_ = s.UpdateUserBilling(ctx, b.ID, store.BillingState{CustomerID: "cus_b"})
	gw.statuses["cus_a"] = Status{Status: "active", PriceID: "price_pro"}

	ok, failed, err := r.ReconcileAll(ctx)
	if err != nil || ok != 2 || failed != 0 {
		t.Fatalf("ReconcileAll: ok=%d failed=%d err=%v", ok, failed, err)
	}
	got, _ := s.GetUserByID(ctx, a.ID)
	if !got.Premium {
		t.Error("user a should be premium")
	}
}

func TestCheckoutAndPortal(t *testing.T) {
	r, s, gw, _ := newTestReconciler(t)
	ctx := context.Background()
	u := createUser(t, s, "rita", "rita@example.com", "")

	url, err := r.Checkout(ctx, u, access.TierElite, "https://app/ok", "https://app/cancel")
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if url != "https://checkout.stripe.test/price_elite" {
		t.Errorf("url: got %q", url)
	}
	if p := gw.checkouts[0]; p.UserID != u.ID || p.Email != "rita@example.com" || p.CustomerID != "" {
		t.Errorf("checkout params: got %+v", p)
	}

	if _, err := r.Checkout(ctx, u, access.TierFree, "", ""); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("free tier checkout: expected ErrUnknownPlan, got %v", err)
	}

	if _, err := r.Portal(ctx, u, "https://app"); !errors.Is(err, ErrNoCustomer) {
		t.Errorf("portal without customer: expected ErrNoCustomer, got %v", err)
	}
	u.CustomerID = "cus_rita"
	if url, err := r.Portal(ctx, u, "https://app"); err != nil || url != "https://billing.stripe.test/cus_rita" {
		t.Errorf("portal: url=%q err=%v", url, err)
	}
}

func TestPlans(t *testing.T) {
	p := NewPlans("price_pro", "")

	if got := p.TierForPrice("price_pro"); got != access.TierPro {
		t.Errorf("TierForPrice(price_pro): got %q", got)
	}
	if got := p.TierForPrice("price_unknown"); got != access.TierPro {
		t.Errorf("TierForPrice(unknown): got %q, want pro", got)
	}
	if plan, ok := p.GetPlan(access.TierElite); !ok || plan.PriceID != "" {
		t.Errorf("elite plan: got %+v ok=%v", plan, ok)
	}
	if n := len(p.List()); n != 3 {
		t.Errorf("List: got %d plans, want 3", n)
	}
}
