package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tradeboard/tradeboard/internal/access"
	"github.com/tradeboard/tradeboard/internal/auth"
	"github.com/tradeboard/tradeboard/internal/store"
)

const webhookProvider = "stripe"

// Reconciler copies provider subscription state onto local user rows.
type Reconciler struct {
	store    store.Store
	gateway  Gateway
	plans    *Plans
	metadata auth.MetadataUpdater // optional
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler. metadata may be nil.
func NewReconciler(s store.Store, gw Gateway, plans *Plans, metadata auth.MetadataUpdater, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    s,
		gateway:  gw,
		plans:    plans,
		metadata: metadata,
		logger:   logger.With("component", "billing"),
	}
}

// Plans returns the plan table.
func (r *Reconciler) Plans() *Plans { return r.plans }

// Reconcile reads the user's subscription from the provider and writes it to
// the user row. A user with no customer id is matched by email first; a user
// with no customer at all is reset to free.
func (r *Reconciler) Reconcile(ctx context.Context, userID string) (store.BillingState, error) {
	user, err := r.store.GetUserByID(ctx, userID)
	if err != nil {
		return store.BillingState{}, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return store.BillingState{}, ErrUserNotFound
	}
	return r.reconcileUser(ctx, user)
}

func (r *Reconciler) reconcileUser(ctx context.Context, user *store.User) (store.BillingState, error) {
	customerID := user.CustomerID
	if customerID == "" && user.Email != "" {
		id, err := r.gateway.FindCustomerByEmail(ctx, user.Email)
		if err != nil {
			return store.BillingState{}, fmt.Errorf("find customer: %w", err)
		}
		customerID = id
	}

	state := store.BillingState{Tier: string(access.TierFree)}
	if customerID != "" {
		st, err := r.gateway.CustomerStatus(ctx, customerID)
		if err != nil {
			return store.BillingState{}, fmt.Errorf("customer status: %w", err)
		}
		state = r.stateFromStatus(customerID, st)
	}

	prev := user.Billing()
	if err := r.store.UpdateUserBilling(ctx, user.ID, state); err != nil {
		return store.BillingState{}, fmt.Errorf("update billing: %w", err)
	}

	if billingChanged(prev, state) {
		r.logger.Info("billing state changed",
			"user_id", user.ID,
			"customer_id", state.CustomerID,
			"tier", state.Tier,
			"premium", state.Premium,
			"status", state.SubscriptionStatus,
		)
		r.audit(ctx, "billing.reconciled", user.ID, map[string]any{
			"customer_id": state.CustomerID,
			"tier":        state.Tier,
			"premium":     state.Premium,
			"status":      state.SubscriptionStatus,
		})
		r.pushMetadata(ctx, user, state)
	}
	return state, nil
}

// ReconcileAll reconciles every user with a customer id. Per-user failures
// are logged and counted; the first error is returned after the pass.
func (r *Reconciler) ReconcileAll(ctx context.Context) (ok, failed int, err error) {
	users, err := r.store.ListBillableUsers(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list billable users: %w", err)
	}
	var firstErr error
	for i := range users {
		if ctx.Err() != nil {
			return ok, failed, ctx.Err()
		}
		if _, err := r.reconcileUser(ctx, &users[i]); err != nil {
			failed++
			r.logger.Warn("reconcile failed", "user_id", users[i].ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ok++
	}
	return ok, failed, firstErr
}

func (r *Reconciler) stateFromStatus(customerID string, st Status) store.BillingState {
	state := store.BillingState{
		CustomerID:         customerID,
		Tier:               string(access.TierFree),
		SubscriptionStatus: st.Status,
		CurrentPeriodEnd:   st.CurrentPeriodEnd,
	}
	if st.Entitled() {
		state.Premium = true
		state.Tier = string(r.plans.TierForPrice(st.PriceID))
	}
	return state
}

func billingChanged(a, b store.BillingState) bool {
	if a.CustomerID != b.CustomerID || a.Tier != b.Tier || a.Premium != b.Premium ||
		a.SubscriptionStatus != b.SubscriptionStatus {
		return true
	}
	if (a.CurrentPeriodEnd == nil) != (b.CurrentPeriodEnd == nil) {
		return true
	}
	return a.CurrentPeriodEnd != nil && !a.CurrentPeriodEnd.Equal(*b.CurrentPeriodEnd)
}

func (r *Reconciler) pushMetadata(ctx context.Context, user *store.User, state store.BillingState) {
	if r.metadata == nil || user.ExternalID == "" {
		return
	}
	err := r.metadata.UpdatePublicMetadata(ctx, user.ExternalID, map[string]any{
		"premium": state.Premium,
		"tier":    state.Tier,
	})
	if err != nil {
		r.logger.Warn("failed to push billing metadata", "user_id", user.ID, "external_id", user.ExternalID, "error", err)
	}
}

// ParseWebhook verifies and decodes a provider webhook delivery.
func (r *Reconciler) ParseWebhook(payload []byte, signatureHeader string) (Event, error) {
	return r.gateway.ParseWebhook(payload, signatureHeader)
}

// HandleEvent applies a verified webhook event. It returns duplicate=true
// when the event id was already processed. On failure the event record is
// released so the provider's retry is applied.
func (r *Reconciler) HandleEvent(ctx context.Context, evt Event) (duplicate bool, err error) {
	if evt.ID != "" {
		first, err := r.store.RecordWebhookEvent(ctx, webhookProvider, evt.ID, evt.Type)
		if err != nil {
			return false, fmt.Errorf("record event: %w", err)
		}
		if !first {
			r.logger.Info("duplicate stripe event ignored", "id", evt.ID, "type", evt.Type)
			return true, nil
		}
	}

	if err := r.apply(ctx, evt); err != nil {
		if evt.ID != "" {
			if derr := r.store.DeleteWebhookEvent(ctx, webhookProvider, evt.ID); derr != nil {
				r.logger.Warn("failed to release event record", "id", evt.ID, "error", derr)
			}
		}
		return false, err
	}
	return false, nil
}

func (r *Reconciler) apply(ctx context.Context, evt Event) error {
	switch {
	case evt.Type == "checkout.session.completed":
		return r.checkoutCompleted(ctx, evt)

	case strings.HasPrefix(evt.Type, "customer.subscription."):
		user, err := r.store.GetUserByCustomerID(ctx, evt.CustomerID)
		if err != nil {
			return fmt.Errorf("get user by customer: %w", err)
		}
		if user == nil {
			// Checkout completion binds the customer and reconciles later.
			r.logger.Info("subscription event for unknown customer", "type", evt.Type, "customer_id", evt.CustomerID)
			return nil
		}
		_, err = r.reconcileUser(ctx, user)
		return err

	case evt.Type == "invoice.payment_failed":
		user, err := r.store.GetUserByCustomerID(ctx, evt.CustomerID)
		if err != nil {
			return fmt.Errorf("get user by customer: %w", err)
		}
		userID := ""
		if user != nil {
			userID = user.ID
		}
		r.logger.Warn("invoice payment failed", "customer_id", evt.CustomerID, "user_id", userID)
		r.audit(ctx, "billing.payment_failed", userID, map[string]any{
			"customer_id": evt.CustomerID,
			"event_id":    evt.ID,
		})
		return nil

	default:
		r.logger.Debug("ignoring stripe event", "type", evt.Type)
		return nil
	}
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, evt Event) error {
	var user *store.User
	var err error
	if evt.ClientReferenceID != "" {
		if user, err = r.store.GetUserByID(ctx, evt.ClientReferenceID); err != nil {
			return fmt.Errorf("get user: %w", err)
		}
	}
	if user == nil && evt.Email != "" {
		if user, err = r.store.GetUserByEmail(ctx, evt.Email); err != nil {
			return fmt.Errorf("get user by email: %w", err)
		}
	}
	if user == nil {
		r.logger.Warn("checkout completed for unknown user",
			"client_reference_id", evt.ClientReferenceID, "customer_id", evt.CustomerID)
		return nil
	}

	if evt.CustomerID != "" && user.CustomerID != evt.CustomerID {
		state := user.Billing()
		state.CustomerID = evt.CustomerID
		if err := r.store.UpdateUserBilling(ctx, user.ID, state); err != nil {
			return fmt.Errorf("bind customer: %w", err)
		}
		user.CustomerID = evt.CustomerID
		r.audit(ctx, "billing.customer_bound", user.ID, map[string]any{"customer_id": evt.CustomerID})
	}

	_, err = r.reconcileUser(ctx, user)
	return err
}

// Checkout starts a hosted checkout for tier on behalf of user.
func (r *Reconciler) Checkout(ctx context.Context, user *store.User, tier access.Tier, successURL, cancelURL string) (string, error) {
	plan, ok := r.plans.GetPlan(tier)
	if !ok || plan.PriceID == "" {
		return "", ErrUnknownPlan
	}
	url, err := r.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		UserID:     user.ID,
		Email:      user.Email,
		CustomerID: user.CustomerID,
		PriceID:    plan.PriceID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		return "", err
	}
	r.audit(ctx, "billing.checkout_started", user.ID, map[string]any{"tier": string(tier)})
	return url, nil
}

// Portal opens the provider's customer portal for user.
func (r *Reconciler) Portal(ctx context.Context, user *store.User, returnURL string) (string, error) {
	if user.CustomerID == "" {
		return "", ErrNoCustomer
	}
	return r.gateway.CreatePortalSession(ctx, user.CustomerID, returnURL)
}

func (r *Reconciler) audit(ctx context.Context, action, userID string, detail map[string]any) {
	raw, _ := json.Marshal(detail)
	evt := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		Detail:    raw,
		CreatedAt: time.Now(),
	}
	if err := r.store.LogAuditEvent(ctx, evt); err != nil {
		r.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
