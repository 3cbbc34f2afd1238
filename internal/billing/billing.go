// Package billing reconciles subscription state between the payment
// provider and the local users table.
//
// The provider is the source of truth. The local row's premium flag, tier
// and subscription status are a cache of it, refreshed by webhooks and by
// explicit Reconcile calls; the last write wins.
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoCustomer is returned when a user has no payment customer yet.
	ErrNoCustomer = errors.New("no payment customer")
	// ErrInvalidSignature is returned for webhook payloads that fail verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrUnknownPlan is returned when checkout is requested for a tier without a price.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrUserNotFound is returned when reconciling a user id that does not exist.
	ErrUserNotFound = errors.New("user not found")
)

// Status is a customer's subscription state as reported by the provider.
type Status struct {
	CustomerID       string
	SubscriptionID   string
	Status           string // provider status, e.g. "active", "past_due", "canceled"; empty when none
	PriceID          string
	CurrentPeriodEnd *time.Time
}

// Entitled reports whether the subscription currently grants paid access.
func (s Status) Entitled() bool {
	return s.Status == "active" || s.Status == "trialing"
}

// CheckoutParams describes a hosted checkout for one plan.
type CheckoutParams struct {
	UserID     string // sent as client_reference_id
	Email      string // prefilled when the user has no customer yet
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// Event is a verified webhook notification reduced to the fields the
// reconciler acts on.
type Event struct {
	ID                string
	Type              string
	CustomerID        string
	ClientReferenceID string
	Email             string
	SubscriptionID    string
}

// Gateway is the payment provider API used by the reconciler.
type Gateway interface {
	CustomerStatus(ctx context.Context, customerID string) (Status, error)
	// FindCustomerByEmail returns "" when no customer matches.
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	ParseWebhook(payload []byte, signatureHeader string) (Event, error)
}
