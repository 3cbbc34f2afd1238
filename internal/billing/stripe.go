package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	sc            *client.API
	webhookSecret string
}

// NewStripeGateway creates a gateway using the given secret key. backends may
// be nil to use Stripe's default endpoints.
func NewStripeGateway(secretKey, webhookSecret string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{
		sc:            client.New(secretKey, backends),
		webhookSecret: webhookSecret,
	}
}

// CustomerStatus returns the customer's most relevant subscription: an
// entitled one if any, otherwise the newest.
func (g *StripeGateway) CustomerStatus(ctx context.Context, customerID string) (Status, error) {
	if customerID == "" {
		return Status{}, ErrNoCustomer
	}
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx

	var best *stripe.Subscription
	it := g.sc.Subscriptions.List(params)
	for it.Next() {
		sub := it.Subscription()
		if best == nil {
			best = sub
			continue
		}
		if entitled(sub) && (!entitled(best) || sub.Created > best.Created) {
			best = sub
		}
	}
	if err := it.Err(); err != nil {
		return Status{}, fmt.Errorf("list subscriptions: %w", err)
	}

	st := Status{CustomerID: customerID}
	if best == nil {
		return st, nil
	}
	st.SubscriptionID = best.ID
	st.Status = string(best.Status)
	if best.Items != nil {
		for _, item := range best.Items.Data {
			if item.Price != nil {
				st.PriceID = item.Price.ID
				break
			}
		}
	}
	if best.CurrentPeriodEnd > 0 {
		end := time.Unix(best.CurrentPeriodEnd, 0).UTC()
		st.CurrentPeriodEnd = &end
	}
	return st, nil
}

func entitled(sub *stripe.Subscription) bool {
	return sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing
}

func (g *StripeGateway) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	if email == "" {
		return "", nil
	}
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	it := g.sc.Customers.List(params)
	if it.Next() {
		return it.Customer().ID, nil
	}
	if err := it.Err(); err != nil {
		return "", fmt.Errorf("list customers: %w", err)
	}
	return "", nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(p.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.UserID),
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	} else if p.Email != "" {
		params.CustomerEmail = stripe.String(p.Email)
	}
	params.Context = ctx

	sess, err := g.sc.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (g *StripeGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if customerID == "" {
		return "", ErrNoCustomer
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := g.sc.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

// ParseWebhook verifies the Stripe-Signature header and extracts the
// customer and reference fields of the event's data object.
func (g *StripeGateway) ParseWebhook(payload []byte, signatureHeader string) (Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, ErrInvalidSignature
	}

	evt := Event{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return evt, nil
	}

	switch {
	case evt.Type == "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return Event{}, fmt.Errorf("decode checkout session: %w", err)
		}
		evt.ClientReferenceID = sess.ClientReferenceID
		if sess.Customer != nil {
			evt.CustomerID = sess.Customer.ID
		}
		if sess.Subscription != nil {
			evt.SubscriptionID = sess.Subscription.ID
		}
		evt.Email = sess.CustomerEmail
		if evt.Email == "" && sess.CustomerDetails != nil {
			evt.Email = sess.CustomerDetails.Email
		}
	case strings.HasPrefix(evt.Type, "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return Event{}, fmt.Errorf("decode subscription: %w", err)
		}
		evt.SubscriptionID = sub.ID
		if sub.Customer != nil {
			evt.CustomerID = sub.Customer.ID
		}
	case strings.HasPrefix(evt.Type, "invoice."):
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return Event{}, fmt.Errorf("decode invoice: %w", err)
		}
		if inv.Customer != nil {
			evt.CustomerID = inv.Customer.ID
		}
		evt.Email = inv.CustomerEmail
	}
	return evt, nil
}
