package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	svix "github.com/svix/svix-webhooks/go"

	"github.com/tradeboard/tradeboard/internal/store"
)

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ClerkEvent is the envelope Clerk posts to webhook endpoints.
type ClerkEvent struct {
	ID   string        `json:"-"` // svix-id header, unique per delivery attempt chain
	Type string        `json:"type"`
	Data ClerkUserData `json:"data"`
}

// ClerkUserData is the subset of the Clerk user object Tradeboard mirrors.
type ClerkUserData struct {
	ID                    string `json:"id"`
	Username              string `json:"username"`
	FirstName             string `json:"first_name"`
	LastName              string `json:"last_name"`
	PrimaryEmailAddressID string `json:"primary_email_address_id"`
	EmailAddresses        []struct {
		ID           string `json:"id"`
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
	PublicMetadata map[string]any `json:"public_metadata"`
	Deleted        bool           `json:"deleted"`
}

// PrimaryEmail returns the user's primary email, or the first one listed.
func (d ClerkUserData) PrimaryEmail() string {
	for _, e := range d.EmailAddresses {
		if e.ID == d.PrimaryEmailAddressID {
			return e.EmailAddress
		}
	}
	if len(d.EmailAddresses) > 0 {
		return d.EmailAddresses[0].EmailAddress
	}
	return ""
}

// ClerkSync mirrors Clerk user lifecycle events into the local users table.
type ClerkSync struct {
	store    store.Store
	verifier *svix.Webhook
	logger   *slog.Logger
}

// NewClerkSync creates a webhook processor verifying payloads with the
// endpoint's signing secret ("whsec_...").
func NewClerkSync(s store.Store, signingSecret string, logger *slog.Logger) (*ClerkSync, error) {
	wh, err := svix.NewWebhook(signingSecret)
	if err != nil {
		return nil, fmt.Errorf("clerk webhook secret: %w", err)
	}
	return &ClerkSync{
		store:    s,
		verifier: wh,
		logger:   logger.With("component", "clerk-sync"),
	}, nil
}

// Parse verifies the Svix signature headers and decodes the event.
func (c *ClerkSync) Parse(payload []byte, header http.Header) (*ClerkEvent, error) {
	if err := c.verifier.Verify(payload, header); err != nil {
		return nil, ErrInvalidSignature
	}
	var evt ClerkEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode clerk event: %w", err)
	}
	evt.ID = header.Get("svix-id")
	return &evt, nil
}

// Handle applies evt. It returns duplicate=true when the delivery id has
// already been processed. On failure the delivery record is removed so
// Clerk's retry is processed again.
func (c *ClerkSync) Handle(ctx context.Context, evt *ClerkEvent) (duplicate bool, err error) {
	if evt.ID != "" {
		first, err := c.store.RecordWebhookEvent(ctx, "clerk", evt.ID, evt.Type)
		if err != nil {
			return false, fmt.Errorf("record event: %w", err)
		}
		if !first {
			c.logger.Info("duplicate clerk event ignored", "id", evt.ID, "type", evt.Type)
			return true, nil
		}
	}

	if err := c.apply(ctx, evt); err != nil {
		if evt.ID != "" {
			if derr := c.store.DeleteWebhookEvent(ctx, "clerk", evt.ID); derr != nil {
				c.logger.Warn("failed to release event record", "id", evt.ID, "error", derr)
			}
		}
		return false, err
	}
	return false, nil
}

func (c *ClerkSync) apply(ctx context.Context, evt *ClerkEvent) error {
	switch evt.Type {
	case "user.created", "user.updated":
		return c.upsert(ctx, evt.Data)
	case "user.deleted":
		deleted, err := c.store.DeleteUserByExternalID(ctx, evt.Data.ID)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		c.logger.Info("clerk user deleted", "external_id", evt.Data.ID, "found", deleted)
		return nil
	default:
		c.logger.Debug("ignoring clerk event", "type", evt.Type)
		return nil
	}
}

func (c *ClerkSync) upsert(ctx context.Context, d ClerkUserData) error {
	if d.ID == "" {
		return fmt.Errorf("clerk event without user id")
	}

	role := "user"
	if r, _ := d.PublicMetadata["role"].(string); r == "admin" {
		role = "admin"
	}
	email := d.PrimaryEmail()

	existing, err := c.store.GetUserByExternalID(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if existing != nil {
		existing.Email = email
		existing.Role = role
		if d.Username != "" && d.Username != existing.Username {
			if taken, _ := c.store.GetUserByUsername(ctx, d.Username); taken == nil {
				existing.Username = d.Username
			}
		}
		if err := c.store.UpdateUserProfile(ctx, existing); err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		c.logger.Info("clerk user updated", "external_id", d.ID, "user_id", existing.ID)
		return nil
	}

	username := d.Username
	if username == "" {
		username = d.ID
	} else if taken, _ := c.store.GetUserByUsername(ctx, username); taken != nil {
		username = d.ID
	}

	user := &store.User{
		ID:         uuid.New().String(),
		ExternalID: d.ID,
		Email:      email,
		Username:   username,
		Role:       role,
		Tier:       "free",
		CreatedAt:  time.Now(),
	}
	if err := c.store.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	c.logger.Info("clerk user created", "external_id", d.ID, "user_id", user.ID)
	return nil
}
