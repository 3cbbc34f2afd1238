package auth

import (
	"context"

	"github.com/tradeboard/tradeboard/internal/access"
	"github.com/tradeboard/tradeboard/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string // Internal user ID (builtin) or external provider user ID (clerk)
	Username string
	Email    string
	Role     string // "admin" or "user"
	Tier     string // "free", "pro" or "elite" as carried by the session token
	Premium  bool
}

// Viewer converts the token claims into an access viewer. A nil identity
// is a guest.
func (id *Identity) Viewer() access.Viewer {
	if id == nil {
		return access.Guest
	}
	return access.Viewer{
		Role:    access.ParseRole(id.Role),
		Tier:    access.ParseTier(id.Tier),
		Premium: id.Premium,
	}
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, email, password, role string) (*store.User, error)
}

// MetadataUpdater pushes account state into the auth provider so the next
// session token carries it.
type MetadataUpdater interface {
	UpdatePublicMetadata(ctx context.Context, externalUserID string, metadata map[string]any) error
}
