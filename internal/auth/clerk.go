package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ClerkProvider validates Clerk-issued JWTs using JWKS.
//
// Role, tier and premium come from the session token's "metadata" claim,
// which the Clerk session token template maps to {{user.public_metadata}}.
type ClerkProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewClerkProvider creates a ClerkProvider that fetches JWKS from the Clerk issuer.
func NewClerkProvider(issuer string) (*ClerkProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("clerk issuer URL is required")
	}

	jwksURL := strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return newClerkProvider(issuer, jwks), nil
}

func newClerkProvider(issuer string, jwks keyfunc.Keyfunc) *ClerkProvider {
	return &ClerkProvider{issuer: issuer, jwks: jwks}
}

// ValidateToken parses a Clerk JWT and returns an Identity.
func (c *ClerkProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, c.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	id := &Identity{
		UserID: sub,
		Email:  claimStr(claims, "email"),
		Role:   "user",
		Tier:   "free",
	}

	if md, ok := claims["metadata"].(map[string]any); ok {
		if r, _ := md["role"].(string); r == "admin" {
			id.Role = "admin"
		}
		if t, _ := md["tier"].(string); t != "" {
			id.Tier = t
		}
		id.Premium, _ = md["premium"].(bool)
	}
	if claimStr(claims, "org_role") == "org:admin" {
		id.Role = "admin"
	}

	// Build a human-readable username from available claims.
	id.Username = sub
	switch {
	case claimStr(claims, "username") != "":
		id.Username = claimStr(claims, "username")
	case claimStr(claims, "name") != "":
		id.Username = claimStr(claims, "name")
	case claimStr(claims, "first_name") != "" || claimStr(claims, "last_name") != "":
		id.Username = strings.TrimSpace(claimStr(claims, "first_name") + " " + claimStr(claims, "last_name"))
	case id.Email != "":
		id.Username = id.Email
	}

	return id, nil
}

// Bootstrap is a no-op for Clerk (users are managed externally).
func (c *ClerkProvider) Bootstrap(ctx context.Context) error {
	return nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// Name returns the provider name.
func (c *ClerkProvider) Name() string { return "clerk" }
