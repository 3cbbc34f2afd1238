package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tradeboard/tradeboard/internal/access"
	"github.com/tradeboard/tradeboard/internal/config"
	"github.com/tradeboard/tradeboard/internal/store"
)

const testSecret = "test-secret-at-least-32-chars-long"

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s := newTestStore(t)
	cfg := config.AuthConfig{
		JWTSecret: testSecret,
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
	}
	return NewService(s, cfg), s
}

func TestBootstrap(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	admin := &config.InitialAdmin{
		Username: "admin",
		Email:    "ops@tradeboard.example",
		Password: "admin-password",
	}

	// First bootstrap should create the admin user
	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	user, err := s.GetUserByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user == nil {
		t.Fatal("admin user not created")
	}
	if user.Role != "admin" {
		t.Errorf("Role: got %q, want %q", user.Role, "admin")
	}
	if user.Email != "ops@tradeboard.example" {
		t.Errorf("Email: got %q", user.Email)
	}

	// Second bootstrap should be idempotent (no error, no duplicate)
	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("Bootstrap (idempotent): %v", err)
	}

	users, err := s.ListUsers(ctx, 100, 0)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("expected 1 user after double bootstrap, got %d", len(users))
	}

	// Bootstrap with nil should be a no-op
	if err := svc.BootstrapAdmin(ctx, nil); err != nil {
		t.Fatalf("BootstrapAdmin(nil): %v", err)
	}
}

func TestLoginSuccess(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "alice@example.com", "secret123", "user"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected JWT with 3 parts, got %d", len(parts))
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.Username != "alice" || id.Email != "alice@example.com" {
		t.Errorf("identity: got %+v", id)
	}
	if id.Role != "user" || id.Tier != "free" || id.Premium {
		t.Errorf("identity flags: got role=%q tier=%q premium=%v", id.Role, id.Tier, id.Premium)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "", "secret123", "user"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := svc.Login(ctx, "alice", "wrong-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	_, err = svc.Login(ctx, "nobody", "secret123")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestLoginRejectsPasswordlessAccount(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	// Accounts mirrored from Clerk have no password hash.
	if err := s.CreateUser(ctx, &store.User{ID: uuid.New().String(), ExternalID: "user_1", Username: "clerky"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, "clerky", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "bob", "", "pw", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, "bob", "", "pw2", ""); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestIssueTokenCarriesBillingFlags(t *testing.T) {
	svc, _ := newTestAuthService(t)

	token, err := svc.IssueToken(&store.User{ID: "u1", Username: "carol", Role: "user", Tier: "elite", Premium: true})
	if err != nil {
		t.Fatal(err)
	}
	id, err := svc.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if id.Tier != "elite" || !id.Premium {
		t.Errorf("got tier=%q premium=%v", id.Tier, id.Premium)
	}

	v := id.Viewer()
	if v.Role != access.RoleUser || v.Tier != access.TierElite || !v.Premium {
		t.Errorf("viewer: got %+v", v)
	}
}

func TestValidateTokenRejects(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		token func() string
	}{
		{"garbage", func() string { return "not-a-jwt" }},
		{"wrong secret", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
				UserID: "u1",
				RegisteredClaims: jwt.RegisteredClaims{
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				},
			})
			s, _ := tok.SignedString([]byte("another-secret-that-is-32-chars-long"))
			return s
		}},
		{"expired", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
				UserID: "u1",
				RegisteredClaims: jwt.RegisteredClaims{
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
				},
			})
			s, _ := tok.SignedString([]byte(testSecret))
			return s
		}},
		{"no expiry", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: "u1"})
			s, _ := tok.SignedString([]byte(testSecret))
			return s
		}},
		{"alg none", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
				UserID: "u1",
				RegisteredClaims: jwt.RegisteredClaims{
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				},
			})
			s, _ := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
			return s
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ValidateToken(ctx, tt.token()); !errors.Is(err, ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestNilIdentityIsGuest(t *testing.T) {
	var id *Identity
	if v := id.Viewer(); !v.IsGuest() {
		t.Errorf("nil identity viewer: got %+v", v)
	}
}

func TestNewProvider(t *testing.T) {
	s := newTestStore(t)

	p, err := NewProvider(config.AuthConfig{JWTSecret: testSecret}, s)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "builtin" {
		t.Errorf("Name: got %q, want builtin", p.Name())
	}

	if _, err := NewProvider(config.AuthConfig{Provider: "okta"}, s); err == nil {
		t.Error("expected error for unknown provider")
	}
}
