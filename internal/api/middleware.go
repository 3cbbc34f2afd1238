package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tradeboard/tradeboard/internal/access"
	"github.com/tradeboard/tradeboard/internal/auth"
	"github.com/tradeboard/tradeboard/internal/store"
)

type contextKey string

const identityKey contextKey = "identity"

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	return authHeader[7:], true
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// optionalAuthMiddleware attaches the identity when a valid bearer token is
// present. Missing or invalid tokens are served as guests.
func (s *Server) optionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
		if err != nil {
			s.logger.Debug("ignoring invalid token on public route", "path", r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getIdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityKey).(*auth.Identity)
	return identity
}

// byUser keys rate limits by the authenticated user id.
func byUser(r *http.Request) string {
	if identity := getIdentityFromContext(r.Context()); identity != nil {
		return identity.UserID
	}
	return ""
}

// ensureUserMiddleware auto-provisions a local user when an
// externally-authenticated user is seen before their webhook arrives.
// This is only active when the auth provider is "clerk".
func (s *Server) ensureUserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		existing, err := s.store.GetUserByExternalID(ctx, identity.UserID)
		if err != nil {
			s.logger.Error("failed to look up user", "external_id", identity.UserID, "error", err)
		} else if existing == nil {
			username := identity.Username
			if taken, _ := s.store.GetUserByUsername(ctx, username); taken != nil || username == "" {
				username = identity.UserID
			}
			role := "user"
			if access.ParseRole(identity.Role) == access.RoleAdmin {
				role = "admin"
			}
			if err := s.store.CreateUser(ctx, &store.User{
				ID:         uuid.New().String(),
				ExternalID: identity.UserID,
				Email:      identity.Email,
				Username:   username,
				Role:       role,
				Tier:       string(access.TierFree),
				CreatedAt:  time.Now(),
			}); err != nil {
				s.logger.Warn("failed to provision user", "external_id", identity.UserID, "error", err)
			}
		}

		next.ServeHTTP(w, r)
	})
}

// premiumMiddleware admits sessions whose token carries the premium flag or
// a paid tier, and admins. Everyone else gets 402.
func (s *Server) premiumMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		d := access.Check(identity.Viewer(), access.LevelPro)
		if !d.Allowed {
			s.writeDenied(w, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil || access.ParseRole(identity.Role) != access.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeDenied maps an entitlement denial to 401 or 402.
func (s *Server) writeDenied(w http.ResponseWriter, d access.Decision) {
	s.metrics.AccessDenials.WithLabelValues(string(d.Reason)).Inc()
	status, msg := http.StatusPaymentRequired, "upgrade required"
	if d.Reason == access.ReasonLoginRequired {
		status, msg = http.StatusUnauthorized, "login required"
	}
	writeJSON(w, status, map[string]string{
		"error":         msg,
		"reason":        string(d.Reason),
		"required_tier": string(d.RequiredTier),
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
