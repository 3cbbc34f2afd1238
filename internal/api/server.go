// Package api provides the HTTP API and middleware for Tradeboard.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tradeboard/tradeboard/internal/auth"
	"github.com/tradeboard/tradeboard/internal/billing"
	"github.com/tradeboard/tradeboard/internal/cms"
	"github.com/tradeboard/tradeboard/internal/config"
	"github.com/tradeboard/tradeboard/internal/metrics"
	"github.com/tradeboard/tradeboard/internal/prices"
	"github.com/tradeboard/tradeboard/internal/ratelimit"
	"github.com/tradeboard/tradeboard/internal/store"
	"github.com/tradeboard/tradeboard/internal/stream"
)

// ServerOptions contains optional dependencies for the API server.
type ServerOptions struct {
	Login     auth.LoginProvider  // builtin auth only
	ClerkSync *auth.ClerkSync     // nil when Clerk webhooks are not configured
	Billing   *billing.Reconciler // nil when billing is disabled
	Stream    *stream.Hub         // nil disables /ws/prices
	Metrics   *metrics.Metrics
}

// Server is the HTTP API server.
type Server struct {
	store            store.Store
	authProvider     auth.Provider
	loginProvider    auth.LoginProvider
	clerkSync        *auth.ClerkSync
	billing          *billing.Reconciler
	plans            *billing.Plans
	cms              *cms.Client
	prices           *prices.Client
	metrics          *metrics.Metrics
	logger           *slog.Logger
	mux              *chi.Mux
	startTime        time.Time
	maxBodyBytes     int64
	authProviderName string // "builtin" or "clerk"
	billingCfg       config.BillingConfig
	apiRL            *ratelimit.Limiter
	loginRL          *ratelimit.Limiter
	paymentRL        *ratelimit.Limiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, cmsClient *cms.Client, priceClient *prices.Client, cfg *config.Config, opts ServerOptions, logger *slog.Logger) *Server {
	m := opts.Metrics
	if m == nil {
		m = metrics.New("tradeboard")
	}
	plans := billing.NewPlans(cfg.Billing.StripePricePro, cfg.Billing.StripePriceElite)
	if opts.Billing != nil {
		plans = opts.Billing.Plans()
	}

	srv := &Server{
		store:            s,
		authProvider:     ap,
		loginProvider:    opts.Login,
		clerkSync:        opts.ClerkSync,
		billing:          opts.Billing,
		plans:            plans,
		cms:              cmsClient,
		prices:           priceClient,
		metrics:          m,
		logger:           logger.With("component", "api"),
		startTime:        time.Now(),
		maxBodyBytes:     cfg.Server.MaxBodyBytes,
		authProviderName: ap.Name(),
		billingCfg:       cfg.Billing,
		apiRL:            ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window.Duration, cfg.RateLimit.MaxTokens),
		loginRL:          ratelimit.New(5, time.Minute, cfg.RateLimit.MaxTokens),
		paymentRL:        ratelimit.New(6, time.Minute, cfg.RateLimit.MaxTokens),
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(m.Middleware)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health and metrics routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Method(http.MethodGet, "/metrics", m.Handler())

	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if srv.loginProvider != nil {
		mux.With(ratelimit.Middleware(srv.loginRL, ratelimit.ByIP, srv.onRateLimited("login"))).
			Post("/api/auth/login", srv.handleLogin)
	}

	// Webhooks are public and signature-verified.
	if srv.billing != nil {
		mux.Post("/api/webhooks/stripe", srv.handleStripeWebhook)
	}
	if srv.clerkSync != nil {
		mux.Post("/api/webhooks/clerk", srv.handleClerkWebhook)
	}

	// Price stream (origin-checked inside the hub)
	if opts.Stream != nil {
		mux.Method(http.MethodGet, "/ws/prices", opts.Stream)
	}

	mux.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(srv.apiRL, ratelimit.ByIP, srv.onRateLimited("api")))

		// Public content. A bearer token, when present, unlocks gated fields.
		r.Group(func(r chi.Router) {
			r.Use(srv.optionalAuthMiddleware)

			r.Get("/api/chains", srv.handleListChains)
			r.Get("/api/tokens", srv.handleListTokens)
			r.Get("/api/token-lists", srv.handleListTokenLists)
			r.Get("/api/token-lists/{slug}", srv.handleGetTokenList)

			r.Get("/api/news", srv.handleListNews)
			r.Get("/api/news/trending", srv.handleTrendingNews)
			r.Get("/api/news/categories", srv.handleListCategories)
			r.Get("/api/news/{slug}", srv.handleGetArticle)

			r.Get("/api/signals", srv.handleListSignals)
			r.Get("/api/signals/{id}", srv.handleGetSignal)
			r.Get("/api/analysts", srv.handleListAnalysts)
			r.Get("/api/analysts/{slug}", srv.handleGetAnalyst)

			r.Get("/api/prices", srv.handleGetPrices)
			r.Get("/api/markets", srv.handleGetMarkets)

			r.Get("/api/billing/plans", srv.handleGetPlans)
		})

		// Authenticated API routes
		r.Group(func(r chi.Router) {
			r.Use(srv.authMiddleware)
			// Auto-provision users when using external auth (Clerk).
			if srv.authProviderName == "clerk" {
				r.Use(srv.ensureUserMiddleware)
			}

			r.Get("/api/me", srv.handleGetMe)
			r.With(ratelimit.Middleware(srv.paymentRL, byUser, srv.onRateLimited("payment_check"))).
				Post("/api/payment/check", srv.handlePaymentCheck)
			r.Get("/api/permission/check", srv.handlePermissionCheck)

			if srv.billing != nil {
				r.Post("/api/billing/checkout", srv.handleCreateCheckout)
				r.Post("/api/billing/portal", srv.handleCreatePortal)
			}

			r.With(srv.premiumMiddleware).Get("/api/dashboard/signals", srv.handleDashboardSignals)

			r.Group(func(r chi.Router) {
				r.Use(srv.adminMiddleware)
				r.Put("/api/admin/chains", srv.handleAdminPutChains)
				r.Put("/api/admin/tokens", srv.handleAdminPutTokens)
				r.Put("/api/admin/token-lists/{slug}", srv.handleAdminPutTokenList)
				r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
				r.Get("/api/admin/users", srv.handleAdminListUsers)
				r.Post("/api/admin/users/{userID}/reconcile", srv.handleAdminReconcileUser)
			})
		})
	})

	// Serve UI static files if configured.
	uiDir := cfg.Server.UIStaticDir
	if uiDir != "" {
		fileServer := http.FileServer(http.Dir(uiDir))
		mux.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Try serving the file, fall back to index.html for SPA routing.
			path := r.URL.Path
			if path != "/" && !strings.Contains(path, ".") {
				r.URL.Path = "/"
			}
			fileServer.ServeHTTP(w, r)
		}))
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) onRateLimited(limiter string) func(r *http.Request) {
	return func(r *http.Request) {
		s.metrics.RateLimitRejections.WithLabelValues(limiter).Inc()
		s.logger.Debug("rate limited", "limiter", limiter, "remote", r.RemoteAddr, "path", r.URL.Path)
	}
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "database unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProviderName})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r.Context(), "login.failed", "", map[string]any{"username": req.Username})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// Look up user for audit event.
	userID := ""
	if user, _ := s.store.GetUserByUsername(r.Context(), req.Username); user != nil {
		userID = user.ID
	}
	s.audit(r.Context(), "login.success", userID, nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type meResponse struct {
	ID       string             `json:"id"`
	Username string             `json:"username"`
	Email    string             `json:"email,omitempty"`
	Role     string             `json:"role"`
	Tier     string             `json:"tier"`
	Premium  bool               `json:"premium"`
	Billing  store.BillingState `json:"billing"`
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	user, err := s.currentUser(r.Context(), identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
		Tier:     user.Tier,
		Premium:  user.Premium,
		Billing:  user.Billing(),
	})
}

// currentUser resolves the local row for an identity. Builtin tokens carry
// the local id; external providers carry their own user id.
func (s *Server) currentUser(ctx context.Context, identity *auth.Identity) (*store.User, error) {
	if identity == nil {
		return nil, nil
	}
	if s.authProviderName == "clerk" {
		return s.store.GetUserByExternalID(ctx, identity.UserID)
	}
	return s.store.GetUserByID(ctx, identity.UserID)
}

// --- Helpers ---

func (s *Server) audit(ctx context.Context, action, userID string, detail map[string]any) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		Detail:    raw,
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// pageParams reads limit and offset query parameters, capping limit at maxLimit.
func pageParams(r *http.Request, def, maxLimit int) (limit, offset int) {
	limit = def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// splitList parses a comma-separated query parameter.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
