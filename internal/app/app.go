// Package app is the main orchestrator that ties all Tradeboard components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/tradeboard/tradeboard/internal/api"
	"github.com/tradeboard/tradeboard/internal/auth"
	"github.com/tradeboard/tradeboard/internal/billing"
	"github.com/tradeboard/tradeboard/internal/cache"
	"github.com/tradeboard/tradeboard/internal/cms"
	"github.com/tradeboard/tradeboard/internal/config"
	"github.com/tradeboard/tradeboard/internal/metrics"
	"github.com/tradeboard/tradeboard/internal/prices"
	"github.com/tradeboard/tradeboard/internal/store"
	"github.com/tradeboard/tradeboard/internal/stream"
)

// App is the main server process.
type App struct {
	cfg     *config.Config
	store   store.Store
	cache   cache.Cache
	stream  *stream.Hub
	poller  *prices.Poller
	api     *api.Server
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates the app from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	m := metrics.New("tradeboard")
	c := m.InstrumentCache(cache.Open(ctx, cfg.Cache, logger))

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = c.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(ctx); err != nil {
		_ = c.Close()
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	opts := api.ServerOptions{Metrics: m}
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		opts.Login = lp
	}

	if cfg.Auth.ClerkWebhookSecret != "" {
		opts.ClerkSync, err = auth.NewClerkSync(db, cfg.Auth.ClerkWebhookSecret, logger)
		if err != nil {
			_ = c.Close()
			_ = db.Close()
			return nil, fmt.Errorf("init clerk webhooks: %w", err)
		}
	}

	if cfg.Billing.Enabled {
		opts.Billing = NewReconciler(cfg, db, logger)
	}

	cmsClient := cms.NewClient(cfg.CMS, c, logger)
	priceClient := prices.NewClient(cfg.Prices, c, logger)

	// Price stream fed by the poller.
	hub := stream.NewHub(cfg.Server.AllowedOrigins, cfg.Server.MaxWSClients, logger)
	hub.OnConnChange(func(n int) { m.StreamConnections.Set(float64(n)) })
	opts.Stream = hub

	poller := prices.NewPoller(priceClient, cfg.Prices.WatchList, cfg.Prices.PollInterval.Duration, hub, logger)
	poller.OnPoll(m.RecordPoll)

	apiSrv := api.NewServer(db, authProvider, cmsClient, priceClient, cfg, opts, logger)

	a := &App{
		cfg:     cfg,
		store:   db,
		cache:   c,
		stream:  hub,
		poller:  poller,
		api:     apiSrv,
		metrics: m,
		logger:  logger.With("component", "app"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters, use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if !cfg.Billing.Enabled {
		logger.Info("billing disabled, premium state is read from the local database only")
	}

	if cfg.Server.UIStaticDir != "" {
		if _, err := os.Stat(cfg.Server.UIStaticDir); os.IsNotExist(err) {
			logger.Warn("UI static directory does not exist", "path", cfg.Server.UIStaticDir)
		}
	}

	return a, nil
}

// NewReconciler builds the Stripe-backed billing reconciler. When metadata
// sync is enabled and a Clerk secret key is configured, billing changes are
// also pushed to the Clerk user's public metadata.
func NewReconciler(cfg *config.Config, db store.Store, logger *slog.Logger) *billing.Reconciler {
	var metadata auth.MetadataUpdater
	if cfg.Billing.SyncAuthMetadata && cfg.Auth.ClerkSecretKey != "" {
		metadata = auth.NewClerkClient(cfg.Auth.ClerkAPIURL, cfg.Auth.ClerkSecretKey)
	}
	gw := billing.NewStripeGateway(cfg.Billing.StripeSecretKey, cfg.Billing.StripeWebhookSecret, nil)
	plans := billing.NewPlans(cfg.Billing.StripePricePro, cfg.Billing.StripePriceElite)
	return billing.NewReconciler(db, gw, plans, metadata, logger)
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Run starts the HTTP server and background workers and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go a.poller.Run(ctx)
	go a.runRetentionPurger(ctx, a.cfg.Storage.AuditRetention.Duration, a.cfg.Storage.EventRetention.Duration)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("tradeboard listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a.stream.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		a.stream.Close()
		a.close()
		return err
	}
}

func (a *App) close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("closing cache failed", "error", err)
	}
	a.logger.Info("closing store")
	_ = a.store.Close()
}

func (a *App) runRetentionPurger(ctx context.Context, auditRetention, eventRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.purge(ctx, auditRetention, eventRetention)
		}
	}
}

func (a *App) purge(ctx context.Context, auditRetention, eventRetention time.Duration) {
	if auditRetention > 0 {
		if n, err := a.store.PurgeOldAuditEvents(ctx, time.Now().Add(-auditRetention)); err != nil {
			a.logger.Warn("retention purge: audit events failed", "error", err)
		} else if n > 0 {
			a.logger.Info("retention purge: deleted old audit events", "count", n)
		}
	}
	if eventRetention > 0 {
		if n, err := a.store.PurgeOldWebhookEvents(ctx, time.Now().Add(-eventRetention)); err != nil {
			a.logger.Warn("retention purge: webhook events failed", "error", err)
		} else if n > 0 {
			a.logger.Info("retention purge: deleted old webhook events", "count", n)
		}
	}
}
