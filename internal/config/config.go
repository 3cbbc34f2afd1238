// Package config handles service configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	CMS       CMSConfig       `json:"cms"`
	Prices    PricesConfig    `json:"prices,omitempty"`
	Cache     CacheConfig     `json:"cache,omitempty"`
	Billing   BillingConfig   `json:"billing,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	UIStaticDir    string   `json:"ui_static_dir,omitempty"`   // path to the built site
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
	MaxWSClients   int      `json:"max_ws_clients,omitempty"`  // price stream connections; default 1000
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider           string        `json:"provider,omitempty"` // "builtin" (default) or "clerk"
	ClerkIssuer        string        `json:"clerk_issuer,omitempty"`
	ClerkSecretKey     string        `json:"clerk_secret_key,omitempty"` // Backend API key, enables metadata sync
	ClerkWebhookSecret string        `json:"clerk_webhook_secret,omitempty"`
	ClerkAPIURL        string        `json:"clerk_api_url,omitempty"` // default https://api.clerk.com
	JWTSecret          string        `json:"jwt_secret,omitempty"`
	JWTExpiry          Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin       *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "tradeboard.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty"` // default 90 days
	EventRetention Duration `json:"event_retention,omitempty"` // webhook dedup window; default 30 days
}

// CMSConfig points at the headless CMS dataset.
type CMSConfig struct {
	ProjectID  string   `json:"project_id"`
	Dataset    string   `json:"dataset,omitempty"`     // default "production"
	APIVersion string   `json:"api_version,omitempty"` // default "2023-05-03"
	Token      string   `json:"token,omitempty"`       // read token for private datasets
	UseCDN     bool     `json:"use_cdn,omitempty"`
	BaseURL    string   `json:"base_url,omitempty"` // overrides the derived API host
	CacheTTL   Duration `json:"cache_ttl,omitempty"` // default 5m
}

// PricesConfig defines the public price API and the live price feed.
type PricesConfig struct {
	BaseURL      string   `json:"base_url,omitempty"` // default https://api.coingecko.com/api/v3
	APIKey       string   `json:"api_key,omitempty"`
	VsCurrency   string   `json:"vs_currency,omitempty"`   // default "usd"
	CacheTTL     Duration `json:"cache_ttl,omitempty"`     // default 60s
	PollInterval Duration `json:"poll_interval,omitempty"` // default 30s
	WatchList    []string `json:"watch_list,omitempty"`    // coin ids streamed over /ws/prices
}

// CacheConfig selects the shared cache backend. An empty RedisAddr keeps the
// cache in process memory.
type CacheConfig struct {
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	MemoryEntries int    `json:"memory_entries,omitempty"` // default 1024
}

// BillingConfig defines Stripe billing settings. Disabled by default.
type BillingConfig struct {
	Enabled             bool   `json:"enabled,omitempty"`
	StripeSecretKey     string `json:"stripe_secret_key,omitempty"`
	StripeWebhookSecret string `json:"stripe_webhook_secret,omitempty"`
	StripePricePro      string `json:"stripe_price_pro,omitempty"`   // Stripe price ID for the pro tier
	StripePriceElite    string `json:"stripe_price_elite,omitempty"` // Stripe price ID for the elite tier
	SuccessURL          string `json:"success_url,omitempty"`
	CancelURL           string `json:"cancel_url,omitempty"`
	PortalReturnURL     string `json:"portal_return_url,omitempty"`
	SyncAuthMetadata    bool   `json:"sync_auth_metadata,omitempty"` // push premium/tier into Clerk public metadata
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines fixed-window rate limiting settings.
type RateLimitConfig struct {
	Requests  int      `json:"requests,omitempty"`   // per window per client IP; default 60
	Window    Duration `json:"window,omitempty"`     // default 1m
	MaxTokens int      `json:"max_tokens,omitempty"` // distinct clients tracked; default 500
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file. ${VAR} references are expanded
// from the environment before parsing so secrets can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse validates raw JSON config and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Auth.Provider {
	case "", "builtin":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
	case "clerk":
		if c.Auth.ClerkIssuer == "" {
			return fmt.Errorf("auth.clerk_issuer is required when provider is clerk")
		}
	default:
		return fmt.Errorf("auth.provider must be builtin or clerk, got %q", c.Auth.Provider)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.CMS.ProjectID == "" && c.CMS.BaseURL == "" {
		return fmt.Errorf("cms.project_id is required")
	}
	if c.Billing.Enabled {
		if c.Billing.StripeSecretKey == "" {
			return fmt.Errorf("billing.stripe_secret_key is required when billing is enabled")
		}
		if c.Billing.StripeWebhookSecret == "" {
			return fmt.Errorf("billing.stripe_webhook_secret is required when billing is enabled")
		}
		if c.Billing.StripePricePro == "" && c.Billing.StripePriceElite == "" {
			return fmt.Errorf("billing needs at least one of stripe_price_pro or stripe_price_elite")
		}
	}
	if c.Billing.SyncAuthMetadata && c.Auth.ClerkSecretKey == "" {
		return fmt.Errorf("billing.sync_auth_metadata requires auth.clerk_secret_key")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.ClerkAPIURL == "" {
		c.Auth.ClerkAPIURL = "https://api.clerk.com"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "tradeboard.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 90 * 24 * time.Hour
	}
	if c.Storage.EventRetention.Duration == 0 {
		c.Storage.EventRetention.Duration = 30 * 24 * time.Hour
	}
	if c.CMS.Dataset == "" {
		c.CMS.Dataset = "production"
	}
	if c.CMS.APIVersion == "" {
		c.CMS.APIVersion = "2023-05-03"
	}
	if c.CMS.CacheTTL.Duration == 0 {
		c.CMS.CacheTTL.Duration = 5 * time.Minute
	}
	if c.Prices.BaseURL == "" {
		c.Prices.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if c.Prices.VsCurrency == "" {
		c.Prices.VsCurrency = "usd"
	}
	if c.Prices.CacheTTL.Duration == 0 {
		c.Prices.CacheTTL.Duration = 60 * time.Second
	}
	if c.Prices.PollInterval.Duration == 0 {
		c.Prices.PollInterval.Duration = 30 * time.Second
	}
	if c.Cache.MemoryEntries == 0 {
		c.Cache.MemoryEntries = 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 60
	}
	if c.RateLimit.Window.Duration == 0 {
		c.RateLimit.Window.Duration = time.Minute
	}
	if c.RateLimit.MaxTokens == 0 {
		c.RateLimit.MaxTokens = 500
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxWSClients == 0 {
		c.Server.MaxWSClients = 1000
	}
}
