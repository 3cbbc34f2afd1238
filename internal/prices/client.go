// Package prices fetches spot prices and market data from the CoinGecko API.
package prices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/tradeboard/tradeboard/internal/cache"
	"github.com/tradeboard/tradeboard/internal/config"
)

// ErrRateLimited is returned when CoinGecko answers 429.
var ErrRateLimited = errors.New("price api rate limited")

const maxIDs = 250

func init() {
	// Prices go on the wire as JSON numbers, the way CoinGecko sends them.
	decimal.MarshalJSONWithoutQuotes = true
}

// Prices maps a coin id to its fields, e.g.
// {"bitcoin": {"usd": 67000.1, "usd_24h_change": -1.2}}.
type Prices map[string]map[string]decimal.Decimal

// Filter returns the subset of p for ids.
func (p Prices) Filter(ids map[string]struct{}) Prices {
	out := make(Prices, len(ids))
	for id := range ids {
		if v, ok := p[id]; ok {
			out[id] = v
		}
	}
	return out
}

// Market is one row of the /coins/markets endpoint.
type Market struct {
	ID                       string          `json:"id"`
	Symbol                   string          `json:"symbol"`
	Name                     string          `json:"name"`
	Image                    string          `json:"image,omitempty"`
	CurrentPrice             decimal.Decimal `json:"current_price"`
	MarketCap                decimal.Decimal `json:"market_cap"`
	MarketCapRank            int             `json:"market_cap_rank"`
	TotalVolume              decimal.Decimal `json:"total_volume"`
	High24h                  decimal.Decimal `json:"high_24h"`
	Low24h                   decimal.Decimal `json:"low_24h"`
	PriceChange24h           decimal.Decimal `json:"price_change_24h"`
	PriceChangePercentage24h decimal.Decimal `json:"price_change_percentage_24h"`
	LastUpdated              time.Time       `json:"last_updated"`
}

// Client is a CoinGecko API client with a short-lived response cache.
type Client struct {
	http   *resty.Client
	cache  cache.Cache
	ttl    time.Duration
	vs     string
	logger *slog.Logger
}

// NewClient creates a price client. c may be nil to disable caching.
func NewClient(cfg config.PricesConfig, c cache.Cache, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		header := "x-cg-demo-api-key"
		if strings.Contains(cfg.BaseURL, "pro-api.") {
			header = "x-cg-pro-api-key"
		}
		httpClient.SetHeader(header, cfg.APIKey)
	}
	vs := cfg.VsCurrency
	if vs == "" {
		vs = "usd"
	}
	return &Client{
		http:   httpClient,
		cache:  c,
		ttl:    cfg.CacheTTL.Duration,
		vs:     vs,
		logger: logger.With("component", "prices"),
	}
}

// VsCurrency returns the default quote currency.
func (c *Client) VsCurrency() string { return c.vs }

// NormalizeIDs lowercases, trims, dedupes and sorts coin ids.
func NormalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	if len(out) > maxIDs {
		out = out[:maxIDs]
	}
	return out
}

// SimplePrices returns the price and 24h change of each coin in vs.
func (c *Client) SimplePrices(ctx context.Context, ids []string, vs string) (Prices, error) {
	ids = NormalizeIDs(ids)
	if len(ids) == 0 {
		return Prices{}, nil
	}
	if vs == "" {
		vs = c.vs
	}
	vs = strings.ToLower(vs)
	key := cache.Key("prices", "simple", vs, strings.Join(ids, ","))
	return cache.Remember(ctx, c.cache, c.logger, key, c.ttl, func(ctx context.Context) (Prices, error) {
		return c.fetchSimplePrices(ctx, ids, vs)
	})
}

func (c *Client) fetchSimplePrices(ctx context.Context, ids []string, vs string) (Prices, error) {
	var out Prices
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":                 strings.Join(ids, ","),
			"vs_currencies":       vs,
			"include_24hr_change": "true",
		}).
		SetResult(&out).
		Get("/simple/price")
	if err := checkResponse("simple price", resp, err); err != nil {
		return nil, err
	}
	if out == nil {
		out = Prices{}
	}
	return out, nil
}

// Markets returns a page of market data ordered by market cap. ids may be
// empty to page through all coins.
func (c *Client) Markets(ctx context.Context, vs string, ids []string, page, perPage int) ([]Market, error) {
	ids = NormalizeIDs(ids)
	if vs == "" {
		vs = c.vs
	}
	vs = strings.ToLower(vs)
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 250 {
		perPage = 250
	}
	key := cache.Key("prices", "markets", vs, strings.Join(ids, ","), page, perPage)
	return cache.Remember(ctx, c.cache, c.logger, key, c.ttl, func(ctx context.Context) ([]Market, error) {
		params := map[string]string{
			"vs_currency":             vs,
			"order":                   "market_cap_desc",
			"page":                    strconv.Itoa(page),
			"per_page":                strconv.Itoa(perPage),
			"price_change_percentage": "24h",
		}
		if len(ids) > 0 {
			params["ids"] = strings.Join(ids, ",")
		}
		var out []Market
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&out).
			Get("/coins/markets")
		if err := checkResponse("markets", resp, err); err != nil {
			return nil, err
		}
		if out == nil {
			out = []Market{}
		}
		return out, nil
	})
}

func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("coingecko %s: %w", op, err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return fmt.Errorf("coingecko %s: %w", op, ErrRateLimited)
	}
	if resp.IsError() {
		return fmt.Errorf("coingecko %s: %s", op, resp.Status())
	}
	return nil
}
