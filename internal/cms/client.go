// Package cms reads trading signals, news and analyst profiles from the
// Sanity content lake using GROQ queries.
package cms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tradeboard/tradeboard/internal/cache"
	"github.com/tradeboard/tradeboard/internal/config"
)

// ErrNotFound is returned when a single-document query matches nothing.
var ErrNotFound = errors.New("document not found")

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Client queries one Sanity dataset.
type Client struct {
	http   *resty.Client
	path   string
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewClient creates a CMS client. c may be nil to disable caching.
func NewClient(cfg config.CMSConfig, c cache.Cache, logger *slog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		host := "api"
		if cfg.UseCDN {
			host = "apicdn"
		}
		baseURL = fmt.Sprintf("https://%s.%s.sanity.io", cfg.ProjectID, host)
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}
	return &Client{
		http:   httpClient,
		path:   fmt.Sprintf("/v%s/data/query/%s", strings.TrimPrefix(cfg.APIVersion, "v"), cfg.Dataset),
		cache:  c,
		ttl:    cfg.CacheTTL.Duration,
		logger: logger.With("component", "cms"),
	}
}

type queryResponse struct {
	Result json.RawMessage `json:"result"`
	Ms     int             `json:"ms"`
}

type queryError struct {
	Error struct {
		Description string `json:"description"`
		Type        string `json:"type"`
	} `json:"error"`
}

// Query runs a GROQ query with parameters and decodes the result into out.
// Parameters are JSON-encoded as $name query values.
func (c *Client) Query(ctx context.Context, groq string, params map[string]any, out any) error {
	var result queryResponse
	var apiErr queryError
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("query", groq).
		SetResult(&result).
		SetError(&apiErr)
	for name, v := range params {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode param %s: %w", name, err)
		}
		req.SetQueryParam("$"+name, string(b))
	}

	start := time.Now()
	resp, err := req.Get(c.path)
	if err != nil {
		return fmt.Errorf("cms query: %w", err)
	}
	if resp.IsError() {
		if apiErr.Error.Description != "" {
			return fmt.Errorf("cms query: %s: %s", resp.Status(), apiErr.Error.Description)
		}
		return fmt.Errorf("cms query: %s", resp.Status())
	}
	c.logger.Debug("cms query", "ms", result.Ms, "elapsed", time.Since(start))

	if len(result.Result) == 0 || string(result.Result) == "null" {
		return ErrNotFound
	}
	if err := json.Unmarshal(result.Result, out); err != nil {
		return fmt.Errorf("decode cms result: %w", err)
	}
	return nil
}

func cached[T any](ctx context.Context, c *Client, key string, groq string, params map[string]any) (T, error) {
	return cache.Remember(ctx, c.cache, c.logger, key, c.ttl, func(ctx context.Context) (T, error) {
		var out T
		err := c.Query(ctx, groq, params, &out)
		return out, err
	})
}

func cachedList[T any](ctx context.Context, c *Client, key string, groq string, params map[string]any) ([]T, error) {
	out, err := cached[[]T](ctx, c, key, groq, params)
	if errors.Is(err, ErrNotFound) {
		return []T{}, nil
	}
	if out == nil {
		out = []T{}
	}
	return out, err
}

func page(limit, offset int) (start, end int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return offset, offset + limit
}

const tokenRefProjection = `{"id": _id, name, symbol, "coingecko_id": coingeckoId, "logo_url": logo.asset->url}`

const analystRefProjection = `{"id": _id, name, "slug": slug.current, "avatar_url": avatar.asset->url}`

const signalProjection = `{
  "id": _id, title, "slug": slug.current,
  "pair": pair->` + tokenRefProjection + `,
  direction, entry, targets, "stop_loss": stopLoss, status, timeframe,
  "access_level": coalesce(accessLevel, "public"),
  "analyst": analyst->` + analystRefProjection + `,
  "published_at": publishedAt, body
}`

const categoryProjection = `{"id": _id, title, "slug": slug.current}`

const articleTeaserProjection = `{
  "id": _id, title, "slug": slug.current, excerpt,
  "cover_image_url": coverImage.asset->url, source,
  "published_at": publishedAt, "views": coalesce(views, 0),
  "categories": categories[]->` + categoryProjection + `,
  "access_level": coalesce(accessLevel, "public")
}`

const articleProjection = `{
  "id": _id, title, "slug": slug.current, excerpt,
  "cover_image_url": coverImage.asset->url, source,
  "published_at": publishedAt, "views": coalesce(views, 0),
  "categories": categories[]->` + categoryProjection + `,
  "access_level": coalesce(accessLevel, "public"),
  body
}`

const analystProjection = `{
  "id": _id, name, "slug": slug.current, bio,
  "avatar_url": avatar.asset->url, "win_rate": coalesce(winRate, 0)
}`

// ListSignals returns signals newest first.
func (c *Client) ListSignals(ctx context.Context, f SignalFilter) ([]Signal, error) {
	start, end := page(f.Limit, f.Offset)
	groq := `*[_type == "signal" && ($status == "" || status == $status) && ($analyst == "" || analyst->slug.current == $analyst)]
  | order(publishedAt desc) [$start...$end] ` + signalProjection
	params := map[string]any{"status": f.Status, "analyst": f.Analyst, "start": start, "end": end}
	return cachedList[Signal](ctx, c, cache.Key("cms", "signals", f.Status, f.Analyst, start, end), groq, params)
}

// GetSignal returns one signal by document id.
func (c *Client) GetSignal(ctx context.Context, id string) (*Signal, error) {
	groq := `*[_type == "signal" && _id == $id][0] ` + signalProjection
	return cached[*Signal](ctx, c, cache.Key("cms", "signal", id), groq, map[string]any{"id": id})
}

// ListNews returns article teasers newest first.
func (c *Client) ListNews(ctx context.Context, f NewsFilter) ([]Article, error) {
	start, end := page(f.Limit, f.Offset)
	groq := `*[_type == "newsArticle" && ($category == "" || $category in categories[]->slug.current)]
  | order(publishedAt desc) [$start...$end] ` + articleTeaserProjection
	params := map[string]any{"category": f.Category, "start": start, "end": end}
	return cachedList[Article](ctx, c, cache.Key("cms", "news", f.Category, start, end), groq, params)
}

// TrendingNews returns the most viewed articles published since the given time.
func (c *Client) TrendingNews(ctx context.Context, limit int, since time.Time) ([]Article, error) {
	_, end := page(limit, 0)
	sinceStr := since.UTC().Truncate(time.Hour).Format(time.RFC3339)
	groq := `*[_type == "newsArticle" && publishedAt >= $since]
  | order(views desc, publishedAt desc) [0...$limit] ` + articleTeaserProjection
	params := map[string]any{"since": sinceStr, "limit": end}
	return cachedList[Article](ctx, c, cache.Key("cms", "trending", sinceStr, end), groq, params)
}

// GetArticle returns a full article by slug.
func (c *Client) GetArticle(ctx context.Context, slug string) (*Article, error) {
	groq := `*[_type == "newsArticle" && slug.current == $slug][0] ` + articleProjection
	return cached[*Article](ctx, c, cache.Key("cms", "article", slug), groq, map[string]any{"slug": slug})
}

func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	groq := `*[_type == "category"] | order(title asc) ` + categoryProjection
	return cachedList[Category](ctx, c, cache.Key("cms", "categories"), groq, nil)
}

func (c *Client) ListAnalysts(ctx context.Context) ([]Analyst, error) {
	groq := `*[_type == "analyst"] | order(name asc) ` + analystProjection
	return cachedList[Analyst](ctx, c, cache.Key("cms", "analysts"), groq, nil)
}

// GetAnalyst returns an analyst profile with their ten most recent signals.
func (c *Client) GetAnalyst(ctx context.Context, slug string) (*Analyst, error) {
	groq := `*[_type == "analyst" && slug.current == $slug][0] {
  "id": _id, name, "slug": slug.current, bio,
  "avatar_url": avatar.asset->url, "win_rate": coalesce(winRate, 0),
  "signals": *[_type == "signal" && references(^._id)] | order(publishedAt desc) [0...10] ` + signalProjection + `
}`
	return cached[*Analyst](ctx, c, cache.Key("cms", "analyst", slug), groq, map[string]any{"slug": slug})
}
