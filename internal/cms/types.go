package cms

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeboard/tradeboard/internal/access"
)

func init() {
	// Entry, targets and stop loss are encoded as JSON numbers like the CMS stores them.
	decimal.MarshalJSONWithoutQuotes = true
}

// TokenRef is the token a signal trades, dereferenced from the CMS.
type TokenRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	CoingeckoID string `json:"coingecko_id,omitempty"`
	LogoURL     string `json:"logo_url,omitempty"`
}

// AnalystRef is the author summary embedded in signals.
type AnalystRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Signal is a published trade idea. Entry, targets, stop loss and body are
// premium fields removed by Redact.
type Signal struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Slug        string            `json:"slug,omitempty"`
	Pair        *TokenRef         `json:"pair,omitempty"`
	Direction   string            `json:"direction"` // "long" or "short"
	Entry       *decimal.Decimal  `json:"entry,omitempty"`
	Targets     []decimal.Decimal `json:"targets,omitempty"`
	StopLoss    *decimal.Decimal  `json:"stop_loss,omitempty"`
	Status      string            `json:"status"` // active, hit, stopped, closed
	Timeframe   string            `json:"timeframe,omitempty"`
	Access      string            `json:"access_level"`
	Analyst     *AnalystRef       `json:"analyst,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
	Body        json.RawMessage   `json:"body,omitempty"`
	access.Lock
}

func (s *Signal) AccessLevel() access.Level { return access.ParseLevel(s.Access) }

func (s *Signal) Redact(d access.Decision) {
	s.Entry = nil
	s.Targets = nil
	s.StopLoss = nil
	s.Body = nil
	s.Lock.Apply(d)
}

// Category groups news articles.
type Category struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Slug  string `json:"slug"`
}

// Article is a news post. Body is only loaded on detail reads.
type Article struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Slug          string          `json:"slug"`
	Excerpt       string          `json:"excerpt,omitempty"`
	CoverImageURL string          `json:"cover_image_url,omitempty"`
	Source        string          `json:"source,omitempty"`
	PublishedAt   time.Time       `json:"published_at"`
	Views         int             `json:"views"`
	Categories    []Category      `json:"categories,omitempty"`
	Access        string          `json:"access_level"`
	Body          json.RawMessage `json:"body,omitempty"`
	access.Lock
}

func (a *Article) AccessLevel() access.Level { return access.ParseLevel(a.Access) }

func (a *Article) Redact(d access.Decision) {
	a.Body = nil
	a.Lock.Apply(d)
}

// Analyst is a signal author profile.
type Analyst struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Slug      string   `json:"slug"`
	Bio       string   `json:"bio,omitempty"`
	AvatarURL string   `json:"avatar_url,omitempty"`
	WinRate   float64  `json:"win_rate"`
	Signals   []Signal `json:"signals,omitempty"` // recent signals, GetAnalyst only
}

// SignalFilter narrows ListSignals. Empty fields do not filter.
type SignalFilter struct {
	Status  string
	Analyst string // analyst slug
	Limit   int
	Offset  int
}

// NewsFilter narrows ListNews.
type NewsFilter struct {
	Category string // category slug
	Limit    int
	Offset   int
}
