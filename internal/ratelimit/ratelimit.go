// Package ratelimit provides an in-process fixed-window rate limiter backed
// by a bounded LRU. It is best-effort: counts live in one process and a
// token evicted from a full LRU starts over with a fresh window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time // end of the current window
}

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per token in fixed windows.
type Limiter struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	windows  *expirable.LRU[string, *window]
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a limiter allowing limit requests per interval for each of up
// to maxTokens distinct tokens.
func New(limit int, interval time.Duration, maxTokens int, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if maxTokens <= 0 {
		maxTokens = 500
	}
	l := &Limiter{
		limit:    limit,
		interval: interval,
		windows:  expirable.NewLRU[string, *window](maxTokens, nil, interval),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the configured requests per window.
func (l *Limiter) Limit() int { return l.limit }

// Allow records a request for token and reports whether it fits in the
// current window.
func (l *Limiter) Allow(token string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows.Get(token)
	if !ok || now.Sub(w.start) >= l.interval {
		w = &window{start: now}
		l.windows.Add(token, w)
	}

	res := Result{Limit: l.limit, Reset: w.start.Add(l.interval)}
	if w.count >= l.limit {
		return res
	}
	w.count++
	res.Allowed = true
	res.Remaining = l.limit - w.count
	return res
}

// Len returns the number of tokens currently tracked.
func (l *Limiter) Len() int {
	return l.windows.Len()
}
