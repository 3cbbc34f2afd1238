package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAllow_RejectsAfterLimit(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(3, time.Minute, 10, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		res := l.Allow("1.2.3.4")
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 3-(i+1), res.Remaining)
		assert.Equal(t, 3, res.Limit)
	}

	res := l.Allow("1.2.3.4")
	assert.False(t, res.Allowed, "4th request in the window")
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), res.Reset)

	// Other tokens are independent.
	assert.True(t, l.Allow("5.6.7.8").Allowed)
}

func TestAllow_NewWindowResets(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(2, time.Minute, 10, WithClock(clock.Now))

	l.Allow("u")
	l.Allow("u")
	require.False(t, l.Allow("u").Allowed)

	clock.Advance(59 * time.Second)
	assert.False(t, l.Allow("u").Allowed, "still inside the window")

	clock.Advance(time.Second)
	res := l.Allow("u")
	assert.True(t, res.Allowed, "window elapsed")
	assert.Equal(t, 1, res.Remaining)
}

func TestAllow_EvictsLeastRecentlyUsed(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(1, time.Minute, 2, WithClock(clock.Now))

	require.True(t, l.Allow("a").Allowed)
	require.True(t, l.Allow("b").Allowed)
	require.True(t, l.Allow("c").Allowed) // evicts "a"
	assert.Equal(t, 2, l.Len())

	assert.True(t, l.Allow("a").Allowed, "evicted token starts a fresh window")
	assert.False(t, l.Allow("c").Allowed)
}

func TestMiddleware(t *testing.T) {
	l := New(2, time.Minute, 10)
	rejected := 0
	h := Middleware(l, ByIP, func(*http.Request) { rejected++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := do("10.0.0.1:1234")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	// Different port, same IP.
	rec = do("10.0.0.1:5678")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = do("10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
	assert.Equal(t, 1, rejected)

	rec = do("10.0.0.2:1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_EmptyKeySkips(t *testing.T) {
	l := New(1, time.Minute, 10)
	h := Middleware(l, func(*http.Request) string { return "" }, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestByIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ByIP(req))

	req.RemoteAddr = "192.0.2.7"
	assert.Equal(t, "192.0.2.7", ByIP(req))
}
