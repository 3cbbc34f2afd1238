package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradeboard/tradeboard/internal/access"
	"github.com/tradeboard/tradeboard/internal/auth"
	"github.com/tradeboard/tradeboard/internal/cms"
	"github.com/tradeboard/tradeboard/internal/prices"
)

const trendingWindow = 7 * 24 * time.Hour

// viewerFor builds the viewer for an identity. The local row, when present,
// supplies role, tier and premium since it is fresher than a session token
// issued before the last reconciliation.
func (s *Server) viewerFor(ctx context.Context, identity *auth.Identity) access.Viewer {
	v := identity.Viewer()
	if identity == nil {
		return v
	}
	user, err := s.currentUser(ctx, identity)
	if err != nil || user == nil {
		return v
	}
	v.Role = access.ParseRole(user.Role)
	v.Tier = access.ParseTier(user.Tier)
	v.Premium = user.Premium
	return v
}

func refs[T any](xs []T) []*T {
	out := make([]*T, len(xs))
	for i := range xs {
		out[i] = &xs[i]
	}
	return out
}

// writeCMSError maps a CMS failure to a response without leaking upstream text.
func (s *Server) writeCMSError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, cms.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error("cms query failed", "op", op, "error", err)
	writeError(w, http.StatusBadGateway, "content service unavailable")
}

// --- News handlers ---

func (s *Server) handleListNews(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 20, 100)
	articles, err := s.cms.ListNews(r.Context(), cms.NewsFilter{
		Category: r.URL.Query().Get("category"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.writeCMSError(w, "list_news", err)
		return
	}
	access.GateAll(s.viewerFor(r.Context(), getIdentityFromContext(r.Context())), refs(articles))
	writeJSON(w, http.StatusOK, articles)
}

func (s *Server) handleTrendingNews(w http.ResponseWriter, r *http.Request) {
	limit, _ := pageParams(r, 5, 20)
	articles, err := s.cms.TrendingNews(r.Context(), limit, time.Now().Add(-trendingWindow))
	if err != nil {
		s.writeCMSError(w, "trending_news", err)
		return
	}
	access.GateAll(s.viewerFor(r.Context(), getIdentityFromContext(r.Context())), refs(articles))
	writeJSON(w, http.StatusOK, articles)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.cms.ListCategories(r.Context())
	if err != nil {
		s.writeCMSError(w, "list_categories", err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	article, err := s.cms.GetArticle(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		s.writeCMSError(w, "get_article", err)
		return
	}
	d := access.Gate(s.viewerFor(r.Context(), getIdentityFromContext(r.Context())), article)
	if !d.Allowed {
		s.metrics.AccessDenials.WithLabelValues(string(d.Reason)).Inc()
	}
	writeJSON(w, http.StatusOK, article)
}

// --- Signal handlers ---

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 20, 100)
	q := r.URL.Query()
	signals, err := s.cms.ListSignals(r.Context(), cms.SignalFilter{
		Status:  q.Get("status"),
		Analyst: q.Get("analyst"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.writeCMSError(w, "list_signals", err)
		return
	}
	access.GateAll(s.viewerFor(r.Context(), getIdentityFromContext(r.Context())), refs(signals))
	writeJSON(w, http.StatusOK, signals)
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	signal, err := s.cms.GetSignal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeCMSError(w, "get_signal", err)
		return
	}
	d := access.Gate(s.viewerFor(r.Context(), getIdentityFromContext(r.Context())), signal)
	if !d.Allowed {
		s.metrics.AccessDenials.WithLabelValues(string(d.Reason)).Inc()
	}
	writeJSON(w, http.StatusOK, signal)
}

func (s *Server) handleListAnalysts(w http.ResponseWriter, r *http.Request) {
	analysts, err := s.cms.ListAnalysts(r.Context())
	if err != nil {
		s.writeCMSError(w, "list_analysts", err)
		return
	}
	writeJSON(w, http.StatusOK, analysts)
}

func (s *Server) handleGetAnalyst(w http.ResponseWriter, r *http.Request) {
	analyst, err := s.cms.GetAnalyst(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		s.writeCMSError(w, "get_analyst", err)
		return
	}
	access.GateAll(s.viewerFor(r.Context(), getIdentityFromContext(r.Context())), refs(analyst.Signals))
	writeJSON(w, http.StatusOK, analyst)
}

// --- Entitlement handlers ---

type permissionResponse struct {
	access.Decision
	Level access.Level `json:"level"`
}

func (s *Server) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var level access.Level
	switch {
	case q.Get("signal") != "":
		signal, err := s.cms.GetSignal(r.Context(), q.Get("signal"))
		if err != nil {
			s.writeCMSError(w, "get_signal", err)
			return
		}
		level = signal.AccessLevel()
	case q.Get("article") != "":
		article, err := s.cms.GetArticle(r.Context(), q.Get("article"))
		if err != nil {
			s.writeCMSError(w, "get_article", err)
			return
		}
		level = article.AccessLevel()
	case q.Has("level"):
		level = access.ParseLevel(q.Get("level"))
	default:
		writeError(w, http.StatusBadRequest, "one of level, signal or article is required")
		return
	}

	v := s.viewerFor(r.Context(), getIdentityFromContext(r.Context()))
	writeJSON(w, http.StatusOK, permissionResponse{Decision: access.Check(v, level), Level: level})
}

// --- Dashboard handlers ---

type dashboardResponse struct {
	Signals []cms.Signal  `json:"signals"`
	Prices  prices.Prices `json:"prices"`
	AsOf    time.Time     `json:"as_of"`
}

// handleDashboardSignals returns active signals with the live price of each
// signal's pair. Price failures degrade to an empty price map.
func (s *Server) handleDashboardSignals(w http.ResponseWriter, r *http.Request) {
	limit, _ := pageParams(r, 50, 100)
	signals, err := s.cms.ListSignals(r.Context(), cms.SignalFilter{Status: "active", Limit: limit})
	if err != nil {
		s.writeCMSError(w, "dashboard_signals", err)
		return
	}
	// Elite signals stay locked for pro viewers.
	access.GateAll(s.viewerFor(r.Context(), getIdentityFromContext(r.Context())), refs(signals))

	var ids []string
	for _, sig := range signals {
		if sig.Pair != nil && sig.Pair.CoingeckoID != "" {
			ids = append(ids, sig.Pair.CoingeckoID)
		}
	}

	resp := dashboardResponse{Signals: signals, Prices: prices.Prices{}, AsOf: time.Now().UTC()}
	if len(ids) > 0 {
		p, err := s.prices.SimplePrices(r.Context(), ids, r.URL.Query().Get("vs"))
		if err != nil {
			s.logger.Warn("dashboard prices unavailable", "count", len(ids), "error", err)
		} else {
			resp.Prices = p
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
