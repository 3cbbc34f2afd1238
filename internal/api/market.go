package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tradeboard/tradeboard/internal/prices"
)

func (s *Server) writePriceError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, prices.ErrRateLimited) {
		s.logger.Warn("price api rate limited", "op", op)
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusServiceUnavailable, "price data temporarily unavailable")
		return
	}
	s.logger.Error("price api failed", "op", op, "error", err)
	writeError(w, http.StatusBadGateway, "failed to fetch prices")
}

func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	ids := prices.NormalizeIDs(splitList(r.URL.Query().Get("ids")))
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	p, err := s.prices.SimplePrices(r.Context(), ids, r.URL.Query().Get("vs"))
	if err != nil {
		s.writePriceError(w, "simple_prices", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	markets, err := s.prices.Markets(r.Context(), q.Get("vs"), splitList(q.Get("ids")), page, perPage)
	if err != nil {
		s.writePriceError(w, "markets", err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}
