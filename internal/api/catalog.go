package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tradeboard/tradeboard/internal/store"
)

// --- Catalog handlers ---

func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	chains, err := s.store.ListChains(r.Context())
	if err != nil {
		s.logger.Error("list chains failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list chains")
		return
	}
	if chains == nil {
		chains = []store.Chain{}
	}
	writeJSON(w, http.StatusOK, chains)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 100, 500)
	q := r.URL.Query()
	tokens, err := s.store.ListTokens(r.Context(), store.TokenFilter{
		Chain:  q.Get("chain"),
		List:   q.Get("list"),
		Query:  strings.TrimSpace(q.Get("q")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("list tokens failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}
	if tokens == nil {
		tokens = []store.Token{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleListTokenLists(w http.ResponseWriter, r *http.Request) {
	lists, err := s.store.ListTokenLists(r.Context())
	if err != nil {
		s.logger.Error("list token lists failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list token lists")
		return
	}
	if lists == nil {
		lists = []store.TokenList{}
	}
	writeJSON(w, http.StatusOK, lists)
}

func (s *Server) handleGetTokenList(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.GetTokenList(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		s.logger.Error("get token list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get token list")
		return
	}
	if list == nil {
		writeError(w, http.StatusNotFound, "token list not found")
		return
	}
	if list.Tokens == nil {
		list.Tokens = []store.Token{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- Admin catalog handlers ---

func (s *Server) handleAdminPutChains(w http.ResponseWriter, r *http.Request) {
	var chains []store.Chain
	if err := decodeBody(w, r, s.maxBodyBytes, &chains); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, c := range chains {
		if c.ID == "" || c.Name == "" {
			writeError(w, http.StatusBadRequest, "every chain needs an id and a name")
			return
		}
	}

	for i := range chains {
		if err := s.store.UpsertChain(r.Context(), &chains[i]); err != nil {
			s.logger.Error("upsert chain failed", "chain", chains[i].ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save chains")
			return
		}
	}

	identity := getIdentityFromContext(r.Context())
	s.audit(r.Context(), "catalog.chains_updated", identity.UserID, map[string]any{"count": len(chains)})
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(chains)})
}

func (s *Server) handleAdminPutTokens(w http.ResponseWriter, r *http.Request) {
	var tokens []store.Token
	if err := decodeBody(w, r, s.maxBodyBytes, &tokens); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	known := make(map[string]bool)
	for _, t := range tokens {
		if t.ChainID == "" || t.Address == "" || t.Symbol == "" {
			writeError(w, http.StatusBadRequest, "every token needs a chain, an address and a symbol")
			return
		}
		if _, checked := known[t.ChainID]; checked {
			continue
		}
		c, err := s.store.GetChain(r.Context(), t.ChainID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check chain")
			return
		}
		known[t.ChainID] = c != nil
		if c == nil {
			writeError(w, http.StatusBadRequest, "unknown chain: "+t.ChainID)
			return
		}
	}

	for i := range tokens {
		if err := s.store.UpsertToken(r.Context(), &tokens[i]); err != nil {
			s.logger.Error("upsert token failed", "chain", tokens[i].ChainID, "address", tokens[i].Address, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save tokens")
			return
		}
	}

	identity := getIdentityFromContext(r.Context())
	s.audit(r.Context(), "catalog.tokens_updated", identity.UserID, map[string]any{"count": len(tokens)})
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(tokens)})
}

func (s *Server) handleAdminPutTokenList(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	var req struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Tokens      []string `json:"tokens"` // token ids in display order
	}
	if err := decodeBody(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	seen := make(map[string]bool, len(req.Tokens))
	ids := make([]string, 0, len(req.Tokens))
	for _, id := range req.Tokens {
		id = strings.ToLower(id)
		if seen[id] {
			continue
		}
		seen[id] = true
		t, err := s.store.GetToken(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check token")
			return
		}
		if t == nil {
			writeError(w, http.StatusBadRequest, "unknown token: "+id)
			return
		}
		ids = append(ids, id)
	}

	list := &store.TokenList{
		ID:          uuid.New().String(),
		Slug:        slug,
		Name:        req.Name,
		Description: req.Description,
	}
	if err := s.store.UpsertTokenList(r.Context(), list); err != nil {
		s.logger.Error("upsert token list failed", "slug", slug, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save token list")
		return
	}
	if err := s.store.SetTokenListItems(r.Context(), list.ID, ids); err != nil {
		s.logger.Error("set token list items failed", "slug", slug, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save token list")
		return
	}

	identity := getIdentityFromContext(r.Context())
	s.audit(r.Context(), "catalog.token_list_updated", identity.UserID, map[string]any{"slug": slug, "tokens": len(ids)})

	saved, err := s.store.GetTokenList(r.Context(), slug)
	if err != nil || saved == nil {
		writeError(w, http.StatusInternalServerError, "failed to load token list")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
