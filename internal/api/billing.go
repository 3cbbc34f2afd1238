package api

import (
	"errors"
	"net/http"

	"github.com/tradeboard/tradeboard/internal/access"
	"github.com/tradeboard/tradeboard/internal/billing"
	"github.com/tradeboard/tradeboard/internal/store"
)

// tokenIssuer is implemented by providers that mint their own session
// tokens. After a billing change they hand back a fresh token so the route
// gate sees the new flags without a re-login.
type tokenIssuer interface {
	IssueToken(user *store.User) (string, error)
}

// --- Billing handlers ---

func (s *Server) handleGetPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.billing != nil,
		"plans":   s.plans.List(),
	})
}

type paymentCheckResponse struct {
	store.BillingState
	Token string `json:"token,omitempty"`
}

// handlePaymentCheck reconciles the caller's subscription with the payment
// provider and returns the resulting state.
func (s *Server) handlePaymentCheck(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	user, err := s.currentUser(r.Context(), identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	state := user.Billing()
	if s.billing != nil {
		state, err = s.billing.Reconcile(r.Context(), user.ID)
		s.metrics.RecordReconcile("check", err)
		if err != nil {
			s.logger.Warn("payment check failed", "user_id", user.ID, "error", err)
			writeError(w, http.StatusBadGateway, "failed to check payment status")
			return
		}
	}

	resp := paymentCheckResponse{BillingState: state}
	if issuer, ok := s.authProvider.(tokenIssuer); ok {
		user.Tier = state.Tier
		user.Premium = state.Premium
		token, err := issuer.IssueToken(user)
		if err != nil {
			s.logger.Warn("failed to reissue session token", "user_id", user.ID, "error", err)
		} else {
			resp.Token = token
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier       string `json:"tier"`
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := decodeBody(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SuccessURL == "" {
		req.SuccessURL = s.billingCfg.SuccessURL
	}
	if req.CancelURL == "" {
		req.CancelURL = s.billingCfg.CancelURL
	}
	if req.Tier == "" || req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, http.StatusBadRequest, "tier, success_url, and cancel_url are required")
		return
	}

	user, err := s.currentUser(r.Context(), getIdentityFromContext(r.Context()))
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	url, err := s.billing.Checkout(r.Context(), user, access.ParseTier(req.Tier), req.SuccessURL, req.CancelURL)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownPlan) {
			writeError(w, http.StatusBadRequest, "unknown plan")
			return
		}
		s.logger.Warn("create checkout session failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReturnURL string `json:"return_url"`
	}
	if err := decodeBody(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReturnURL == "" {
		req.ReturnURL = s.billingCfg.PortalReturnURL
	}
	if req.ReturnURL == "" {
		writeError(w, http.StatusBadRequest, "return_url is required")
		return
	}

	user, err := s.currentUser(r.Context(), getIdentityFromContext(r.Context()))
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	url, err := s.billing.Portal(r.Context(), user, req.ReturnURL)
	if err != nil {
		if errors.Is(err, billing.ErrNoCustomer) {
			writeError(w, http.StatusConflict, "no billing account for this user")
			return
		}
		s.logger.Warn("create portal session failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
