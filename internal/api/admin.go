package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradeboard/tradeboard/internal/billing"
	"github.com/tradeboard/tradeboard/internal/store"
)

// --- Admin handlers ---

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50, 500)
	q := r.URL.Query()
	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		Action: q.Get("action"),
		UserID: q.Get("user_id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50, 500)
	users, err := s.store.ListUsers(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleAdminReconcileUser(w http.ResponseWriter, r *http.Request) {
	if s.billing == nil {
		writeError(w, http.StatusServiceUnavailable, "billing is not enabled")
		return
	}
	userID := chi.URLParam(r, "userID")
	state, err := s.billing.Reconcile(r.Context(), userID)
	s.metrics.RecordReconcile("admin", err)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Warn("admin reconcile failed", "user_id", userID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to reconcile user")
		return
	}

	identity := getIdentityFromContext(r.Context())
	s.audit(r.Context(), "billing.admin_reconcile", identity.UserID, map[string]any{"target_user_id": userID})
	writeJSON(w, http.StatusOK, state)
}
