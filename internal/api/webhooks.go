package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/tradeboard/tradeboard/internal/auth"
	"github.com/tradeboard/tradeboard/internal/billing"
)

const maxWebhookBytes = 65536

func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	return io.ReadAll(r.Body)
}

// handleStripeWebhook verifies and applies a Stripe event. Processing
// failures answer 500 so Stripe redelivers.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readWebhookBody(w, r)
	if err != nil {
		s.metrics.RecordWebhook("stripe", "invalid")
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	evt, err := s.billing.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.metrics.RecordWebhook("stripe", "invalid")
		if errors.Is(err, billing.ErrInvalidSignature) {
			s.logger.Warn("stripe webhook signature rejected", "remote", r.RemoteAddr)
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		s.logger.Warn("stripe webhook payload rejected", "error", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	duplicate, err := s.billing.HandleEvent(r.Context(), evt)
	if err != nil {
		s.metrics.RecordWebhook("stripe", "failed")
		s.logger.Error("stripe webhook failed", "id", evt.ID, "type", evt.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process event")
		return
	}
	if duplicate {
		s.metrics.RecordWebhook("stripe", "duplicate")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	s.metrics.RecordWebhook("stripe", "processed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleClerkWebhook applies Svix-signed Clerk user events to the users table.
func (s *Server) handleClerkWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readWebhookBody(w, r)
	if err != nil {
		s.metrics.RecordWebhook("clerk", "invalid")
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	evt, err := s.clerkSync.Parse(payload, r.Header)
	if err != nil {
		s.metrics.RecordWebhook("clerk", "invalid")
		if errors.Is(err, auth.ErrInvalidSignature) {
			s.logger.Warn("clerk webhook signature rejected", "remote", r.RemoteAddr)
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	duplicate, err := s.clerkSync.Handle(r.Context(), evt)
	if err != nil {
		s.metrics.RecordWebhook("clerk", "failed")
		s.logger.Error("clerk webhook failed", "type", evt.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process event")
		return
	}
	if duplicate {
		s.metrics.RecordWebhook("clerk", "duplicate")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	s.metrics.RecordWebhook("clerk", "processed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
