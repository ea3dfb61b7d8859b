package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/PortNumber53/apelier/backend/internal/billing"
	stripeClient "github.com/PortNumber53/apelier/backend/internal/stripe"
)

const maxWebhookBytes = 65536

// HandleWebhook verifies a Stripe webhook and reconciles it. Absorbed and
// no-op events answer 200, as do signed payloads that cannot be decoded.
// Only a bad signature answers 400 and only transient failures answer 500
// so Stripe redelivers.
func (h *BillingHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Payments == nil {
			writeError(w, http.StatusServiceUnavailable, "billing is not configured")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		event, err := h.Payments.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
		if errors.Is(err, stripeClient.ErrInvalidSignature) {
			h.Log.WithError(err).Warn("rejected webhook")
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		if err != nil {
			// Redelivering the same bytes cannot fix them.
			h.Log.WithError(err).Warn("dropping undecodable webhook payload")
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"received": true,
				"outcome":  billing.OutcomeDropped,
			})
			return
		}

		outcome, err := h.Reconciler.Apply(r.Context(), event)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "webhook handler failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"received": true,
			"outcome":  outcome,
		})
	}
}

var _ EventApplier = (*billing.Reconciler)(nil)
