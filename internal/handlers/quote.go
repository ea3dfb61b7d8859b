package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/booking"
	"github.com/PortNumber53/apelier/backend/internal/models"
)

// QuoteService is the quote lifecycle the public quote pages drive.
type QuoteService interface {
	Accept(ctx context.Context, token string, now time.Time) (*booking.Result, error)
	Info(ctx context.Context, token string) (*models.Quote, error)
	Expire(ctx context.Context, token string) error
	Issue(ctx context.Context, leadID string, amountCents *int64, packageID *string) (string, error)
}

// QuoteHandler serves the client-facing quote endpoints.
type QuoteHandler struct {
	Quotes QuoteService
	AppURL string
	Log    logrus.FieldLogger

	now func() time.Time
}

// NewQuoteHandler creates a QuoteHandler.
func NewQuoteHandler(quotes QuoteService, appURL string, logger logrus.FieldLogger) *QuoteHandler {
	return &QuoteHandler{
		Quotes: quotes,
		AppURL: strings.TrimRight(appURL, "/"),
		Log:    loggerOr(logger).WithField("component", "quote_api"),
		now:    time.Now,
	}
}

// RegisterRoutes registers the quote routes.
func (h *QuoteHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/quote/info", h.Info())
	router.Post("/api/quote/accept", h.Accept())
	router.Post("/api/quote/expire", h.Expire())
	router.Post("/api/leads/{leadID}/quote", h.Issue())
}

type tokenRequest struct {
	Token string `json:"token"`
}

// Info returns what the client needs to review a quote.
func (h *QuoteHandler) Info() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.URL.Query().Get("token"))
		if token == "" {
			writeError(w, http.StatusBadRequest, "Missing token")
			return
		}

		q, err := h.Quotes.Info(r.Context(), token)
		if err != nil {
			h.writeQuoteError(w, err)
			return
		}

		resp := map[string]interface{}{
			"package_name":   q.PackageName(),
			"amount_cents":   q.AmountCents(),
			"preferred_date": q.PreferredDate,
			"location":       q.Location,
			"business_name":  q.BusinessName,
		}
		if q.Package != nil {
			resp["included_images"] = q.Package.IncludedImages
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Accept books the quote. It answers 404, 409 or 410 when the quote cannot be
// accepted.
func (h *QuoteHandler) Accept() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if strings.TrimSpace(req.Token) == "" {
			writeError(w, http.StatusBadRequest, "Missing token")
			return
		}

		res, err := h.Quotes.Accept(r.Context(), req.Token, h.now())
		if err != nil {
			h.writeQuoteError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":     true,
			"message":     "Quote accepted! Your booking is confirmed.",
			"lead_id":     res.LeadID,
			"accepted_at": res.AcceptedAt,
		})
	}
}

// Expire withdraws an outstanding quote.
func (h *QuoteHandler) Expire() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if strings.TrimSpace(req.Token) == "" {
			writeError(w, http.StatusBadRequest, "Missing token")
			return
		}

		if err := h.Quotes.Expire(r.Context(), req.Token); err != nil {
			h.writeQuoteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}

type issueRequest struct {
	AmountCents *int64  `json:"amount_cents"`
	PackageID   *string `json:"package_id"`
}

// Issue quotes a lead and returns the client link.
func (h *QuoteHandler) Issue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leadID := chi.URLParam(r, "leadID")
		if _, err := uuid.Parse(leadID); err != nil {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		var req issueRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if req.PackageID != nil && strings.TrimSpace(*req.PackageID) == "" {
			req.PackageID = nil
		}

		token, err := h.Quotes.Issue(r.Context(), leadID, req.AmountCents, req.PackageID)
		switch {
		case errors.Is(err, booking.ErrInvalidQuote):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, booking.ErrLeadNotFound):
			writeError(w, http.StatusNotFound, "lead not found")
			return
		case errors.Is(err, booking.ErrCannotQuote):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			h.Log.WithError(err).WithField("lead_id", leadID).Error("issue quote failed")
			writeError(w, http.StatusInternalServerError, "failed to issue quote")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{
			"token": token,
			"url":   h.AppURL + "/quote/" + token,
		})
	}
}

func (h *QuoteHandler) writeQuoteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrQuoteNotFound):
		writeError(w, http.StatusNotFound, "Quote not found or has expired.")
	case errors.Is(err, booking.ErrAlreadyBooked):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":          "This quote has already been accepted.",
			"already_booked": true,
		})
	case errors.Is(err, booking.ErrQuoteUnavailable):
		writeError(w, http.StatusGone, "This quote is no longer available.")
	default:
		h.Log.WithError(err).Error("quote request failed")
		writeError(w, http.StatusInternalServerError, "Something went wrong. Please try again.")
	}
}
