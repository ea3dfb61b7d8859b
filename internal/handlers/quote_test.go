package handlers

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/apelier/backend/internal/booking"
	"github.com/PortNumber53/apelier/backend/internal/models"
)

func newQuoteHandler(quotes *fakeQuotes) *QuoteHandler {
	h := NewQuoteHandler(quotes, "https://app.apelier.test", quietLogger())
	h.now = func() time.Time {
		return time.Date(2026, 5, 1, 19, 30, 0, 0, time.FixedZone("AEST", 10*3600))
	}
	return h
}

func TestAcceptQuote(t *testing.T) {
	quotes := &fakeQuotes{result: &booking.Result{LeadID: "lead-1", AccountID: testAccountID}}
	h := newQuoteHandler(quotes)

	rec := doRequest(t, h, http.MethodPost, "/api/quote/accept", map[string]string{"token": "tok-abc"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "lead-1", body["lead_id"])
	assert.Equal(t, "2026-05-01T09:30:00Z", body["accepted_at"])
	assert.Equal(t, []string{"tok-abc"}, quotes.accepted)
}

func TestAcceptQuoteErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown token", booking.ErrQuoteNotFound, http.StatusNotFound},
		{"already booked", booking.ErrAlreadyBooked, http.StatusConflict},
		{"lost or expired", booking.ErrQuoteUnavailable, http.StatusGone},
		{"wrapped", fmt.Errorf("accept: %w", booking.ErrQuoteUnavailable), http.StatusGone},
		{"store failure", errBoom, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newQuoteHandler(&fakeQuotes{err: tc.err})
			rec := doRequest(t, h, http.MethodPost, "/api/quote/accept", map[string]string{"token": "tok"})
			assert.Equal(t, tc.status, rec.Code)
		})
	}

	t.Run("already booked is flagged", func(t *testing.T) {
		h := newQuoteHandler(&fakeQuotes{err: booking.ErrAlreadyBooked})
		rec := doRequest(t, h, http.MethodPost, "/api/quote/accept", map[string]string{"token": "tok"})
		assert.Equal(t, true, decodeBody(t, rec)["already_booked"])
	})

	t.Run("missing token", func(t *testing.T) {
		quotes := &fakeQuotes{}
		h := newQuoteHandler(quotes)
		rec := doRequest(t, h, http.MethodPost, "/api/quote/accept", map[string]string{"token": "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, quotes.accepted)
	})
}

func TestQuoteInfo(t *testing.T) {
	amount := int64(250000)
	location := "Bondi Pavilion"
	included := 400
	quote := &models.Quote{
		LeadID:            "lead-1",
		BusinessName:      "Light & Co",
		Location:          &location,
		QuotedAmountCents: &amount,
		Package:           &models.Package{Name: "Full Day", IncludedImages: &included},
	}
	h := newQuoteHandler(&fakeQuotes{quote: quote})

	rec := doRequest(t, h, http.MethodGet, "/api/quote/info?token=tok", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Full Day", body["package_name"])
	assert.EqualValues(t, 250000, body["amount_cents"])
	assert.Equal(t, "Bondi Pavilion", body["location"])
	assert.EqualValues(t, 400, body["included_images"])

	rec = doRequest(t, h, http.MethodGet, "/api/quote/info", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h = newQuoteHandler(&fakeQuotes{err: booking.ErrQuoteNotFound})
	rec = doRequest(t, h, http.MethodGet, "/api/quote/info?token=gone", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExpireQuote(t *testing.T) {
	quotes := &fakeQuotes{}
	h := newQuoteHandler(quotes)

	rec := doRequest(t, h, http.MethodPost, "/api/quote/expire", map[string]string{"token": "tok"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"tok"}, quotes.expired)

	h = newQuoteHandler(&fakeQuotes{err: booking.ErrAlreadyBooked})
	rec = doRequest(t, h, http.MethodPost, "/api/quote/expire", map[string]string{"token": "tok"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

const testLeadID = "7f3c2a10-5b8e-4d1a-9c6f-2e4b8d0a1c33"

func TestIssueQuote(t *testing.T) {
	quotes := &fakeQuotes{token: "fresh-token"}
	h := newQuoteHandler(quotes)

	rec := doRequest(t, h, http.MethodPost, "/api/leads/"+testLeadID+"/quote", map[string]interface{}{"amount_cents": 180000})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "fresh-token", body["token"])
	assert.Equal(t, "https://app.apelier.test/quote/fresh-token", body["url"])
	assert.Equal(t, testLeadID, quotes.issuedFor)

	cases := []struct {
		err    error
		status int
	}{
		{booking.ErrLeadNotFound, http.StatusNotFound},
		{booking.ErrInvalidQuote, http.StatusBadRequest},
		{fmt.Errorf("%w: amount cannot be negative", booking.ErrInvalidQuote), http.StatusBadRequest},
		{booking.ErrCannotQuote, http.StatusConflict},
		{errBoom, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newQuoteHandler(&fakeQuotes{err: tc.err})
		rec := doRequest(t, h, http.MethodPost, "/api/leads/"+testLeadID+"/quote", map[string]interface{}{})
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
	}
}

func TestIssueQuoteUnknownLeadIDFormat(t *testing.T) {
	quotes := &fakeQuotes{token: "fresh-token"}
	h := newQuoteHandler(quotes)

	rec := doRequest(t, h, http.MethodPost, "/api/leads/lead-9/quote", map[string]interface{}{"amount_cents": 180000})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, quotes.issuedFor, "a malformed id never reaches the service")
}
