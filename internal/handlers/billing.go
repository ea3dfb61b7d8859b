package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/billing"
	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/store"
	stripeClient "github.com/PortNumber53/apelier/backend/internal/stripe"
)

// AccountStore defines the account persistence the billing handlers need.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	AttachCustomer(ctx context.Context, id, customerID string) (string, error)
}

// PaymentProvider is the payment processor the billing handlers drive.
type PaymentProvider interface {
	CreateCustomer(ctx context.Context, accountID, email, name string) (string, error)
	CreateCheckoutSession(ctx context.Context, req stripeClient.CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	ParseWebhook(payload []byte, signature string) (billing.Event, error)
}

// UsageGate authorizes and records metered usage.
type UsageGate interface {
	Authorize(ctx context.Context, accountID string) (billing.Decision, error)
	Record(ctx context.Context, accountID string, units int) error
}

// EventApplier reconciles a verified billing event into account state.
type EventApplier interface {
	Apply(ctx context.Context, ev billing.Event) (billing.Outcome, error)
}

// BillingHandler holds dependencies for account and subscription handlers.
type BillingHandler struct {
	Accounts   AccountStore
	Payments   PaymentProvider
	Gate       UsageGate
	Reconciler EventApplier
	Catalog    *billing.Catalog
	AppURL     string
	Log        logrus.FieldLogger

	now func() time.Time
}

// NewBillingHandler creates a BillingHandler. payments may be nil when Stripe
// is not configured; checkout, portal and webhooks then answer 503.
func NewBillingHandler(accounts AccountStore, payments PaymentProvider, gate UsageGate, reconciler EventApplier, catalog *billing.Catalog, appURL string, logger logrus.FieldLogger) *BillingHandler {
	return &BillingHandler{
		Accounts:   accounts,
		Payments:   payments,
		Gate:       gate,
		Reconciler: reconciler,
		Catalog:    catalog,
		AppURL:     strings.TrimRight(appURL, "/"),
		Log:        loggerOr(logger).WithField("component", "billing_api"),
		now:        time.Now,
	}
}

// RegisterRoutes registers account, billing and webhook routes.
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/accounts", h.CreateAccount())
	router.Get("/api/billing/account", h.GetAccount())
	router.Get("/api/billing/plans", h.ListPlans())
	router.Get("/api/billing/check-tier", h.CheckTier())
	router.Post("/api/billing/checkout", h.CreateCheckout())
	router.Post("/api/billing/portal", h.CreatePortal())
	router.Post("/api/webhooks/stripe", h.HandleWebhook())
}

type createAccountRequest struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	BusinessName string `json:"business_name"`
}

// CreateAccount provisions a trial account for a newly signed-up user. The id
// is the auth provider's user id.
func (h *BillingHandler) CreateAccount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAccountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		req.ID = strings.TrimSpace(req.ID)
		if _, err := uuid.Parse(req.ID); err != nil {
			writeError(w, http.StatusBadRequest, "id must be a UUID")
			return
		}

		acct := models.NewTrialAccount(req.ID, strings.TrimSpace(req.Email), strings.TrimSpace(req.BusinessName), h.now().UTC())
		err := h.Accounts.CreateAccount(r.Context(), acct)
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "account already exists")
			return
		}
		if err != nil {
			h.Log.WithError(err).WithField("account_id", req.ID).Error("create account failed")
			writeError(w, http.StatusInternalServerError, "failed to create account")
			return
		}

		h.Log.WithField("account_id", acct.ID).Info("trial account created")
		writeJSON(w, http.StatusCreated, acct)
	}
}

// GetAccount returns the account snapshot with its current gate decision.
func (h *BillingHandler) GetAccount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := h.loadAccount(w, r, r.URL.Query().Get("account_id"))
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"account":  acct,
			"decision": billing.CanConsumeAccount(acct, h.now()),
		})
	}
}

// ListPlans returns the paid plans available for checkout.
func (h *BillingHandler) ListPlans() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var plans []billing.Plan
		if h.Catalog != nil {
			plans = h.Catalog.Plans()
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"plans":             plans,
			"trial_limit":       billing.LimitForTier(models.TierTrial),
			"trial_length_days": int(models.TrialLength.Hours() / 24),
		})
	}
}

// CheckTier reports whether the account may process image_count more images.
func (h *BillingHandler) CheckTier() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
		if accountID == "" {
			writeError(w, http.StatusBadRequest, "account_id is required")
			return
		}
		imageCount := 0
		if raw := r.URL.Query().Get("image_count"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "image_count must be a non-negative integer")
				return
			}
			imageCount = n
		}

		d, err := h.Gate.Authorize(r.Context(), accountID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, d.Reason)
			return
		}
		if d.Code == billing.ReasonUnknownAccount {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"allowed":      d.Allowed,
			"reason":       d.Reason,
			"code":         d.Code,
			"limit":        d.Limit,
			"used":         d.Used,
			"remaining":    d.Remaining(),
			"image_count":  imageCount,
			"would_exceed": d.WouldExceed(imageCount),
		})
	}
}

type checkoutRequest struct {
	AccountID string `json:"account_id"`
	Tier      string `json:"tier"`
}

// CreateCheckout starts a subscription checkout for a paid tier, creating the
// Stripe customer on first use. Trial accounts carry their remaining trial
// days onto the subscription.
func (h *BillingHandler) CreateCheckout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Payments == nil {
			writeError(w, http.StatusServiceUnavailable, "billing is not configured")
			return
		}

		var req checkoutRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		tier, ok := models.ParseTier(req.Tier)
		if !ok || !tier.IsPaid() {
			writeError(w, http.StatusBadRequest, "invalid tier")
			return
		}

		acct, ok := h.loadAccount(w, r, req.AccountID)
		if !ok {
			return
		}
		entry := h.Log.WithFields(logrus.Fields{"account_id": acct.ID, "tier": string(tier)})

		customerID, err := h.ensureCustomer(r.Context(), acct)
		if err != nil {
			entry.WithError(err).Error("stripe customer setup failed")
			writeError(w, http.StatusBadGateway, "failed to create billing customer")
			return
		}

		url, err := h.Payments.CreateCheckoutSession(r.Context(), stripeClient.CheckoutRequest{
			AccountID:  acct.ID,
			CustomerID: customerID,
			Tier:       tier,
			TrialDays:  remainingTrialDays(acct, h.now()),
			SuccessURL: h.AppURL + "/settings?tab=billing&session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  h.AppURL + "/settings?tab=billing&canceled=true",
		})
		if errors.Is(err, stripeClient.ErrUnknownPlan) {
			writeError(w, http.StatusBadRequest, "invalid tier")
			return
		}
		if err != nil {
			entry.WithError(err).Error("checkout session failed")
			writeError(w, http.StatusBadGateway, "failed to create checkout session")
			return
		}

		entry.Info("checkout session created")
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

type portalRequest struct {
	AccountID string `json:"account_id"`
}

// CreatePortal opens the Stripe billing portal for an account that has
// subscribed before.
func (h *BillingHandler) CreatePortal() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Payments == nil {
			writeError(w, http.StatusServiceUnavailable, "billing is not configured")
			return
		}

		var req portalRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		acct, ok := h.loadAccount(w, r, req.AccountID)
		if !ok {
			return
		}
		if acct.CustomerID() == "" {
			writeError(w, http.StatusBadRequest, "No billing account found. Please subscribe first.")
			return
		}

		url, err := h.Payments.CreatePortalSession(r.Context(), acct.CustomerID(), h.AppURL+"/settings?tab=billing")
		if err != nil {
			h.Log.WithError(err).WithField("account_id", acct.ID).Error("portal session failed")
			writeError(w, http.StatusBadGateway, "failed to create portal session")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

func (h *BillingHandler) loadAccount(w http.ResponseWriter, r *http.Request, accountID string) (*models.Account, bool) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return nil, false
	}
	if _, err := uuid.Parse(accountID); err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return nil, false
	}

	acct, err := h.Accounts.GetAccount(r.Context(), accountID)
	if errors.Is(err, store.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return nil, false
	}
	if err != nil {
		h.Log.WithError(err).WithField("account_id", accountID).Error("load account failed")
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return nil, false
	}
	return acct, true
}

// ensureCustomer returns the account's Stripe customer, creating and storing
// one when missing. If another request stored a customer first, that one wins.
func (h *BillingHandler) ensureCustomer(ctx context.Context, acct *models.Account) (string, error) {
	if id := acct.CustomerID(); id != "" {
		return id, nil
	}
	created, err := h.Payments.CreateCustomer(ctx, acct.ID, acct.Email, acct.BusinessName)
	if err != nil {
		return "", err
	}
	stored, err := h.Accounts.AttachCustomer(ctx, acct.ID, created)
	if err != nil {
		return "", err
	}
	if stored != created {
		h.Log.WithFields(logrus.Fields{
			"account_id": acct.ID,
			"kept":       stored,
			"orphaned":   created,
		}).Warn("concurrent checkout created a second stripe customer")
	}
	return stored, nil
}

// remainingTrialDays rounds the unexpired part of a trial up to whole days.
func remainingTrialDays(acct *models.Account, now time.Time) int64 {
	if acct.Tier != models.TierTrial || acct.TrialEndsAt == nil {
		return 0
	}
	left := acct.TrialEndsAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int64(math.Ceil(left.Hours() / 24))
}
