package models

import "time"

// Tier is the subscription plan an account is on.
type Tier string

const (
	TierTrial   Tier = "trial"
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierStudio  Tier = "studio"
)

// ParseTier accepts the canonical tier names plus the legacy "free_trial" alias.
func ParseTier(raw string) (Tier, bool) {
	switch raw {
	case string(TierTrial), "free_trial":
		return TierTrial, true
	case string(TierStarter):
		return TierStarter, true
	case string(TierPro):
		return TierPro, true
	case string(TierStudio):
		return TierStudio, true
	}
	return "", false
}

// IsPaid reports whether the tier is backed by a subscription price.
func (t Tier) IsPaid() bool {
	return t == TierStarter || t == TierPro || t == TierStudio
}

// SubscriptionStatus mirrors the account's billing standing.
type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusUnpaid   SubscriptionStatus = "unpaid"
)

// IsInactive reports whether the status blocks consumption outright.
func (s SubscriptionStatus) IsInactive() bool {
	return s == StatusCanceled || s == StatusUnpaid
}

// TrialLength is how long a new account stays on the free trial.
const TrialLength = 14 * 24 * time.Hour

// Account is the per-photographer billing record.
type Account struct {
	ID                   string             `json:"id"`
	Email                string             `json:"email"`
	BusinessName         string             `json:"business_name"`
	Tier                 Tier               `json:"tier"`
	Status               SubscriptionStatus `json:"status"`
	UsageCount           int                `json:"usage_count"`
	TrialEndsAt          *time.Time         `json:"trial_ends_at,omitempty"`
	BillingPeriodStart   *time.Time         `json:"billing_period_start,omitempty"`
	BillingPeriodEnd     *time.Time         `json:"billing_period_end,omitempty"`
	StripeCustomerID     *string            `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string            `json:"stripe_subscription_id,omitempty"`
	LastResetEventAt     *time.Time         `json:"-"`
	Version              int64              `json:"-"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// NewTrialAccount returns the initial state of a freshly signed-up account.
func NewTrialAccount(id, email, businessName string, now time.Time) *Account {
	trialEnd := now.Add(TrialLength)
	return &Account{
		ID:           id,
		Email:        email,
		BusinessName: businessName,
		Tier:         TierTrial,
		Status:       StatusTrialing,
		TrialEndsAt:  &trialEnd,
	}
}

// CustomerID returns the Stripe customer id or an empty string.
func (a *Account) CustomerID() string {
	if a.StripeCustomerID == nil {
		return ""
	}
	return *a.StripeCustomerID
}
