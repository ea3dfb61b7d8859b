package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/metrics"
	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/store"
)

// Outcome describes what reconciling one event did.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
	OutcomeIgnored Outcome = "ignored"
	OutcomeDropped Outcome = "dropped"
	OutcomeFailed  Outcome = "failed"
)

// maxUpdateAttempts bounds retries when a concurrent writer bumps the row version.
const maxUpdateAttempts = 5

// AccountStore is the persistence the reconciler needs.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByCustomerID(ctx context.Context, customerID string) (*models.Account, error)
	UpdateAccount(ctx context.Context, acct *models.Account) error
}

// Reconciler applies verified billing events to account state. Every handler
// is idempotent, and events for accounts we do not know are absorbed.
type Reconciler struct {
	accounts AccountStore
	catalog  *Catalog
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewReconciler wires a Reconciler. metrics may be nil.
func NewReconciler(accounts AccountStore, catalog *Catalog, logger logrus.FieldLogger, m *metrics.Metrics) *Reconciler {
	if catalog == nil {
		catalog = NewCatalog()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		accounts: accounts,
		catalog:  catalog,
		log:      logger.WithField("component", "reconciler"),
		metrics:  m,
		now:      time.Now,
	}
}

// Apply reconciles a single event. The returned error is non-nil only for
// transient persistence failures, which the provider should redeliver.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	meta := ev.Meta()
	entry := r.log.WithFields(logrus.Fields{
		"event_id":   meta.ID,
		"event_kind": string(ev.Kind()),
	})

	var (
		outcome Outcome
		err     error
	)

	switch e := ev.(type) {
	case CheckoutCompleted:
		outcome, err = r.checkoutCompleted(ctx, entry, e)
	case InvoicePaid:
		outcome, err = r.invoicePaid(ctx, entry, e)
	case SubscriptionUpdated:
		outcome, err = r.subscriptionUpdated(ctx, entry, e)
	case SubscriptionDeleted:
		outcome, err = r.subscriptionDeleted(ctx, entry, e)
	case PaymentFailed:
		outcome, err = r.paymentFailed(ctx, entry, e)
	case Unrecognized:
		entry.WithField("type", e.Type).Debug("ignoring unhandled billing event")
		outcome = OutcomeIgnored
	default:
		entry.Warnf("unsupported event value %T", ev)
		outcome = OutcomeIgnored
	}

	if err != nil {
		outcome = OutcomeFailed
		entry.WithError(err).Error("billing event failed")
	} else {
		entry.WithField("outcome", string(outcome)).Info("billing event reconciled")
	}
	r.metrics.ObserveBillingEvent(string(ev.Kind()), string(outcome))
	return outcome, err
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, entry logrus.FieldLogger, e CheckoutCompleted) (Outcome, error) {
	if _, err := uuid.Parse(e.AccountRef); err != nil {
		entry.WithField("account_ref", e.AccountRef).Warn("checkout completed without a valid account reference")
		return OutcomeDropped, nil
	}
	tier, ok := models.ParseTier(e.TierRef)
	if !ok || !tier.IsPaid() {
		entry.WithField("tier_ref", e.TierRef).Warn("checkout completed without a valid paid tier")
		return OutcomeDropped, nil
	}

	return r.mutate(ctx, entry, func(ctx context.Context) (*models.Account, error) {
		return r.accounts.GetAccount(ctx, e.AccountRef)
	}, func(acct *models.Account) bool {
		changed := false
		if acct.Tier != tier {
			acct.Tier = tier
			changed = true
		}
		if acct.Status != models.StatusActive {
			acct.Status = models.StatusActive
			changed = true
		}
		if e.CustomerRef != "" && !equalRef(acct.StripeCustomerID, e.CustomerRef) {
			acct.StripeCustomerID = ref(e.CustomerRef)
			changed = true
		}
		if e.SubscriptionRef != "" && !equalRef(acct.StripeSubscriptionID, e.SubscriptionRef) {
			acct.StripeSubscriptionID = ref(e.SubscriptionRef)
			changed = true
		}
		return changed
	})
}

// invoicePaid resets usage and opens a one-month period starting at the
// event time. An event at or before the last applied reset is a replay or
// arrived out of order, and is not applied again.
func (r *Reconciler) invoicePaid(ctx context.Context, entry logrus.FieldLogger, e InvoicePaid) (Outcome, error) {
	if e.CustomerRef == "" {
		entry.Warn("invoice paid without a customer reference")
		return OutcomeDropped, nil
	}
	paidAt := e.OccurredAt
	if paidAt.IsZero() {
		paidAt = r.now()
	}
	paidAt = paidAt.UTC()

	return r.mutate(ctx, entry, r.byCustomer(e.CustomerRef), func(acct *models.Account) bool {
		if acct.LastResetEventAt != nil && !paidAt.After(*acct.LastResetEventAt) {
			entry.WithField("account_id", acct.ID).Debug("invoice paid not newer than last reset")
			return false
		}
		periodEnd := paidAt.AddDate(0, 1, 0)
		acct.Status = models.StatusActive
		acct.UsageCount = 0
		acct.BillingPeriodStart = &paidAt
		acct.BillingPeriodEnd = &periodEnd
		acct.LastResetEventAt = &paidAt
		return true
	})
}

func (r *Reconciler) subscriptionUpdated(ctx context.Context, entry logrus.FieldLogger, e SubscriptionUpdated) (Outcome, error) {
	if e.CustomerRef == "" {
		entry.Warn("subscription updated without a customer reference")
		return OutcomeDropped, nil
	}
	status := MapProviderStatus(e.ProviderStatus)
	tier, tierKnown := r.catalog.TierForPrice(e.PriceRef, e.ProductRef)
	if !tierKnown && (e.PriceRef != "" || e.ProductRef != "") {
		entry.WithFields(logrus.Fields{
			"price_ref":   e.PriceRef,
			"product_ref": e.ProductRef,
		}).Warn("subscription price does not match a configured tier, keeping current tier")
	}

	return r.mutate(ctx, entry, r.byCustomer(e.CustomerRef), func(acct *models.Account) bool {
		changed := false
		if acct.Status != status {
			acct.Status = status
			changed = true
		}
		if status == models.StatusCanceled {
			if acct.StripeSubscriptionID != nil {
				acct.StripeSubscriptionID = nil
				changed = true
			}
		} else if e.SubscriptionRef != "" && !equalRef(acct.StripeSubscriptionID, e.SubscriptionRef) {
			acct.StripeSubscriptionID = ref(e.SubscriptionRef)
			changed = true
		}
		if tierKnown && acct.Tier != tier {
			acct.Tier = tier
			changed = true
		}
		if e.TrialEnd != nil && !equalTime(acct.TrialEndsAt, *e.TrialEnd) {
			trialEnd := e.TrialEnd.UTC()
			acct.TrialEndsAt = &trialEnd
			changed = true
		}
		return changed
	})
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, entry logrus.FieldLogger, e SubscriptionDeleted) (Outcome, error) {
	if e.CustomerRef == "" {
		entry.Warn("subscription deleted without a customer reference")
		return OutcomeDropped, nil
	}
	return r.mutate(ctx, entry, r.byCustomer(e.CustomerRef), func(acct *models.Account) bool {
		if acct.Status == models.StatusCanceled && acct.StripeSubscriptionID == nil {
			return false
		}
		acct.Status = models.StatusCanceled
		acct.StripeSubscriptionID = nil
		return true
	})
}

func (r *Reconciler) paymentFailed(ctx context.Context, entry logrus.FieldLogger, e PaymentFailed) (Outcome, error) {
	if e.CustomerRef == "" {
		entry.Warn("payment failed without a customer reference")
		return OutcomeDropped, nil
	}
	return r.mutate(ctx, entry, r.byCustomer(e.CustomerRef), func(acct *models.Account) bool {
		if acct.Status == models.StatusPastDue {
			return false
		}
		acct.Status = models.StatusPastDue
		return true
	})
}

func (r *Reconciler) byCustomer(customerID string) func(context.Context) (*models.Account, error) {
	return func(ctx context.Context) (*models.Account, error) {
		return r.accounts.GetAccountByCustomerID(ctx, customerID)
	}
}

// mutate loads the account, applies change, and writes it back guarded by
// the row version. A lost race reloads and reapplies the change. A change
// that collides with another account's Stripe ids is dropped.
func (r *Reconciler) mutate(
	ctx context.Context,
	entry logrus.FieldLogger,
	load func(context.Context) (*models.Account, error),
	change func(*models.Account) bool,
) (Outcome, error) {
	for attempt := 1; ; attempt++ {
		acct, err := load(ctx)
		if errors.Is(err, store.ErrAccountNotFound) {
			entry.Info("no account matches billing event")
			return OutcomeIgnored, nil
		}
		if err != nil {
			return "", fmt.Errorf("load account: %w", err)
		}

		if !change(acct) {
			return OutcomeNoop, nil
		}

		err = r.accounts.UpdateAccount(ctx, acct)
		if err == nil {
			entry.WithFields(logrus.Fields{
				"account_id": acct.ID,
				"tier":       string(acct.Tier),
				"status":     string(acct.Status),
			}).Debug("account updated")
			return OutcomeApplied, nil
		}
		if errors.Is(err, store.ErrVersionConflict) && attempt < maxUpdateAttempts {
			entry.WithField("attempt", attempt).Debug("account changed concurrently, retrying")
			continue
		}
		if errors.Is(err, store.ErrDuplicate) {
			// Redelivery cannot resolve a Stripe id owned by another account.
			entry.WithField("account_id", acct.ID).Warn("billing event references a Stripe id held by another account")
			return OutcomeDropped, nil
		}
		return "", fmt.Errorf("update account: %w", err)
	}
}

func ref(s string) *string {
	return &s
}

func equalRef(current *string, want string) bool {
	return current != nil && *current == want
}

func equalTime(current *time.Time, want time.Time) bool {
	return current != nil && current.Equal(want)
}
