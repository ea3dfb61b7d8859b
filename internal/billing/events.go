package billing

import (
	"time"

	"github.com/PortNumber53/apelier/backend/internal/models"
)

// EventKind names a billing event after the provider's event type.
type EventKind string

const (
	KindCheckoutCompleted   EventKind = "checkout.session.completed"
	KindInvoicePaid         EventKind = "invoice.paid"
	KindSubscriptionUpdated EventKind = "customer.subscription.updated"
	KindSubscriptionDeleted EventKind = "customer.subscription.deleted"
	KindPaymentFailed       EventKind = "invoice.payment_failed"
	KindUnrecognized        EventKind = "unrecognized"
)

// Event is a verified billing event ready for reconciliation.
type Event interface {
	Kind() EventKind
	Meta() EventMeta
}

// EventMeta carries provider bookkeeping common to every event.
type EventMeta struct {
	ID         string
	OccurredAt time.Time
}

// Meta implements Event.
func (m EventMeta) Meta() EventMeta { return m }

// CheckoutCompleted links a finished checkout to the account that started it.
type CheckoutCompleted struct {
	EventMeta
	AccountRef      string
	TierRef         string
	CustomerRef     string
	SubscriptionRef string
}

func (CheckoutCompleted) Kind() EventKind { return KindCheckoutCompleted }

// InvoicePaid starts a fresh billing period for the customer.
type InvoicePaid struct {
	EventMeta
	CustomerRef string
}

func (InvoicePaid) Kind() EventKind { return KindInvoicePaid }

// SubscriptionUpdated carries the provider's view of a subscription.
type SubscriptionUpdated struct {
	EventMeta
	CustomerRef     string
	SubscriptionRef string
	ProviderStatus  string
	PriceRef        string
	ProductRef      string
	TrialEnd        *time.Time
}

func (SubscriptionUpdated) Kind() EventKind { return KindSubscriptionUpdated }

// SubscriptionDeleted ends the customer's subscription.
type SubscriptionDeleted struct {
	EventMeta
	CustomerRef string
}

func (SubscriptionDeleted) Kind() EventKind { return KindSubscriptionDeleted }

// PaymentFailed flags a failed renewal charge.
type PaymentFailed struct {
	EventMeta
	CustomerRef string
}

func (PaymentFailed) Kind() EventKind { return KindPaymentFailed }

// Unrecognized is any provider event this service does not act on.
type Unrecognized struct {
	EventMeta
	Type string
}

func (Unrecognized) Kind() EventKind { return KindUnrecognized }

// MapProviderStatus folds provider subscription states into ours. Anything
// not explicitly recognised becomes unpaid.
func MapProviderStatus(raw string) models.SubscriptionStatus {
	switch raw {
	case "trialing":
		return models.StatusTrialing
	case "active":
		return models.StatusActive
	case "past_due":
		return models.StatusPastDue
	case "canceled":
		return models.StatusCanceled
	default:
		return models.StatusUnpaid
	}
}
