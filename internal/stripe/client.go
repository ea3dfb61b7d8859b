// Package stripe wraps the Stripe SDK calls the billing flows need and
// translates verified webhook payloads into billing events.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PortNumber53/apelier/backend/internal/billing"
	"github.com/PortNumber53/apelier/backend/internal/models"
)

// Metadata keys written on checkout sessions and subscriptions.
const (
	MetadataAccountID = "photographer_id"
	MetadataTier      = "tier"
)

var (
	// ErrInvalidSignature is returned when a webhook payload fails verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrUnknownPlan means no price is configured for the requested tier.
	ErrUnknownPlan = errors.New("no plan configured for tier")
)

// Client creates Stripe objects for the configured plan catalog and
// verifies webhooks.
type Client struct {
	webhookSecret string
	catalog       *billing.Catalog
}

// NewClient configures the SDK key and returns a Client.
func NewClient(secretKey, webhookSecret string, catalog *billing.Catalog) *Client {
	stripe.Key = secretKey
	return &Client{
		webhookSecret: webhookSecret,
		catalog:       catalog,
	}
}

// CreateCustomer creates a customer tagged with the account id.
func (c *Client) CreateCustomer(_ context.Context, accountID, email, name string) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{MetadataAccountID: accountID},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	cus, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cus.ID, nil
}

// CheckoutRequest describes a subscription checkout.
type CheckoutRequest struct {
	AccountID  string
	CustomerID string
	Tier       models.Tier
	TrialDays  int64
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession starts a subscription checkout and returns its URL.
// The account id and tier ride along as metadata on both the session and the
// subscription so the completion webhook can be matched back.
func (c *Client) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (string, error) {
	plan, ok := c.catalog.Plan(req.Tier)
	if !ok || plan.PriceID == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, req.Tier)
	}

	metadata := map[string]string{
		MetadataAccountID: req.AccountID,
		MetadataTier:      string(plan.Tier),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(req.CustomerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(plan.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(req.TrialDays)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession opens the customer billing portal and returns its URL.
func (c *Client) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	sess, err := portalsession.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

// ParseWebhook verifies the signature header and translates the payload into
// a billing event. Event types we do not act on become billing.Unrecognized.
func (c *Client) ParseWebhook(payload []byte, signature string) (billing.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return TranslateEvent(event)
}

// TranslateEvent maps a Stripe event onto the billing event union.
func TranslateEvent(event stripe.Event) (billing.Event, error) {
	meta := billing.EventMeta{ID: event.ID}
	if event.Created > 0 {
		meta.OccurredAt = time.Unix(event.Created, 0).UTC()
	}
	if event.Data == nil {
		return billing.Unrecognized{EventMeta: meta, Type: string(event.Type)}, nil
	}

	switch billing.EventKind(event.Type) {
	case billing.KindCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		ev := billing.CheckoutCompleted{
			EventMeta:   meta,
			AccountRef:  strings.TrimSpace(sess.Metadata[MetadataAccountID]),
			TierRef:     strings.TrimSpace(sess.Metadata[MetadataTier]),
			CustomerRef: customerID(sess.Customer),
		}
		if sess.Subscription != nil {
			ev.SubscriptionRef = sess.Subscription.ID
		}
		return ev, nil

	case billing.KindInvoicePaid, billing.KindPaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		if billing.EventKind(event.Type) == billing.KindInvoicePaid {
			return billing.InvoicePaid{EventMeta: meta, CustomerRef: customerID(inv.Customer)}, nil
		}
		return billing.PaymentFailed{EventMeta: meta, CustomerRef: customerID(inv.Customer)}, nil

	case billing.KindSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		ev := billing.SubscriptionUpdated{
			EventMeta:       meta,
			CustomerRef:     customerID(sub.Customer),
			SubscriptionRef: sub.ID,
			ProviderStatus:  string(sub.Status),
		}
		ev.PriceRef, ev.ProductRef = firstPrice(&sub)
		if sub.TrialEnd > 0 {
			trialEnd := time.Unix(sub.TrialEnd, 0).UTC()
			ev.TrialEnd = &trialEnd
		}
		return ev, nil

	case billing.KindSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		return billing.SubscriptionDeleted{EventMeta: meta, CustomerRef: customerID(sub.Customer)}, nil
	}

	return billing.Unrecognized{EventMeta: meta, Type: string(event.Type)}, nil
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func firstPrice(sub *stripe.Subscription) (priceID, productID string) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return "", ""
	}
	item := sub.Items.Data[0]
	if item == nil || item.Price == nil {
		return "", ""
	}
	priceID = item.Price.ID
	if item.Price.Product != nil {
		productID = item.Price.Product.ID
	}
	return priceID, productID
}
