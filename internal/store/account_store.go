package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/apelier/backend/internal/models"
)

const accountColumns = `
	id, email, business_name, tier, status, usage_count, trial_ends_at,
	billing_period_start, billing_period_end, stripe_customer_id,
	stripe_subscription_id, last_reset_event_at, version, created_at, updated_at`

// CreateAccount inserts a new account. It returns ErrDuplicate when the id
// is already taken.
func (s *Store) CreateAccount(ctx context.Context, acct *models.Account) error {
	query := `
		INSERT INTO accounts (id, email, business_name, tier, status, usage_count, trial_ends_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
		RETURNING version, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		acct.ID,
		acct.Email,
		acct.BusinessName,
		acct.Tier,
		acct.Status,
		acct.UsageCount,
		acct.TrialEndsAt,
	).Scan(&acct.Version, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetAccount returns the account with the given id.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	acct, err := scanAccount(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get account by id: %w", err)
	}
	return acct, nil
}

// GetAccountByCustomerID returns the account linked to a Stripe customer.
func (s *Store) GetAccountByCustomerID(ctx context.Context, customerID string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE stripe_customer_id = $1`
	acct, err := scanAccount(s.db.QueryRowContext(ctx, query, customerID))
	if err != nil {
		return nil, fmt.Errorf("get account by customer: %w", err)
	}
	return acct, nil
}

// UpdateAccount writes the billing fields of acct if the stored version
// still matches acct.Version. On success acct.Version is advanced; when the
// row changed underneath, ErrVersionConflict is returned. A Stripe id that
// already belongs to another account yields ErrDuplicate.
func (s *Store) UpdateAccount(ctx context.Context, acct *models.Account) error {
	query := `
		UPDATE accounts
		SET tier = $3,
		    status = $4,
		    usage_count = $5,
		    trial_ends_at = $6,
		    billing_period_start = $7,
		    billing_period_end = $8,
		    stripe_customer_id = $9,
		    stripe_subscription_id = $10,
		    last_reset_event_at = $11,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		acct.ID,
		acct.Version,
		acct.Tier,
		acct.Status,
		acct.UsageCount,
		acct.TrialEndsAt,
		acct.BillingPeriodStart,
		acct.BillingPeriodEnd,
		acct.StripeCustomerID,
		acct.StripeSubscriptionID,
		acct.LastResetEventAt,
	).Scan(&acct.Version, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrVersionConflict
	}
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return nil
}

// IncrementUsage atomically adds units to the account's usage counter.
func (s *Store) IncrementUsage(ctx context.Context, id string, units int) error {
	query := `
		UPDATE accounts
		SET usage_count = usage_count + $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query, id, units)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// AttachCustomer records the Stripe customer for an account unless one is
// already set. It returns the customer id that ends up stored, which differs
// from customerID when a concurrent request attached one first.
func (s *Store) AttachCustomer(ctx context.Context, id, customerID string) (string, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET stripe_customer_id = $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND stripe_customer_id IS NULL
		RETURNING stripe_customer_id
	`, id, customerID).Scan(&stored)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isUniqueViolation(err) {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("attach customer: %w", err)
	}

	var existing sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT stripe_customer_id FROM accounts WHERE id = $1`, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("attach customer: %w", err)
	}
	return existing.String, nil
}

func scanAccount(row *sql.Row) (*models.Account, error) {
	var (
		acct         models.Account
		trialEnds    sql.NullTime
		periodStart  sql.NullTime
		periodEnd    sql.NullTime
		customerID   sql.NullString
		subscription sql.NullString
		lastResetAt  sql.NullTime
	)
	err := row.Scan(
		&acct.ID,
		&acct.Email,
		&acct.BusinessName,
		&acct.Tier,
		&acct.Status,
		&acct.UsageCount,
		&trialEnds,
		&periodStart,
		&periodEnd,
		&customerID,
		&subscription,
		&lastResetAt,
		&acct.Version,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	acct.TrialEndsAt = nullTimePtr(trialEnds)
	acct.BillingPeriodStart = nullTimePtr(periodStart)
	acct.BillingPeriodEnd = nullTimePtr(periodEnd)
	acct.StripeCustomerID = nullStringPtr(customerID)
	acct.StripeSubscriptionID = nullStringPtr(subscription)
	acct.LastResetEventAt = nullTimePtr(lastResetAt)
	return &acct, nil
}
