package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/apelier/backend/internal/models"
)

// ErrLeadStatusChanged is returned when a conditional lead transition found
// the lead in a different status than expected.
var ErrLeadStatusChanged = errors.New("lead status changed")

const quoteSelect = `
	SELECT l.id, l.account_id, l.client_id, l.status, COALESCE(l.quote_token, ''),
	       l.job_type, l.source, l.quoted_amount_cents, l.preferred_date, l.location,
	       l.quote_accepted_at,
	       p.id, p.name, p.price_cents, p.included_images, p.require_deposit, p.deposit_percent,
	       COALESCE(c.first_name, ''), COALESCE(c.last_name, ''), COALESCE(c.email, ''),
	       a.business_name, COALESCE(a.contract_template, ''), a.payment_details
	FROM leads l
	JOIN accounts a ON a.id = l.account_id
	LEFT JOIN packages p ON p.id = l.quoted_package_id
	LEFT JOIN clients c ON c.id = l.client_id`

// GetQuoteByToken returns the lead addressed by a quote token.
func (s *Store) GetQuoteByToken(ctx context.Context, token string) (*models.Quote, error) {
	q, err := scanQuote(s.db.QueryRowContext(ctx, quoteSelect+` WHERE l.quote_token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quote by token: %w", err)
	}
	return q, nil
}

// GetQuoteByLeadID returns the lead with its quote details.
func (s *Store) GetQuoteByLeadID(ctx context.Context, leadID string) (*models.Quote, error) {
	q, err := scanQuote(s.db.QueryRowContext(ctx, quoteSelect+` WHERE l.id = $1`, leadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quote by lead: %w", err)
	}
	return q, nil
}

// BookQuote moves a lead from quoted to booked and enqueues followUp in the
// same transaction. Exactly one caller can win the transition; the others
// get ErrLeadStatusChanged and nothing is enqueued for them.
func (s *Store) BookQuote(ctx context.Context, leadID string, acceptedAt time.Time, followUp *models.Job) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE leads
			SET status = 'booked',
			    quote_accepted_at = $2,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'quoted'
		`, leadID, acceptedAt)
		if err != nil {
			return fmt.Errorf("book quote: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("book quote: %w", err)
		}
		if affected == 0 {
			return ErrLeadStatusChanged
		}

		if followUp == nil {
			return nil
		}
		if err := insertJob(ctx, tx, followUp); err != nil && !errors.Is(err, ErrJobExists) {
			return fmt.Errorf("book quote: %w", err)
		}
		return nil
	})
}

// MarkQuoteLost moves a quoted lead to lost.
func (s *Store) MarkQuoteLost(ctx context.Context, leadID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET status = 'lost',
		    updated_at = NOW()
		WHERE id = $1 AND status = 'quoted'
	`, leadID)
	if err != nil {
		return fmt.Errorf("mark quote lost: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark quote lost: %w", err)
	}
	if affected == 0 {
		return ErrLeadStatusChanged
	}
	return nil
}

// QuoteNotifier builds the job that tells the client about a freshly issued
// quote. It may return nil when there is nobody to notify.
type QuoteNotifier func(q *models.Quote) *models.Job

// IssueQuote moves a new or contacted lead to quoted under a fresh token.
// When notify is set, the job it builds from the quoted lead is enqueued in
// the same transaction.
func (s *Store) IssueQuote(ctx context.Context, leadID string, amountCents *int64, packageID *string, notify QuoteNotifier) (string, error) {
	token, err := randomHex(24)
	if err != nil {
		return "", fmt.Errorf("generate quote token: %w", err)
	}

	var stored string
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE leads
			SET status = 'quoted',
			    quote_token = $2,
			    quoted_amount_cents = $3,
			    quoted_package_id = $4,
			    updated_at = NOW()
			WHERE id = $1 AND status IN ('new', 'contacted')
			RETURNING quote_token
		`, leadID, token, amountCents, packageID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeadStatusChanged
		}
		if err != nil {
			return fmt.Errorf("issue quote: %w", err)
		}

		if notify == nil {
			return nil
		}
		q, err := scanQuote(tx.QueryRowContext(ctx, quoteSelect+` WHERE l.id = $1`, leadID))
		if err != nil {
			return fmt.Errorf("reload quoted lead: %w", err)
		}
		job := notify(q)
		if job == nil {
			return nil
		}
		if err := insertJob(ctx, tx, job); err != nil && !errors.Is(err, ErrJobExists) {
			return fmt.Errorf("issue quote: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return stored, nil
}

func scanQuote(row *sql.Row) (*models.Quote, error) {
	var (
		q             models.Quote
		clientID      sql.NullString
		jobType       sql.NullString
		source        sql.NullString
		amount        sql.NullInt64
		preferredDate sql.NullTime
		location      sql.NullString
		acceptedAt    sql.NullTime
		pkgID         sql.NullString
		pkgName       sql.NullString
		pkgPrice      sql.NullInt64
		pkgImages     sql.NullInt64
		pkgDeposit    sql.NullBool
		pkgDepositPct sql.NullInt64
		payment       []byte
	)
	err := row.Scan(
		&q.LeadID,
		&q.AccountID,
		&clientID,
		&q.Status,
		&q.Token,
		&jobType,
		&source,
		&amount,
		&preferredDate,
		&location,
		&acceptedAt,
		&pkgID,
		&pkgName,
		&pkgPrice,
		&pkgImages,
		&pkgDeposit,
		&pkgDepositPct,
		&q.ClientFirstName,
		&q.ClientLastName,
		&q.ClientEmail,
		&q.BusinessName,
		&q.ContractTemplate,
		&payment,
	)
	if err != nil {
		return nil, err
	}
	if len(payment) > 0 {
		if err := json.Unmarshal(payment, &q.PaymentDetails); err != nil {
			return nil, fmt.Errorf("decode payment details: %w", err)
		}
	}

	q.ClientID = nullStringPtr(clientID)
	q.JobType = nullStringPtr(jobType)
	q.Source = nullStringPtr(source)
	q.QuotedAmountCents = nullInt64Ptr(amount)
	q.PreferredDate = nullTimePtr(preferredDate)
	q.Location = nullStringPtr(location)
	q.QuoteAcceptedAt = nullTimePtr(acceptedAt)
	if pkgID.Valid {
		q.Package = &models.Package{
			ID:             pkgID.String,
			Name:           pkgName.String,
			PriceCents:     pkgPrice.Int64,
			IncludedImages: nullIntPtr(pkgImages),
			RequireDeposit: pkgDeposit.Bool,
			DepositPercent: nullIntPtr(pkgDepositPct),
		}
	}
	return &q, nil
}
