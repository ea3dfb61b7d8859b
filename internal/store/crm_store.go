package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PortNumber53/apelier/backend/internal/models"
)

// Booking is the set of records written for a booked lead. Contract may be nil.
type Booking struct {
	Job       *models.ClientJob
	Invoices  []models.Invoice
	Contract  *models.Contract
	FollowUps []*models.Job
}

// BookingBuilder produces the records for a booked lead once its per-account
// job number is known.
type BookingBuilder func(jobNumber int) Booking

// CreateBookedJob creates the client job, its invoices, its contract and any
// follow-up jobs for a booked lead in one transaction. When the lead already has a client
// job, nothing is written and the existing job is returned with created=false.
func (s *Store) CreateBookedJob(ctx context.Context, accountID, leadID string, build BookingBuilder) (*models.ClientJob, bool, error) {
	var (
		result  *models.ClientJob
		created bool
	)

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		existing := &models.ClientJob{AccountID: accountID, LeadID: leadID}
		err := tx.QueryRowContext(ctx,
			`SELECT id, job_number, title, status FROM client_jobs WHERE lead_id = $1`,
			leadID,
		).Scan(&existing.ID, &existing.JobNumber, &existing.Title, &existing.Status)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup client job: %w", err)
		}

		var jobNumber int
		err = tx.QueryRowContext(ctx, `
			UPDATE accounts
			SET job_counter = job_counter + 1
			WHERE id = $1
			RETURNING job_counter
		`, accountID).Scan(&jobNumber)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("next job number: %w", err)
		}

		b := build(jobNumber)
		job := b.Job
		if err := insertClientJob(ctx, tx, job); err != nil {
			return err
		}
		for i := range b.Invoices {
			b.Invoices[i].JobID = job.ID
			if err := insertInvoice(ctx, tx, &b.Invoices[i]); err != nil {
				return err
			}
		}
		if b.Contract != nil {
			b.Contract.JobID = job.ID
			if err := insertContract(ctx, tx, b.Contract); err != nil {
				return err
			}
		}
		for _, fu := range b.FollowUps {
			if err := insertJob(ctx, tx, fu); err != nil && !errors.Is(err, ErrJobExists) {
				return err
			}
		}

		result = job
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("create booked job: %w", err)
	}
	return result, created, nil
}

func insertClientJob(ctx context.Context, q queryer, job *models.ClientJob) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO client_jobs (
			account_id, lead_id, client_id, job_number, title, job_type, date, location,
			package_name, package_amount_cents, included_images, status, notes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		job.AccountID,
		job.LeadID,
		job.ClientID,
		job.JobNumber,
		job.Title,
		job.JobType,
		job.Date,
		job.Location,
		job.PackageName,
		job.PackageAmountCents,
		job.IncludedImages,
		job.Status,
		job.Notes,
	).Scan(&job.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert client job: %w", err)
	}
	return nil
}

func insertInvoice(ctx context.Context, q queryer, inv *models.Invoice) error {
	lineItems, err := json.Marshal(inv.LineItems)
	if err != nil {
		return fmt.Errorf("marshal line items: %w", err)
	}

	err = q.QueryRowContext(ctx, `
		INSERT INTO invoices (
			account_id, client_id, job_id, invoice_number, invoice_type, status,
			amount_cents, tax_cents, total_cents, currency, due_date, line_items, notes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		inv.AccountID,
		inv.ClientID,
		inv.JobID,
		inv.Number,
		inv.Kind,
		inv.Status,
		inv.AmountCents,
		inv.TaxCents,
		inv.TotalCents,
		inv.Currency,
		inv.DueDate,
		lineItems,
		inv.Notes,
	).Scan(&inv.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert invoice %s: %w", inv.Number, err)
	}
	return nil
}

func insertContract(ctx context.Context, q queryer, c *models.Contract) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO contracts (
			account_id, job_id, client_id, content, status, signing_token, sent_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		c.AccountID,
		c.JobID,
		c.ClientID,
		c.Content,
		c.Status,
		c.SigningToken,
		c.SentAt,
		c.ExpiresAt,
	).Scan(&c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}
