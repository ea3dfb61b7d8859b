// Package booking turns accepted quotes into booked jobs. A quote token is
// single use: the quoted -> booked transition happens at most once and
// triggers the booking follow-ups exactly once.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/metrics"
	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/store"
)

var (
	// ErrQuoteNotFound means no quote carries the token.
	ErrQuoteNotFound = errors.New("quote not found or has expired")
	// ErrAlreadyBooked means the quote was accepted before.
	ErrAlreadyBooked = errors.New("quote has already been accepted")
	// ErrQuoteUnavailable means the quote can no longer be accepted.
	ErrQuoteUnavailable = errors.New("quote is no longer available")
	// ErrLeadNotFound means no lead has the given id.
	ErrLeadNotFound = errors.New("lead not found")
	// ErrCannotQuote means the lead is past the point where a quote can be issued.
	ErrCannotQuote = errors.New("lead cannot be quoted in its current status")
	// ErrInvalidQuote means the quote names neither a positive amount nor a package.
	ErrInvalidQuote = errors.New("an amount or package is required")
)

// QuoteStore is the persistence the booking service needs.
type QuoteStore interface {
	GetQuoteByToken(ctx context.Context, token string) (*models.Quote, error)
	GetQuoteByLeadID(ctx context.Context, leadID string) (*models.Quote, error)
	BookQuote(ctx context.Context, leadID string, acceptedAt time.Time, followUp *models.Job) error
	MarkQuoteLost(ctx context.Context, leadID string) error
	IssueQuote(ctx context.Context, leadID string, amountCents *int64, packageID *string, notify store.QuoteNotifier) (string, error)
}

// Result describes a successful acceptance.
type Result struct {
	LeadID     string    `json:"lead_id"`
	AccountID  string    `json:"account_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Service implements the quote lifecycle operations.
type Service struct {
	quotes  QuoteStore
	appURL  string
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewService wires a Service. appURL is the web origin clients accept quotes
// on. metrics may be nil.
func NewService(quotes QuoteStore, appURL string, logger logrus.FieldLogger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		quotes:  quotes,
		appURL:  strings.TrimRight(appURL, "/"),
		log:     logger.WithField("component", "booking"),
		metrics: m,
	}
}

// Accept books the quote addressed by token. Concurrent calls for the same
// token produce one success; the rest see ErrAlreadyBooked.
func (s *Service) Accept(ctx context.Context, token string, now time.Time) (*Result, error) {
	res, err := s.accept(ctx, token, now)
	s.metrics.ObserveQuoteAccept(acceptOutcome(err))
	return res, err
}

func (s *Service) accept(ctx context.Context, token string, now time.Time) (*Result, error) {
	q, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	entry := s.log.WithFields(logrus.Fields{"lead_id": q.LeadID, "account_id": q.AccountID})

	if err := checkAcceptable(q.Status); err != nil {
		entry.WithField("status", string(q.Status)).Info("quote acceptance refused")
		return nil, err
	}

	acceptedAt := now.UTC()
	err = s.quotes.BookQuote(ctx, q.LeadID, acceptedAt, NewFinalizeJob(q.LeadID))
	if errors.Is(err, store.ErrLeadStatusChanged) {
		// Someone else moved the lead between our read and the update.
		current, lerr := s.quotes.GetQuoteByLeadID(ctx, q.LeadID)
		if lerr != nil {
			return nil, fmt.Errorf("reload lead %s: %w", q.LeadID, lerr)
		}
		entry.WithField("status", string(current.Status)).Info("quote acceptance lost race")
		if current.Status == models.LeadBooked {
			return nil, ErrAlreadyBooked
		}
		return nil, ErrQuoteUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("book lead %s: %w", q.LeadID, err)
	}

	entry.Info("quote accepted")
	return &Result{LeadID: q.LeadID, AccountID: q.AccountID, AcceptedAt: acceptedAt}, nil
}

// Info returns the public view of a quote. It reports the same outcomes as
// Accept without changing anything.
func (s *Service) Info(ctx context.Context, token string) (*models.Quote, error) {
	q, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := checkAcceptable(q.Status); err != nil {
		return nil, err
	}
	return q, nil
}

// Expire withdraws an outstanding quote, moving the lead to lost.
func (s *Service) Expire(ctx context.Context, token string) error {
	q, err := s.lookup(ctx, token)
	if err != nil {
		return err
	}
	if err := checkAcceptable(q.Status); err != nil {
		return err
	}

	err = s.quotes.MarkQuoteLost(ctx, q.LeadID)
	if errors.Is(err, store.ErrLeadStatusChanged) {
		current, lerr := s.quotes.GetQuoteByLeadID(ctx, q.LeadID)
		if lerr != nil {
			return fmt.Errorf("reload lead %s: %w", q.LeadID, lerr)
		}
		if current.Status == models.LeadBooked {
			return ErrAlreadyBooked
		}
		return ErrQuoteUnavailable
	}
	if err != nil {
		return fmt.Errorf("expire lead %s: %w", q.LeadID, err)
	}
	s.log.WithField("lead_id", q.LeadID).Info("quote expired")
	return nil
}

// Issue quotes a new or contacted lead and returns the token to send the
// client. The quote email is queued with the status change.
func (s *Service) Issue(ctx context.Context, leadID string, amountCents *int64, packageID *string) (string, error) {
	if err := validateQuote(amountCents, packageID); err != nil {
		return "", err
	}

	q, err := s.quotes.GetQuoteByLeadID(ctx, leadID)
	if errors.Is(err, store.ErrLeadNotFound) {
		return "", ErrLeadNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load lead %s: %w", leadID, err)
	}
	if !q.Status.CanTransition(models.LeadQuoted) {
		return "", ErrCannotQuote
	}

	token, err := s.quotes.IssueQuote(ctx, leadID, amountCents, packageID, s.quoteEmail)
	if errors.Is(err, store.ErrLeadStatusChanged) {
		return "", ErrCannotQuote
	}
	if err != nil {
		return "", fmt.Errorf("issue quote for %s: %w", leadID, err)
	}
	s.log.WithField("lead_id", leadID).Info("quote issued")
	return token, nil
}

// quoteEmail builds the email.send job carrying the accept link.
func (s *Service) quoteEmail(q *models.Quote) *models.Job {
	if q.ClientEmail == "" || q.Token == "" {
		return nil
	}
	data := map[string]string{
		"clientName":     clientGreetingName(q),
		"businessName":   q.BusinessName,
		"packageName":    q.PackageName(),
		"amount":         FormatAUD(q.AmountCents()),
		"includedImages": includedImages(q),
		"jobDate":        jobDate(q),
		"location":       valueOr(q.Location, ""),
		"acceptUrl":      s.appURL + "/quote/" + q.Token,
	}
	return NewEmailJob("quote:"+q.Token, TemplateQuote, q.ClientEmail, data, nil)
}

func validateQuote(amountCents *int64, packageID *string) error {
	if amountCents != nil && *amountCents < 0 {
		return fmt.Errorf("%w: amount cannot be negative", ErrInvalidQuote)
	}
	if (amountCents == nil || *amountCents == 0) && packageID == nil {
		return ErrInvalidQuote
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, token string) (*models.Quote, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrQuoteNotFound
	}
	q, err := s.quotes.GetQuoteByToken(ctx, token)
	if errors.Is(err, store.ErrQuoteNotFound) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load quote: %w", err)
	}
	return q, nil
}

// checkAcceptable maps a lead status to the acceptance outcome. Only a
// quoted lead can be accepted; booked reports the duplicate, and anything
// else (lost, or a lead that was never quoted) is unavailable.
func checkAcceptable(status models.LeadStatus) error {
	switch {
	case status == models.LeadBooked:
		return ErrAlreadyBooked
	case status.CanTransition(models.LeadBooked):
		return nil
	default:
		return ErrQuoteUnavailable
	}
}

func acceptOutcome(err error) string {
	switch {
	case err == nil:
		return "booked"
	case errors.Is(err, ErrQuoteNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyBooked):
		return "already_booked"
	case errors.Is(err, ErrQuoteUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
