package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/store"
)

const (
	// JobTypeFinalize creates the job, invoices and emails for a booked lead.
	JobTypeFinalize = "booking.finalize"
	// JobTypeSendEmail delivers one templated email.
	JobTypeSendEmail = "email.send"

	// FollowUpDelay separates the confirmation email from the invoice email.
	FollowUpDelay = 30 * time.Second

	TemplateBookingConfirmation = "booking_confirmation"
	TemplateInvoice             = "invoice"
	TemplateQuote               = "quote"

	longDisplayDate = "Monday, 2 January 2006"
)

// NewFinalizeJob returns the follow-up job enqueued when a lead is booked.
// The key makes a second enqueue for the same lead a no-op.
func NewFinalizeJob(leadID string) *models.Job {
	key := "booking:" + leadID
	return &models.Job{
		JobType:        JobTypeFinalize,
		IdempotencyKey: &key,
		Payload:        models.JSONB{"lead_id": leadID},
		Priority:       models.JobPriorityHigh,
		MaxAttempts:    5,
	}
}

// NewEmailJob returns an email.send job. A nil sendAt sends as soon as possible.
func NewEmailJob(key, template, to string, data map[string]string, sendAt *time.Time) *models.Job {
	payloadData := make(map[string]interface{}, len(data))
	for k, v := range data {
		payloadData[k] = v
	}
	return &models.Job{
		JobType:        JobTypeSendEmail,
		IdempotencyKey: &key,
		Payload: models.JSONB{
			"template": template,
			"to":       to,
			"data":     payloadData,
		},
		Priority:     models.JobPriorityNormal,
		MaxAttempts:  8,
		ScheduledFor: sendAt,
	}
}

// BookingStore is the persistence the finalizer needs.
type BookingStore interface {
	GetQuoteByLeadID(ctx context.Context, leadID string) (*models.Quote, error)
	CreateBookedJob(ctx context.Context, accountID, leadID string, build store.BookingBuilder) (*models.ClientJob, bool, error)
}

// Finalizer performs the side effects of a booking. Running it again for
// the same lead changes nothing.
type Finalizer struct {
	store    BookingStore
	appURL   string
	log      logrus.FieldLogger
	now      func() time.Time
	newToken func() string
}

// NewFinalizer wires a Finalizer. appURL is the web origin used in the
// contract signing link.
func NewFinalizer(s BookingStore, appURL string, logger logrus.FieldLogger) *Finalizer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Finalizer{
		store:    s,
		appURL:   strings.TrimRight(appURL, "/"),
		log:      logger.WithField("component", "booking_finalizer"),
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

// Finalize creates the client job, invoices, contract and notification emails
// for a booked lead.
func (f *Finalizer) Finalize(ctx context.Context, leadID string) (*models.ClientJob, error) {
	q, err := f.store.GetQuoteByLeadID(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("load booked lead %s: %w", leadID, err)
	}
	if q.Status != models.LeadBooked {
		return nil, fmt.Errorf("lead %s is %s, not booked", leadID, q.Status)
	}

	now := f.now()
	job, created, err := f.store.CreateBookedJob(ctx, q.AccountID, q.LeadID, func(jobNumber int) store.Booking {
		return f.buildBooking(q, jobNumber, now)
	})
	if err != nil {
		return nil, err
	}

	entry := f.log.WithFields(logrus.Fields{
		"lead_id":    leadID,
		"job_number": job.JobNumber,
	})
	if created {
		entry.Info("booking finalized")
	} else {
		entry.Debug("booking already finalized")
	}
	return job, nil
}

func (f *Finalizer) buildBooking(q *models.Quote, jobNumber int, now time.Time) store.Booking {
	amount := q.AmountCents()
	title := q.PackageName()

	job := &models.ClientJob{
		AccountID: q.AccountID,
		LeadID:    q.LeadID,
		ClientID:  q.ClientID,
		JobNumber: jobNumber,
		Title:     title,
		JobType:   valueOr(q.JobType, "Photography"),
		Date:      q.PreferredDate,
		Location:  q.Location,
		Status:    "upcoming",
		Notes:     fmt.Sprintf("Auto-created from accepted quote. Lead source: %s", valueOr(q.Source, "direct")),
	}
	if amount > 0 {
		job.PackageAmountCents = &amount
	}

	plan := InvoicePlan{
		AccountID:     q.AccountID,
		ClientID:      q.ClientID,
		JobNumber:     jobNumber,
		PackageName:   title,
		AmountCents:   amount,
		PreferredDate: q.PreferredDate,
		Now:           now,
	}
	if q.Package != nil {
		name := q.Package.Name
		job.PackageName = &name
		job.IncludedImages = q.Package.IncludedImages
		plan.RequireDeposit = q.Package.RequireDeposit
		plan.DepositPercent = q.Package.DepositPercent
	}
	invoices := PlanInvoices(plan)
	contract := buildContract(q, amount, invoices, DepositRate(plan.DepositPercent), f.newToken(), now)

	return store.Booking{
		Job:       job,
		Invoices:  invoices,
		Contract:  contract,
		FollowUps: f.buildEmails(q, title, invoices, contract, now),
	}
}

func (f *Finalizer) buildEmails(q *models.Quote, title string, invoices []models.Invoice, contract *models.Contract, now time.Time) []*models.Job {
	if q.ClientEmail == "" {
		return nil
	}
	sendAt := now.Add(FollowUpDelay)

	base := map[string]string{
		"clientName":   clientGreetingName(q),
		"businessName": q.BusinessName,
		"jobTitle":     title,
	}

	confirmation := copyData(base)
	confirmation["jobDate"] = jobDate(q)
	confirmation["location"] = valueOr(q.Location, "")

	emails := []*models.Job{
		NewEmailJob("booking:"+q.LeadID+":confirmation", TemplateBookingConfirmation, q.ClientEmail, confirmation, nil),
	}

	if len(invoices) > 0 {
		first := invoices[0]
		data := copyData(base)
		data["invoiceNumber"] = first.Number
		data["amount"] = FormatAUD(first.TotalCents)
		data["dueDate"] = first.DueDate.Format(displayDate)
		addPaymentDetails(data, q.PaymentDetails)
		emails = append(emails, NewEmailJob("booking:"+q.LeadID+":invoice", TemplateInvoice, q.ClientEmail, data, &sendAt))
	}

	if contract != nil {
		data := copyData(base)
		data["signingUrl"] = f.appURL + "/sign/" + contract.SigningToken
		emails = append(emails, NewEmailJob("booking:"+q.LeadID+":contract", TemplateContractSigning, q.ClientEmail, data, &sendAt))
	}
	return emails
}

// addPaymentDetails copies the account's non-empty payment fields into
// invoice email data.
func addPaymentDetails(data map[string]string, p models.PaymentDetails) {
	for key, value := range map[string]string{
		"bankName":            p.BankName,
		"accountName":         p.AccountName,
		"bsb":                 p.BSB,
		"accountNumber":       p.AccountNumber,
		"payidEmail":          p.PayIDEmail,
		"payidPhone":          p.PayIDPhone,
		"paymentInstructions": p.Instructions,
	} {
		if value = strings.TrimSpace(value); value != "" {
			data[key] = value
		}
	}
}

// FormatAUD renders cents as a dollar amount, e.g. 123456 -> "$1,234.56".
func FormatAUD(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	dollars := fmt.Sprintf("%d", cents/100)
	var b strings.Builder
	for i, r := range dollars {
		if i > 0 && (len(dollars)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%s$%s.%02d", sign, b.String(), cents%100)
}

func clientGreetingName(q *models.Quote) string {
	if q.ClientFirstName != "" {
		return q.ClientFirstName
	}
	return "there"
}

func copyData(src map[string]string) map[string]string {
	out := make(map[string]string, len(src)+4)
	for k, v := range src {
		out[k] = v
	}
	return out
}

func valueOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
