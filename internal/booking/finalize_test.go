package booking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/apelier/backend/internal/models"
)

func bookedLead() *models.Quote {
	q := quotedLead(models.LeadBooked)
	shoot := time.Date(2026, 6, 20, 0, 0, 0, 0, time.UTC)
	q.PreferredDate = &shoot
	q.Location = strPtr("Bondi Beach")
	q.JobType = strPtr("Wedding")
	q.ClientID = strPtr("client-1")
	return q
}

func newTestFinalizer(s BookingStore, now time.Time) *Finalizer {
	f := NewFinalizer(s, "https://app.apelier.test/", quietLogger())
	f.now = func() time.Time { return now }
	f.newToken = func() string { return "sign-tok" }
	return f
}

func TestFinalizeCreatesJobInvoicesAndEmails(t *testing.T) {
	s := newMemQuotes(bookedLead())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	job, err := newTestFinalizer(s, now).Finalize(context.Background(), leadID)
	require.NoError(t, err)

	assert.Equal(t, 1, job.JobNumber)
	assert.Equal(t, "Wedding", job.Title)
	assert.Equal(t, "Wedding", job.JobType)
	assert.Equal(t, "upcoming", job.Status)
	assert.Equal(t, int64(120000), *job.PackageAmountCents)
	assert.Equal(t, "Bondi Beach", *job.Location)
	assert.Contains(t, job.Notes, "Lead source: direct")

	require.Len(t, s.invoices, 1)
	assert.Equal(t, "INV-0001", s.invoices[0].Number)
	assert.Equal(t, int64(132000), s.invoices[0].TotalCents)

	require.Len(t, s.emails, 3)
	confirm, invoice, contract := s.emails[0], s.emails[1], s.emails[2]
	assert.Equal(t, JobTypeSendEmail, confirm.JobType)
	assert.Equal(t, TemplateBookingConfirmation, confirm.Payload["template"])
	assert.Equal(t, "sam@example.com", confirm.Payload["to"])
	assert.Nil(t, confirm.ScheduledFor)
	data := confirm.Payload["data"].(map[string]interface{})
	assert.Equal(t, "Sam", data["clientName"])
	assert.Equal(t, "Saturday, 20 June 2026", data["jobDate"])

	assert.Equal(t, TemplateInvoice, invoice.Payload["template"])
	require.NotNil(t, invoice.ScheduledFor)
	assert.Equal(t, now.Add(FollowUpDelay), *invoice.ScheduledFor)
	data = invoice.Payload["data"].(map[string]interface{})
	assert.Equal(t, "$1,320.00", data["amount"])
	assert.Equal(t, "INV-0001", data["invoiceNumber"])
	assert.Equal(t, "booking:"+leadID+":invoice", *invoice.IdempotencyKey)
	assert.NotContains(t, data, "bsb", "no payment details configured")

	assert.Equal(t, TemplateContractSigning, contract.Payload["template"])
	assert.Equal(t, "booking:"+leadID+":contract", *contract.IdempotencyKey)
	require.NotNil(t, contract.ScheduledFor)
	assert.Equal(t, now.Add(FollowUpDelay), *contract.ScheduledFor)
	data = contract.Payload["data"].(map[string]interface{})
	assert.Equal(t, "https://app.apelier.test/sign/sign-tok", data["signingUrl"])
	assert.Equal(t, "Wedding", data["jobTitle"])

	require.Len(t, s.contracts, 1)
	c := s.contracts[0]
	assert.Equal(t, job.ID, c.JobID)
	assert.Equal(t, "client-1", *c.ClientID)
	assert.Equal(t, models.ContractSent, c.Status)
	assert.Equal(t, "sign-tok", c.SigningToken)
	assert.Equal(t, now.Add(ContractValidity), c.ExpiresAt)
	assert.Contains(t, c.Content, "Sam Lee")
	assert.Contains(t, c.Content, "Saturday, 20 June 2026")
	assert.Contains(t, c.Content, "The full fee of $1,200.00 is due")
	assert.NotContains(t, c.Content, "{{")
}

func TestFinalizeInvoiceEmailCarriesPaymentDetails(t *testing.T) {
	q := bookedLead()
	q.PaymentDetails = models.PaymentDetails{
		BankName:      "Westpac",
		AccountName:   "Jo Photo Pty Ltd",
		BSB:           "032-000",
		AccountNumber: "123456",
		PayIDEmail:    "pay@jo.photo",
		Instructions:  "  ",
	}
	s := newMemQuotes(q)

	_, err := newTestFinalizer(s, time.Now()).Finalize(context.Background(), leadID)
	require.NoError(t, err)

	require.Len(t, s.emails, 3)
	data := s.emails[1].Payload["data"].(map[string]interface{})
	assert.Equal(t, "Westpac", data["bankName"])
	assert.Equal(t, "Jo Photo Pty Ltd", data["accountName"])
	assert.Equal(t, "032-000", data["bsb"])
	assert.Equal(t, "123456", data["accountNumber"])
	assert.Equal(t, "pay@jo.photo", data["payidEmail"])
	assert.NotContains(t, data, "payidPhone")
	assert.NotContains(t, data, "paymentInstructions")
}

func TestFinalizeUsesAccountContractTemplate(t *testing.T) {
	q := bookedLead()
	q.ContractTemplate = "Agreement for {{client_name}} on {{job_date}} at {{job_location}}."
	s := newMemQuotes(q)

	_, err := newTestFinalizer(s, time.Now()).Finalize(context.Background(), leadID)
	require.NoError(t, err)

	require.Len(t, s.contracts, 1)
	assert.Equal(t, "Agreement for Sam Lee on Saturday, 20 June 2026 at Bondi Beach.", s.contracts[0].Content)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	s := newMemQuotes(bookedLead())
	f := newTestFinalizer(s, time.Now())

	first, err := f.Finalize(context.Background(), leadID)
	require.NoError(t, err)
	second, err := f.Finalize(context.Background(), leadID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, s.counter)
	assert.Len(t, s.invoices, 1)
	assert.Len(t, s.contracts, 1)
	assert.Len(t, s.emails, 3)
}

func TestFinalizeWithDepositPackage(t *testing.T) {
	q := bookedLead()
	q.QuotedAmountCents = nil
	images := 40
	q.Package = &models.Package{ID: "pkg", Name: "Gold", PriceCents: 400000, IncludedImages: &images, RequireDeposit: true, DepositPercent: intPtr(50)}
	s := newMemQuotes(q)

	job, err := newTestFinalizer(s, time.Now()).Finalize(context.Background(), leadID)
	require.NoError(t, err)
	assert.Equal(t, "Gold", job.Title)
	assert.Equal(t, "Gold", *job.PackageName)
	assert.Equal(t, 40, *job.IncludedImages)

	require.Len(t, s.invoices, 2)
	assert.Equal(t, int64(200000), s.invoices[0].AmountCents)
	assert.Equal(t, models.InvoiceDeposit, s.invoices[0].Kind)

	require.Len(t, s.contracts, 1)
	content := s.contracts[0].Content
	assert.Contains(t, content, "deposit of $2,000.00 (50% of the fee)")
	assert.Contains(t, content, "balance of $2,000.00")
	assert.Contains(t, content, "deliver 40 edited images")
	assert.NotContains(t, content, "The full fee")
}

func TestFinalizeWithoutEmailOrAmount(t *testing.T) {
	q := bookedLead()
	q.ClientEmail = ""
	q.QuotedAmountCents = nil
	s := newMemQuotes(q)

	job, err := newTestFinalizer(s, time.Now()).Finalize(context.Background(), leadID)
	require.NoError(t, err)
	assert.Nil(t, job.PackageAmountCents)
	assert.Empty(t, s.invoices)
	assert.Empty(t, s.emails)
	require.Len(t, s.contracts, 1, "the agreement is kept even when it cannot be emailed")
	assert.Contains(t, s.contracts[0].Content, "Package:    Custom")
}

func TestFinalizeRejectsUnbookedLead(t *testing.T) {
	s := newMemQuotes(quotedLead(models.LeadQuoted))
	_, err := newTestFinalizer(s, time.Now()).Finalize(context.Background(), leadID)
	assert.Error(t, err)
	assert.Zero(t, s.counter)
}

func TestFormatAUD(t *testing.T) {
	assert.Equal(t, "$0.05", FormatAUD(5))
	assert.Equal(t, "$999.99", FormatAUD(99999))
	assert.Equal(t, "$1,234.56", FormatAUD(123456))
	assert.Equal(t, "$1,000,000.00", FormatAUD(100000000))
	assert.Equal(t, "-$12.00", FormatAUD(-1200))
}
