package booking

import (
	"fmt"
	"time"

	"github.com/PortNumber53/apelier/backend/internal/models"
)

const (
	// GSTPercent is added on top of every invoiced amount.
	GSTPercent = 10
	// DefaultDepositPercent applies when a package asks for a deposit without
	// a usable rate.
	DefaultDepositPercent = 25
	// InvoiceCurrency is the currency all client invoices are issued in.
	InvoiceCurrency = "AUD"

	paymentTermDays = 14
	displayDate     = "2 January 2006"
)

// InvoicePlan is the input for PlanInvoices.
type InvoicePlan struct {
	AccountID      string
	ClientID       *string
	JobNumber      int
	PackageName    string
	AmountCents    int64
	RequireDeposit bool
	// DepositPercent is the package's rate; nil means it was never set.
	DepositPercent *int
	PreferredDate  *time.Time
	Now            time.Time
}

// PlanInvoices splits a booked amount into invoices. A package that requires
// a deposit yields a sent deposit invoice due in 14 days and a draft final
// invoice due 14 days before the shoot; otherwise a single sent invoice is
// issued. Nothing is invoiced for a zero amount.
func PlanInvoices(p InvoicePlan) []models.Invoice {
	if p.AmountCents <= 0 {
		return nil
	}

	today := dateOf(p.Now)
	termsDue := today.AddDate(0, 0, paymentTermDays)
	balanceDue := dueBeforeShoot(p.PreferredDate, today, termsDue)
	number := InvoiceNumber(p.JobNumber)

	if !p.RequireDeposit {
		return []models.Invoice{
			newInvoice(p, number, models.InvoiceFinal, models.InvoiceSent, p.AmountCents, balanceDue,
				p.PackageName,
				fmt.Sprintf("Payment due %s.", balanceDue.Format(displayDate))),
		}
	}

	pct := DepositRate(p.DepositPercent)
	deposit := percentOf(p.AmountCents, pct)
	balance := p.AmountCents - deposit

	return []models.Invoice{
		newInvoice(p, number+"-DEP", models.InvoiceDeposit, models.InvoiceSent, deposit, termsDue,
			fmt.Sprintf("%s (%d%% deposit)", p.PackageName, pct),
			fmt.Sprintf("Deposit of %d%% to secure your booking. Due within %d days.", pct, paymentTermDays)),
		newInvoice(p, number+"-FIN", models.InvoiceFinal, models.InvoiceDraft, balance, balanceDue,
			fmt.Sprintf("%s (remaining balance)", p.PackageName),
			fmt.Sprintf("Final payment due %s (%d days before session).", balanceDue.Format(displayDate), paymentTermDays)),
	}
}

// DepositRate is the package's deposit percentage, or DefaultDepositPercent
// when the rate is unset or outside 0-100. An explicit 0 is kept.
func DepositRate(pct *int) int {
	if pct != nil && *pct >= 0 && *pct <= 100 {
		return *pct
	}
	return DefaultDepositPercent
}

// InvoiceNumber formats the base invoice number for a job, e.g. INV-0007.
func InvoiceNumber(jobNumber int) string {
	return fmt.Sprintf("INV-%04d", jobNumber)
}

// TaxOn returns GST on an amount in cents, rounded half up.
func TaxOn(amountCents int64) int64 {
	return percentOf(amountCents, GSTPercent)
}

func newInvoice(p InvoicePlan, number string, kind models.InvoiceKind, status models.InvoiceStatus, amount int64, due time.Time, description, notes string) models.Invoice {
	tax := TaxOn(amount)
	return models.Invoice{
		AccountID:   p.AccountID,
		ClientID:    p.ClientID,
		Number:      number,
		Kind:        kind,
		Status:      status,
		AmountCents: amount,
		TaxCents:    tax,
		TotalCents:  amount + tax,
		Currency:    InvoiceCurrency,
		DueDate:     due,
		LineItems: []models.LineItem{{
			Description:    description,
			Quantity:       1,
			UnitPriceCents: amount,
			TotalCents:     amount,
		}},
		Notes: notes,
	}
}

// dueBeforeShoot is the shoot date minus the payment term, never earlier
// than today. Without a shoot date the standard term applies.
func dueBeforeShoot(shoot *time.Time, today, fallback time.Time) time.Time {
	if shoot == nil {
		return fallback
	}
	due := dateOf(*shoot).AddDate(0, 0, -paymentTermDays)
	if !due.After(today) {
		return today
	}
	return due
}

func percentOf(amount int64, pct int) int64 {
	return (amount*int64(pct) + 50) / 100
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
