package models

import "time"

// ClientJob is the booked shoot created when a quote is accepted.
type ClientJob struct {
	ID                 string     `json:"id"`
	AccountID          string     `json:"account_id"`
	LeadID             string     `json:"lead_id"`
	ClientID           *string    `json:"client_id,omitempty"`
	JobNumber          int        `json:"job_number"`
	Title              string     `json:"title"`
	JobType            string     `json:"job_type"`
	Date               *time.Time `json:"date,omitempty"`
	Location           *string    `json:"location,omitempty"`
	PackageName        *string    `json:"package_name,omitempty"`
	PackageAmountCents *int64     `json:"package_amount_cents,omitempty"`
	IncludedImages     *int       `json:"included_images,omitempty"`
	Status             string     `json:"status"`
	Notes              string     `json:"notes"`
}

// InvoiceKind distinguishes deposit invoices from balance invoices.
type InvoiceKind string

const (
	InvoiceDeposit InvoiceKind = "deposit"
	InvoiceFinal   InvoiceKind = "final"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft InvoiceStatus = "draft"
	InvoiceSent  InvoiceStatus = "sent"
)

// LineItem is a single billed line on an invoice.
type LineItem struct {
	Description    string `json:"description"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TotalCents     int64  `json:"total_cents"`
}

// Invoice is a client-facing bill attached to a job.
type Invoice struct {
	ID          string        `json:"id"`
	AccountID   string        `json:"account_id"`
	ClientID    *string       `json:"client_id,omitempty"`
	JobID       string        `json:"job_id"`
	Number      string        `json:"invoice_number"`
	Kind        InvoiceKind   `json:"invoice_type"`
	Status      InvoiceStatus `json:"status"`
	AmountCents int64         `json:"amount_cents"`
	TaxCents    int64         `json:"tax_cents"`
	TotalCents  int64         `json:"total_cents"`
	Currency    string        `json:"currency"`
	DueDate     time.Time     `json:"due_date"`
	LineItems   []LineItem    `json:"line_items"`
	Notes       string        `json:"notes"`
}

// ContractStatus is the lifecycle state of a services agreement.
type ContractStatus string

const (
	ContractSent   ContractStatus = "sent"
	ContractSigned ContractStatus = "signed"
)

// Contract is the services agreement sent to the client when a job is booked.
type Contract struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"account_id"`
	JobID        string         `json:"job_id"`
	ClientID     *string        `json:"client_id,omitempty"`
	Content      string         `json:"content"`
	Status       ContractStatus `json:"status"`
	SigningToken string         `json:"-"`
	SentAt       time.Time      `json:"sent_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// PaymentDetails tells clients how to pay an invoice. Every field is optional.
type PaymentDetails struct {
	BankName      string `json:"bank_name,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
	BSB           string `json:"bsb,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	PayIDEmail    string `json:"payid_email,omitempty"`
	PayIDPhone    string `json:"payid_phone,omitempty"`
	Instructions  string `json:"payment_instructions,omitempty"`
}
