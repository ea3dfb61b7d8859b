package models

import "time"

// LeadStatus is the pipeline stage of an inquiry.
type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadContacted LeadStatus = "contacted"
	LeadQuoted    LeadStatus = "quoted"
	LeadBooked    LeadStatus = "booked"
	LeadLost      LeadStatus = "lost"
)

var leadTransitions = map[LeadStatus][]LeadStatus{
	LeadNew:       {LeadContacted, LeadQuoted, LeadLost},
	LeadContacted: {LeadQuoted, LeadLost},
	LeadQuoted:    {LeadBooked, LeadLost},
}

// CanTransition reports whether moving from s to next is allowed.
// Booked and lost are terminal.
func (s LeadStatus) CanTransition(next LeadStatus) bool {
	for _, allowed := range leadTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Package is a photographer's priced offering.
type Package struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PriceCents     int64  `json:"price_cents"`
	IncludedImages *int   `json:"included_images,omitempty"`
	RequireDeposit bool   `json:"require_deposit"`
	DepositPercent *int   `json:"deposit_percent,omitempty"`
}

// Quote is a lead that carries an offer addressable by its token.
type Quote struct {
	LeadID            string     `json:"lead_id"`
	AccountID         string     `json:"account_id"`
	ClientID          *string    `json:"client_id,omitempty"`
	Status            LeadStatus `json:"status"`
	Token             string     `json:"-"`
	JobType           *string    `json:"job_type,omitempty"`
	Source            *string    `json:"source,omitempty"`
	QuotedAmountCents *int64     `json:"quoted_amount_cents,omitempty"`
	PreferredDate     *time.Time `json:"preferred_date,omitempty"`
	Location          *string    `json:"location,omitempty"`
	QuoteAcceptedAt   *time.Time `json:"quote_accepted_at,omitempty"`
	Package           *Package   `json:"package,omitempty"`

	ClientFirstName string `json:"client_first_name,omitempty"`
	ClientLastName  string `json:"client_last_name,omitempty"`
	ClientEmail     string `json:"-"`
	BusinessName    string `json:"business_name,omitempty"`

	// ContractTemplate is the account's own agreement text; empty means the default.
	ContractTemplate string         `json:"-"`
	PaymentDetails   PaymentDetails `json:"-"`
}

// AmountCents is the quoted amount, falling back to the package price.
func (q *Quote) AmountCents() int64 {
	if q.QuotedAmountCents != nil && *q.QuotedAmountCents > 0 {
		return *q.QuotedAmountCents
	}
	if q.Package != nil {
		return q.Package.PriceCents
	}
	return 0
}

// PackageName is the title used for the booked job and its invoices.
func (q *Quote) PackageName() string {
	if q.Package != nil && q.Package.Name != "" {
		return q.Package.Name
	}
	if q.JobType != nil && *q.JobType != "" {
		return *q.JobType
	}
	return "Photography Session"
}
