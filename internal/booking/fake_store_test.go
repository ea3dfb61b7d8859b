package booking

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/store"
)

// memQuotes keeps leads in memory and performs the status transitions as
// compare-and-set operations, like the SQL store.
type memQuotes struct {
	mu        sync.Mutex
	leads     map[string]*models.Quote
	followUps []*models.Job
	jobs      map[string]*models.ClientJob
	invoices  []models.Invoice
	contracts []*models.Contract
	emails    []*models.Job
	counter   int
	bookCalls int
}

func newMemQuotes(quotes ...*models.Quote) *memQuotes {
	m := &memQuotes{
		leads: make(map[string]*models.Quote),
		jobs:  make(map[string]*models.ClientJob),
	}
	for _, q := range quotes {
		m.leads[q.LeadID] = q
	}
	return m
}

func (m *memQuotes) GetQuoteByToken(_ context.Context, token string) (*models.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.leads {
		if q.Token != "" && q.Token == token {
			cp := *q
			return &cp, nil
		}
	}
	return nil, store.ErrQuoteNotFound
}

func (m *memQuotes) GetQuoteByLeadID(_ context.Context, leadID string) (*models.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.leads[leadID]
	if !ok {
		return nil, store.ErrLeadNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *memQuotes) BookQuote(_ context.Context, leadID string, acceptedAt time.Time, followUp *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookCalls++
	q, ok := m.leads[leadID]
	if !ok || q.Status != models.LeadQuoted {
		return store.ErrLeadStatusChanged
	}
	q.Status = models.LeadBooked
	q.QuoteAcceptedAt = &acceptedAt
	m.followUps = append(m.followUps, followUp)
	return nil
}

func (m *memQuotes) MarkQuoteLost(_ context.Context, leadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.leads[leadID]
	if !ok || q.Status != models.LeadQuoted {
		return store.ErrLeadStatusChanged
	}
	q.Status = models.LeadLost
	return nil
}

func (m *memQuotes) IssueQuote(_ context.Context, leadID string, amountCents *int64, packageID *string, notify store.QuoteNotifier) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.leads[leadID]
	if !ok {
		return "", store.ErrLeadNotFound
	}
	if !q.Status.CanTransition(models.LeadQuoted) {
		return "", store.ErrLeadStatusChanged
	}
	q.Status = models.LeadQuoted
	q.Token = "tok-" + leadID
	q.QuotedAmountCents = amountCents
	if notify != nil {
		cp := *q
		if job := notify(&cp); job != nil {
			m.emails = append(m.emails, job)
		}
	}
	return q.Token, nil
}

func (m *memQuotes) CreateBookedJob(_ context.Context, accountID, leadID string, build store.BookingBuilder) (*models.ClientJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[leadID]; ok {
		return job, false, nil
	}
	m.counter++
	b := build(m.counter)
	job := b.Job
	job.ID = "job-" + leadID
	m.jobs[leadID] = job
	m.invoices = append(m.invoices, b.Invoices...)
	if b.Contract != nil {
		b.Contract.JobID = job.ID
		m.contracts = append(m.contracts, b.Contract)
	}
	m.emails = append(m.emails, b.FollowUps...)
	return job, true, nil
}

func (m *memQuotes) status(leadID string) models.LeadStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leads[leadID].Status
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func int64Ptr(v int64) *int64 { return &v }

func strPtr(s string) *string { return &s }
