package billing

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/store"
)

// memAccounts is an in-memory account table with the same version guard as
// the Postgres store.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]models.Account

	getErr error
	// racer runs before an update is checked, standing in for a concurrent writer.
	racer   func(id string)
	updates int
}

func newMemAccounts(accts ...*models.Account) *memAccounts {
	m := &memAccounts{accounts: make(map[string]models.Account)}
	for _, a := range accts {
		m.accounts[a.ID] = *a
	}
	return m
}

func (m *memAccounts) GetAccount(_ context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	a, ok := m.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return &a, nil
}

func (m *memAccounts) GetAccountByCustomerID(_ context.Context, customerID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, a := range m.accounts {
		if a.CustomerID() == customerID {
			a := a
			return &a, nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (m *memAccounts) UpdateAccount(_ context.Context, acct *models.Account) error {
	if m.racer != nil {
		m.racer(acct.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.accounts[acct.ID]
	if !ok || cur.Version != acct.Version {
		return store.ErrVersionConflict
	}
	for id, other := range m.accounts {
		if id != acct.ID && acct.StripeCustomerID != nil && other.CustomerID() == *acct.StripeCustomerID {
			return store.ErrDuplicate
		}
	}
	acct.Version++
	m.accounts[acct.ID] = *acct
	m.updates++
	return nil
}

func (m *memAccounts) IncrementUsage(_ context.Context, id string, units int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return store.ErrAccountNotFound
	}
	a.UsageCount += units
	a.Version++
	m.accounts[id] = a
	return nil
}

func (m *memAccounts) get(id string) models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id]
}

var errDBDown = errors.New("connection refused")

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
