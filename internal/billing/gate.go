package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/metrics"
	"github.com/PortNumber53/apelier/backend/internal/models"
	"github.com/PortNumber53/apelier/backend/internal/store"
)

// DefaultGateTimeout bounds the account lookup behind a gate check.
const DefaultGateTimeout = 3 * time.Second

// UsageStore is the persistence the gate needs.
type UsageStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	IncrementUsage(ctx context.Context, id string, units int) error
}

// Gate answers whether an account may start a usage-consuming operation.
//
// Authorize and Record are separate calls, so two concurrent requests can
// both pass Authorize before either records usage. The overshoot is bounded
// by the caller's concurrency and is accepted; the counter itself is always
// incremented atomically so no usage is lost.
type Gate struct {
	accounts UsageStore
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	timeout  time.Duration
	now      func() time.Time
}

// NewGate wires a Gate. metrics may be nil.
func NewGate(accounts UsageStore, logger logrus.FieldLogger, m *metrics.Metrics) *Gate {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gate{
		accounts: accounts,
		log:      logger.WithField("component", "gate"),
		metrics:  m,
		timeout:  DefaultGateTimeout,
		now:      time.Now,
	}
}

// SetTimeout changes the lookup bound. Zero disables it.
func (g *Gate) SetTimeout(d time.Duration) {
	g.timeout = d
}

// Authorize reads the account once and applies the tier policy. It never
// changes usage. On a lookup failure it denies and returns the error.
func (g *Gate) Authorize(ctx context.Context, accountID string) (Decision, error) {
	d, err := g.authorize(ctx, accountID)
	g.metrics.ObserveGateDecision(d.Allowed, string(d.Code))
	return d, err
}

func (g *Gate) authorize(ctx context.Context, accountID string) (Decision, error) {
	entry := g.log.WithField("account_id", accountID)

	if _, err := uuid.Parse(accountID); err != nil {
		entry.Debug("gate check for malformed account id")
		return unknownAccountDecision(), nil
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	acct, err := g.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrAccountNotFound) {
		entry.Info("gate check for unknown account")
		return unknownAccountDecision(), nil
	}
	if err != nil {
		entry.WithError(err).Error("gate lookup failed, denying")
		return unavailableDecision(), fmt.Errorf("load account %s: %w", accountID, err)
	}

	d := CanConsumeAccount(acct, g.now())
	if !d.Allowed {
		entry.WithFields(logrus.Fields{
			"code":  string(d.Code),
			"used":  d.Used,
			"limit": d.Limit,
		}).Debug("consumption denied")
	}
	return d, nil
}

// Record charges units to the account after the gated operation succeeded.
func (g *Gate) Record(ctx context.Context, accountID string, units int) error {
	if units <= 0 {
		return nil
	}
	if err := g.accounts.IncrementUsage(ctx, accountID, units); err != nil {
		return fmt.Errorf("record usage for %s: %w", accountID, err)
	}
	g.metrics.ObserveUsage(units)
	return nil
}
