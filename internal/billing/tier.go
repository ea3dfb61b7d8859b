// Package billing holds the subscription rules: per-tier usage limits,
// the usage gate, and reconciliation of payment-provider events into
// account state.
package billing

import (
	"fmt"
	"strconv"
	"time"

	"github.com/PortNumber53/apelier/backend/internal/models"
)

// ReasonCode identifies why consumption was denied.
type ReasonCode string

const (
	ReasonTrialExpired         ReasonCode = "trial_expired"
	ReasonSubscriptionInactive ReasonCode = "subscription_inactive"
	ReasonLimitReached         ReasonCode = "limit_reached"
	ReasonUnknownAccount       ReasonCode = "unknown_account"
	ReasonUnavailable          ReasonCode = "unavailable"
)

const (
	msgTrialExpired   = "Your free trial has expired. Please subscribe to continue editing."
	msgInactive       = "Your subscription is inactive. Please resubscribe to continue editing."
	msgUnknownAccount = "No billing account exists for this user."
	msgUnavailable    = "Unable to verify your plan right now. Please try again shortly."
)

var tierLimits = map[models.Tier]int{
	models.TierTrial:   50,
	models.TierStarter: 2000,
	models.TierPro:     10000,
	models.TierStudio:  25000,
}

// Decision is the outcome of a consumption check.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  string     `json:"reason,omitempty"`
	Code    ReasonCode `json:"code,omitempty"`
	Limit   int        `json:"limit"`
	Used    int        `json:"used"`
}

// WouldExceed reports whether consuming n more units crosses the limit.
func (d Decision) WouldExceed(n int) bool {
	return d.Used+n > d.Limit
}

// Remaining is the number of units left before the limit.
func (d Decision) Remaining() int {
	if d.Used >= d.Limit {
		return 0
	}
	return d.Limit - d.Used
}

// LimitForTier returns the per-period usage ceiling. Unknown tiers get the
// trial ceiling.
func LimitForTier(tier models.Tier) int {
	if limit, ok := tierLimits[tier]; ok {
		return limit
	}
	return tierLimits[models.TierTrial]
}

// CanConsume decides whether an account in the given state may consume
// another unit. The first failing rule wins: trial expiry, then inactive
// status, then the usage limit.
func CanConsume(tier models.Tier, status models.SubscriptionStatus, used int, trialEndsAt *time.Time, now time.Time) Decision {
	limit := LimitForTier(tier)
	d := Decision{Limit: limit, Used: used}

	if tier == models.TierTrial && trialEndsAt != nil && now.After(*trialEndsAt) {
		d.Code = ReasonTrialExpired
		d.Reason = msgTrialExpired
		return d
	}

	if status.IsInactive() {
		d.Code = ReasonSubscriptionInactive
		d.Reason = msgInactive
		return d
	}

	if used >= limit {
		d.Code = ReasonLimitReached
		if tier == models.TierTrial {
			d.Reason = fmt.Sprintf("You've used all %d free trial edits. Subscribe to unlock more.", limit)
		} else {
			d.Reason = fmt.Sprintf("You've reached your %s edit limit this month. Upgrade your plan for more.", groupThousands(limit))
		}
		return d
	}

	d.Allowed = true
	return d
}

// CanConsumeAccount applies CanConsume to a stored account.
func CanConsumeAccount(acct *models.Account, now time.Time) Decision {
	return CanConsume(acct.Tier, acct.Status, acct.UsageCount, acct.TrialEndsAt, now)
}

func unknownAccountDecision() Decision {
	return Decision{Code: ReasonUnknownAccount, Reason: msgUnknownAccount}
}

func unavailableDecision() Decision {
	return Decision{Code: ReasonUnavailable, Reason: msgUnavailable}
}

// groupThousands renders n with comma separators, e.g. 25000 -> "25,000".
func groupThousands(n int) string {
	if n < 0 {
		return "-" + groupThousands(-n)
	}
	s := strconv.Itoa(n)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
