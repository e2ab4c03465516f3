package model

import (
	"time"

	"github.com/google/uuid"
)

// TrialState is the trial window for one group (shared by all members) or
// one device in local-only mode.
type TrialState struct {
	StartDate  time.Time
	ExpiryDate time.Time
}

func (t *TrialState) DaysUsed(now time.Time) int {
	if now.Before(t.StartDate) {
		return 0
	}
	return int(now.Sub(t.StartDate).Hours() / 24)
}

func (t *TrialState) DaysRemaining(now time.Time) int {
	if now.After(t.ExpiryDate) {
		return 0
	}
	return int(t.ExpiryDate.Sub(now).Hours()/24) + 1
}

func (t *TrialState) IsActive(now time.Time) bool {
	return !now.Before(t.StartDate) && now.Before(t.ExpiryDate)
}

// RefundRecord is one granted refund in a principal's history.
type RefundRecord struct {
	ID                    uuid.UUID
	Date                  time.Time
	AmountCents           int
	Reason                string
	DaysSinceSubscription int
}

// PrincipalRecord is the per-principal bookkeeping row in the local store:
// trial usage, cooldown, and refund history drive the subscription state
// machine independent of any single group.
type PrincipalRecord struct {
	ID                   uuid.UUID
	DisplayName          string
	TrialStart           *time.Time
	TrialEnd             *time.Time
	CooldownUntil        *time.Time
	TotalRefundCount     int
	LastSubscriptionDate *time.Time
	LastCancellationDate *time.Time
	AccessUntil          *time.Time // post-cancellation access window
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SubscriptionHistory aggregates the refund bookkeeping used by the refund
// policy.
type SubscriptionHistory struct {
	Refunds              []RefundRecord
	TotalRefundCount     int
	LastSubscriptionDate *time.Time
	LastCancellationDate *time.Time
}
