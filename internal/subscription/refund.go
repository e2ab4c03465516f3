package subscription

import (
	"time"

	"carecircle/internal/model"
)

type RefundPolicy int

const (
	RefundFirstTime RefundPolicy = iota
	RefundSecondTime
	RefundBlocked
)

func (p RefundPolicy) String() string {
	switch p {
	case RefundFirstTime:
		return "first_time"
	case RefundSecondTime:
		return "second_time"
	default:
		return "blocked"
	}
}

// RefundPercent is the fraction of the price refunded, in whole percent.
func (p RefundPolicy) RefundPercent() int {
	if p == RefundFirstTime {
		return 50
	}
	return 0
}

// RefundTerms bundles the policy knobs so EvaluateRefundPolicy stays a pure
// function of its inputs.
type RefundTerms struct {
	WindowFromDay    int // days since subscription start, inclusive
	WindowToDay      int
	ResubscribeBlock time.Duration
}

// EvaluateRefundPolicy decides the refund tier for a cancellation.
//
// First refund: only within the refund window, and only if the principal did
// not resubscribe shortly after a previous cancellation. A second refund is
// always zero-amount but keeps access until the period ends. Anything past
// that is blocked outright.
func EvaluateRefundPolicy(daysSinceSubscription int, history model.SubscriptionHistory, terms RefundTerms) RefundPolicy {
	if history.TotalRefundCount >= 2 {
		return RefundBlocked
	}
	if history.TotalRefundCount == 1 {
		return RefundSecondTime
	}

	if daysSinceSubscription < terms.WindowFromDay || daysSinceSubscription > terms.WindowToDay {
		return RefundBlocked
	}
	if resubscribedTooSoon(history, terms.ResubscribeBlock) {
		return RefundBlocked
	}
	return RefundFirstTime
}

func resubscribedTooSoon(history model.SubscriptionHistory, block time.Duration) bool {
	if history.LastCancellationDate == nil || history.LastSubscriptionDate == nil {
		return false
	}
	if !history.LastSubscriptionDate.After(*history.LastCancellationDate) {
		return false
	}
	return history.LastSubscriptionDate.Sub(*history.LastCancellationDate) < block
}
