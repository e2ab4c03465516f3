// Package subscription derives the effective access state for a principal
// from its trial window, verified payment entitlements, and refund history,
// and owns the group-transition cooldown bookkeeping.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carecircle/internal/config"
	"carecircle/internal/localstore"
	"carecircle/internal/model"
	"carecircle/internal/payment"
	"carecircle/internal/remote"

	"github.com/google/uuid"
)

var (
	ErrCooldownActive        = errors.New("cooldown active")
	ErrTrialAlreadyUsed      = errors.New("trial already used")
	ErrSubscriptionNotActive = errors.New("subscription not active")
)

type State string

const (
	StateLoading     State = "loading"
	StateNone        State = "none"
	StateTrial       State = "trial"
	StateActive      State = "active"
	StateGracePeriod State = "grace_period"
	StateCancelled   State = "cancelled"
	StateExpired     State = "expired"
)

// Status is the derived access state. The zero value is StateLoading so a
// caller holding an unresolved status never grants access by accident.
type Status struct {
	State       State
	TrialStart  *time.Time
	TrialEnd    *time.Time
	ExpiresAt   *time.Time
	WillRenew   bool
	AccessUntil *time.Time
	CancelledAt *time.Time
}

func (s Status) HasAccess(now time.Time) bool {
	switch s.State {
	case StateTrial, StateActive, StateGracePeriod:
		return true
	case StateCancelled:
		return s.AccessUntil != nil && s.AccessUntil.After(now)
	default:
		return false
	}
}

// CancelResult reports what a cancellation did.
type CancelResult struct {
	Policy      RefundPolicy
	RefundCents int64
	AccessUntil time.Time
}

type Manager struct {
	logger   *slog.Logger
	cfg      config.SubscriptionConfig
	price    config.StripeConfig
	store    localstore.Store
	remote   remote.DocumentStore
	provider payment.Provider
	now      func() time.Time
}

func NewManager(logger *slog.Logger, cfg config.SubscriptionConfig, price config.StripeConfig, store localstore.Store, remoteStore remote.DocumentStore, provider payment.Provider) *Manager {
	return &Manager{
		logger:   logger,
		cfg:      cfg,
		price:    price,
		store:    store,
		remote:   remoteStore,
		provider: provider,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// StartTrial stamps the principal's one-and-only trial window. A principal
// that has ever started a trial, even an expired one, gets
// ErrTrialAlreadyUsed.
func (m *Manager) StartTrial(ctx context.Context, principalID uuid.UUID) (model.TrialState, error) {
	rec, err := m.principalRecord(ctx, principalID)
	if err != nil {
		return model.TrialState{}, err
	}
	if rec.TrialStart != nil {
		return model.TrialState{}, ErrTrialAlreadyUsed
	}

	now := m.now().UTC()
	end := now.AddDate(0, 0, m.cfg.TrialDays)
	rec.TrialStart = &now
	rec.TrialEnd = &end
	rec.UpdatedAt = now
	if err := m.store.SavePrincipalRecord(ctx, rec); err != nil {
		return model.TrialState{}, fmt.Errorf("failed to save trial window: %w", err)
	}

	if err := m.remote.Set(ctx, userPath(principalID), map[string]any{
		"trialStart": now,
		"trialEnd":   end,
		"updatedAt":  remote.ServerTimestamp(),
	}, remote.SetOptions{Merge: true}); err != nil {
		// Local state is authoritative for the trial; the mirror is for
		// cross-device visibility and heals on the next write.
		m.logger.WarnContext(ctx, "Failed to mirror trial window", "error", err)
	}

	m.logger.InfoContext(ctx, "Started trial", "principal_id", principalID, "trial_end", end)
	return model.TrialState{StartDate: now, ExpiryDate: end}, nil
}

// TrialWindow returns the principal's trial window without starting one.
// Both pointers are nil when no trial was ever started.
func (m *Manager) TrialWindow(ctx context.Context, principalID uuid.UUID) (*time.Time, *time.Time, error) {
	rec, err := m.principalRecord(ctx, principalID)
	if err != nil {
		return nil, nil, err
	}
	return rec.TrialStart, rec.TrialEnd, nil
}

// CheckStatus re-derives the access state. An open trial window takes
// precedence over purchase state; after it closes the verified entitlements
// decide.
func (m *Manager) CheckStatus(ctx context.Context, principalID uuid.UUID) (Status, error) {
	rec, err := m.principalRecord(ctx, principalID)
	if err != nil {
		return Status{State: StateLoading}, err
	}

	now := m.now().UTC()
	if rec.TrialStart != nil && rec.TrialEnd != nil && rec.TrialEnd.After(now) {
		return Status{
			State:      StateTrial,
			TrialStart: rec.TrialStart,
			TrialEnd:   rec.TrialEnd,
		}, nil
	}

	entitlements, err := m.provider.CurrentEntitlements(ctx, principalID)
	if err != nil {
		return Status{State: StateLoading}, fmt.Errorf("failed to verify entitlements: %w", err)
	}

	for _, ent := range entitlements {
		if !ent.IsActive(now) {
			continue
		}
		state := StateActive
		if !ent.WillRenew {
			state = StateGracePeriod
		}
		return Status{
			State:     state,
			ExpiresAt: ent.ExpiresAt,
			WillRenew: ent.WillRenew,
		}, nil
	}

	if rec.LastCancellationDate != nil {
		status := Status{
			State:       StateCancelled,
			CancelledAt: rec.LastCancellationDate,
			AccessUntil: rec.AccessUntil,
		}
		if rec.AccessUntil == nil || !rec.AccessUntil.After(now) {
			status.State = StateExpired
		}
		return status, nil
	}
	if rec.TrialStart != nil {
		return Status{State: StateExpired, TrialStart: rec.TrialStart, TrialEnd: rec.TrialEnd}, nil
	}
	return Status{State: StateNone}, nil
}

// Purchase buys a product and stamps the subscription date the refund window
// is measured from.
func (m *Manager) Purchase(ctx context.Context, principalID uuid.UUID, productID payment.ProductID) (payment.Entitlement, error) {
	ent, err := m.provider.Purchase(ctx, principalID, productID)
	if err != nil {
		return payment.Entitlement{}, fmt.Errorf("purchase failed: %w", err)
	}

	rec, err := m.principalRecord(ctx, principalID)
	if err != nil {
		return payment.Entitlement{}, err
	}
	now := m.now().UTC()
	rec.LastSubscriptionDate = &now
	rec.AccessUntil = nil
	rec.UpdatedAt = now
	if err := m.store.SavePrincipalRecord(ctx, rec); err != nil {
		return payment.Entitlement{}, fmt.Errorf("failed to stamp subscription date: %w", err)
	}
	return ent, nil
}

// Restore re-queries the payment backend for purchases tied to the
// principal, for reinstalls.
func (m *Manager) Restore(ctx context.Context, principalID uuid.UUID) (Status, error) {
	if _, err := m.provider.Restore(ctx, principalID); err != nil {
		return Status{State: StateLoading}, fmt.Errorf("restore failed: %w", err)
	}
	return m.CheckStatus(ctx, principalID)
}

// CancelSubscription cancels an active subscription, applies the refund
// policy, and records the refund and the cancellation as one unit.
func (m *Manager) CancelSubscription(ctx context.Context, principalID uuid.UUID, reason string) (CancelResult, error) {
	status, err := m.CheckStatus(ctx, principalID)
	if err != nil {
		return CancelResult{}, err
	}
	if status.State != StateActive {
		return CancelResult{}, ErrSubscriptionNotActive
	}

	rec, err := m.principalRecord(ctx, principalID)
	if err != nil {
		return CancelResult{}, err
	}

	now := m.now().UTC()
	daysSince := 0
	if rec.LastSubscriptionDate != nil {
		daysSince = int(now.Sub(*rec.LastSubscriptionDate).Hours() / 24)
	}

	refunds, err := m.store.ListRefunds(ctx, principalID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("failed to load refund history: %w", err)
	}
	history := model.SubscriptionHistory{
		Refunds:              refunds,
		TotalRefundCount:     rec.TotalRefundCount,
		LastSubscriptionDate: rec.LastSubscriptionDate,
		LastCancellationDate: rec.LastCancellationDate,
	}

	policy := EvaluateRefundPolicy(daysSince, history, RefundTerms{
		WindowFromDay:    m.cfg.RefundWindowFrom,
		WindowToDay:      m.cfg.RefundWindowTo,
		ResubscribeBlock: m.cfg.ResubscribeBlock,
	})

	refundCents := int64(m.price.PriceCents) * int64(policy.RefundPercent()) / 100

	var accessUntil time.Time
	switch policy {
	case RefundFirstTime:
		accessUntil = now.Add(48 * time.Hour)
		err = m.provider.CancelNow(ctx, principalID)
	case RefundSecondTime:
		accessUntil = now
		if status.ExpiresAt != nil {
			accessUntil = *status.ExpiresAt
		}
		err = m.provider.CancelAtPeriodEnd(ctx, principalID)
	default:
		accessUntil = now
		err = m.provider.CancelNow(ctx, principalID)
	}
	if err != nil {
		return CancelResult{}, fmt.Errorf("failed to cancel with payment provider: %w", err)
	}

	if refundCents > 0 {
		if err := m.provider.IssueRefund(ctx, principalID, refundCents); err != nil {
			return CancelResult{}, fmt.Errorf("failed to issue refund: %w", err)
		}
	}

	refund := model.RefundRecord{
		ID:                    uuid.New(),
		Date:                  now,
		AmountCents:           int(refundCents),
		Reason:                reason,
		DaysSinceSubscription: daysSince,
	}
	if err := m.store.RecordRefundAndCancel(ctx, principalID, refund, now, &accessUntil); err != nil {
		return CancelResult{}, fmt.Errorf("failed to record cancellation: %w", err)
	}

	m.logger.InfoContext(ctx, "Cancelled subscription",
		"principal_id", principalID, "policy", policy.String(),
		"refund_cents", refundCents, "access_until", accessUntil)

	return CancelResult{Policy: policy, RefundCents: refundCents, AccessUntil: accessUntil}, nil
}

// WriteCooldown stamps the group-transition cooldown after a principal joins
// or leaves a group. The further into the admin's trial the transition
// happens, the shorter the bar, but never less than one day.
func (m *Manager) WriteCooldown(ctx context.Context, principalID uuid.UUID, adminTrialDaysRemaining int) error {
	days := m.cfg.CooldownBaseDays - adminTrialDaysRemaining
	if days < 1 {
		days = 1
	}

	now := m.now().UTC()
	until := now.AddDate(0, 0, days)

	rec, err := m.principalRecord(ctx, principalID)
	if err != nil {
		return err
	}
	rec.CooldownUntil = &until
	rec.UpdatedAt = now
	if err := m.store.SavePrincipalRecord(ctx, rec); err != nil {
		return fmt.Errorf("failed to save cooldown: %w", err)
	}

	if err := m.remote.Set(ctx, userPath(principalID), map[string]any{
		"cooldownUntil": until,
		"updatedAt":     remote.ServerTimestamp(),
	}, remote.SetOptions{Merge: true}); err != nil {
		return fmt.Errorf("failed to mirror cooldown: %w", err)
	}

	m.logger.InfoContext(ctx, "Wrote cooldown", "principal_id", principalID, "cooldown_until", until)
	return nil
}

// CheckCooldown fails with ErrCooldownActive while the principal is barred
// from creating a group. The remote record wins when both exist, so the bar
// follows the principal across devices.
func (m *Manager) CheckCooldown(ctx context.Context, principalID uuid.UUID) error {
	now := m.now().UTC()

	doc, err := m.remote.Get(ctx, userPath(principalID))
	if err == nil {
		if until, ok := docCooldown(doc.Data); ok {
			if until.After(now) {
				return ErrCooldownActive
			}
			return nil
		}
	} else if !errors.Is(err, remote.ErrDocumentNotFound) {
		m.logger.WarnContext(ctx, "Cooldown lookup degraded to local record", "error", err)
	}

	rec, err := m.principalRecord(ctx, principalID)
	if err != nil {
		return err
	}
	if rec.CooldownUntil != nil && rec.CooldownUntil.After(now) {
		return ErrCooldownActive
	}
	return nil
}

func (m *Manager) principalRecord(ctx context.Context, principalID uuid.UUID) (model.PrincipalRecord, error) {
	rec, err := m.store.GetPrincipalRecord(ctx, principalID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, localstore.ErrPrincipalNotFound) {
		return model.PrincipalRecord{}, fmt.Errorf("failed to load principal record: %w", err)
	}

	now := m.now().UTC()
	rec = model.PrincipalRecord{ID: principalID, CreatedAt: now, UpdatedAt: now}
	if err := m.store.SavePrincipalRecord(ctx, rec); err != nil {
		return model.PrincipalRecord{}, fmt.Errorf("failed to create principal record: %w", err)
	}
	return rec, nil
}

func userPath(principalID uuid.UUID) string {
	return "users/" + principalID.String()
}

func docCooldown(data map[string]any) (time.Time, bool) {
	raw, ok := data["cooldownUntil"]
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}
