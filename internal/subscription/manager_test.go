package subscription

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"carecircle/internal/config"
	"carecircle/internal/localstore"
	"carecircle/internal/payment"
	"carecircle/internal/remote"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.SubscriptionConfig {
	return config.SubscriptionConfig{
		TrialDays:        7,
		GroupTrialDays:   14,
		RefundWindowFrom: 8,
		RefundWindowTo:   14,
		ResubscribeBlock: 60 * 24 * time.Hour,
		CooldownBaseDays: 30,
	}
}

type managerFixture struct {
	manager  *Manager
	store    *localstore.Memory
	remote   *remote.MemoryStore
	provider *payment.Fake
	now      time.Time
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	f := &managerFixture{
		store:    localstore.NewMemory(),
		remote:   remote.NewMemoryStore(),
		provider: payment.NewFake(),
		now:      time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.manager = NewManager(logger, testConfig(), config.StripeConfig{PriceCents: 499}, f.store, f.remote, f.provider)
	f.manager.SetClock(func() time.Time { return f.now })
	f.provider.SetClock(func() time.Time { return f.now })
	return f
}

func (f *managerFixture) advanceDays(days int) {
	f.now = f.now.AddDate(0, 0, days)
}

func TestStartTrial(t *testing.T) {
	ctx := context.Background()
	principal := uuid.New()

	t.Run("stamps_trial_window", func(t *testing.T) {
		f := newManagerFixture(t)

		trial, err := f.manager.StartTrial(ctx, principal)
		require.NoError(t, err)
		assert.Equal(t, f.now, trial.StartDate)
		assert.Equal(t, f.now.AddDate(0, 0, 7), trial.ExpiryDate)
	})

	t.Run("second_start_fails", func(t *testing.T) {
		f := newManagerFixture(t)

		_, err := f.manager.StartTrial(ctx, principal)
		require.NoError(t, err)

		_, err = f.manager.StartTrial(ctx, principal)
		assert.ErrorIs(t, err, ErrTrialAlreadyUsed)
	})

	t.Run("expired_trial_still_blocks_restart", func(t *testing.T) {
		f := newManagerFixture(t)

		_, err := f.manager.StartTrial(ctx, principal)
		require.NoError(t, err)
		f.advanceDays(30)

		_, err = f.manager.StartTrial(ctx, principal)
		assert.ErrorIs(t, err, ErrTrialAlreadyUsed)
	})
}

func TestCheckStatus(t *testing.T) {
	ctx := context.Background()
	principal := uuid.New()

	t.Run("fresh_principal_has_none", func(t *testing.T) {
		f := newManagerFixture(t)

		status, err := f.manager.CheckStatus(ctx, principal)
		require.NoError(t, err)
		assert.Equal(t, StateNone, status.State)
		assert.False(t, status.HasAccess(f.now))
	})

	t.Run("open_trial_wins_over_purchase", func(t *testing.T) {
		f := newManagerFixture(t)

		_, err := f.manager.StartTrial(ctx, principal)
		require.NoError(t, err)
		_, err = f.manager.Purchase(ctx, principal, payment.ProductMonthly)
		require.NoError(t, err)

		status, err := f.manager.CheckStatus(ctx, principal)
		require.NoError(t, err)
		assert.Equal(t, StateTrial, status.State)
		assert.True(t, status.HasAccess(f.now))
	})

	t.Run("entitlement_after_trial_is_active", func(t *testing.T) {
		f := newManagerFixture(t)

		_, err := f.manager.StartTrial(ctx, principal)
		require.NoError(t, err)
		_, err = f.manager.Purchase(ctx, principal, payment.ProductMonthly)
		require.NoError(t, err)
		f.advanceDays(8)

		status, err := f.manager.CheckStatus(ctx, principal)
		require.NoError(t, err)
		assert.Equal(t, StateActive, status.State)
		assert.True(t, status.WillRenew)
	})

	t.Run("cancel_at_period_end_is_grace_period", func(t *testing.T) {
		f := newManagerFixture(t)

		_, err := f.manager.Purchase(ctx, principal, payment.ProductMonthly)
		require.NoError(t, err)
		require.NoError(t, f.provider.CancelAtPeriodEnd(ctx, principal))

		status, err := f.manager.CheckStatus(ctx, principal)
		require.NoError(t, err)
		assert.Equal(t, StateGracePeriod, status.State)
		assert.True(t, status.HasAccess(f.now))
	})

	t.Run("lapsed_trial_without_purchase_is_expired", func(t *testing.T) {
		f := newManagerFixture(t)

		_, err := f.manager.StartTrial(ctx, principal)
		require.NoError(t, err)
		f.advanceDays(8)

		status, err := f.manager.CheckStatus(ctx, principal)
		require.NoError(t, err)
		assert.Equal(t, StateExpired, status.State)
		assert.False(t, status.HasAccess(f.now))
	})
}

func TestCancelSubscription(t *testing.T) {
	ctx := context.Background()
	principal := uuid.New()

	t.Run("requires_active_subscription", func(t *testing.T) {
		f := newManagerFixture(t)

		_, err := f.manager.CancelSubscription(ctx, principal, "changed my mind")
		assert.ErrorIs(t, err, ErrSubscriptionNotActive)
	})

	t.Run("first_time_refunds_half_with_48h_access", func(t *testing.T) {
		f := newManagerFixture(t)

		_, err := f.manager.Purchase(ctx, principal, payment.ProductMonthly)
		require.NoError(t, err)
		f.advanceDays(10)

		result, err := f.manager.CancelSubscription(ctx, principal, "too expensive")
		require.NoError(t, err)
		assert.Equal(t, RefundFirstTime, result.Policy)
		assert.Equal(t, int64(249), result.RefundCents)
		assert.Equal(t, f.now.Add(48*time.Hour), result.AccessUntil)
		assert.Equal(t, int64(249), f.provider.RefundedCents(principal))

		// Access survives the cancellation until the window closes.
		status, err := f.manager.CheckStatus(ctx, principal)
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, status.State)
		assert.True(t, status.HasAccess(f.now))
		assert.False(t, status.HasAccess(f.now.Add(49*time.Hour)))
	})

	t.Run("outside_window_gets_nothing", func(t *testing.T) {
		f := newManagerFixture(t)

		_, err := f.manager.Purchase(ctx, principal, payment.ProductMonthly)
		require.NoError(t, err)
		f.advanceDays(20)

		result, err := f.manager.CancelSubscription(ctx, principal, "late")
		require.NoError(t, err)
		assert.Equal(t, RefundBlocked, result.Policy)
		assert.Zero(t, result.RefundCents)
		assert.Zero(t, f.provider.RefundedCents(principal))
	})

	t.Run("second_cancellation_keeps_access_to_period_end", func(t *testing.T) {
		f := newManagerFixture(t)

		_, err := f.manager.Purchase(ctx, principal, payment.ProductMonthly)
		require.NoError(t, err)
		f.advanceDays(10)
		_, err = f.manager.CancelSubscription(ctx, principal, "first")
		require.NoError(t, err)

		f.advanceDays(90)
		_, err = f.manager.Purchase(ctx, principal, payment.ProductMonthly)
		require.NoError(t, err)
		f.advanceDays(10)

		result, err := f.manager.CancelSubscription(ctx, principal, "second")
		require.NoError(t, err)
		assert.Equal(t, RefundSecondTime, result.Policy)
		assert.Zero(t, result.RefundCents)
		assert.True(t, result.AccessUntil.After(f.now))
	})

	t.Run("refund_count_persists_across_cancellations", func(t *testing.T) {
		f := newManagerFixture(t)

		_, err := f.manager.Purchase(ctx, principal, payment.ProductMonthly)
		require.NoError(t, err)
		f.advanceDays(10)
		_, err = f.manager.CancelSubscription(ctx, principal, "first")
		require.NoError(t, err)

		refunds, err := f.store.ListRefunds(ctx, principal)
		require.NoError(t, err)
		require.Len(t, refunds, 1)
		assert.Equal(t, 249, refunds[0].AmountCents)
		assert.Equal(t, 10, refunds[0].DaysSinceSubscription)
	})
}

func TestCooldown(t *testing.T) {
	ctx := context.Background()
	principal := uuid.New()

	t.Run("no_cooldown_for_fresh_principal", func(t *testing.T) {
		f := newManagerFixture(t)
		assert.NoError(t, f.manager.CheckCooldown(ctx, principal))
	})

	t.Run("cooldown_shrinks_with_trial_progress", func(t *testing.T) {
		f := newManagerFixture(t)

		require.NoError(t, f.manager.WriteCooldown(ctx, principal, 5))
		assert.ErrorIs(t, f.manager.CheckCooldown(ctx, principal), ErrCooldownActive)

		// 30 base minus 5 remaining trial days leaves a 25 day bar.
		f.advanceDays(24)
		assert.ErrorIs(t, f.manager.CheckCooldown(ctx, principal), ErrCooldownActive)
		f.advanceDays(2)
		assert.NoError(t, f.manager.CheckCooldown(ctx, principal))
	})

	t.Run("cooldown_never_below_one_day", func(t *testing.T) {
		f := newManagerFixture(t)

		require.NoError(t, f.manager.WriteCooldown(ctx, principal, 45))
		assert.ErrorIs(t, f.manager.CheckCooldown(ctx, principal), ErrCooldownActive)
		f.advanceDays(2)
		assert.NoError(t, f.manager.CheckCooldown(ctx, principal))
	})

	t.Run("remote_record_wins_over_local", func(t *testing.T) {
		f := newManagerFixture(t)

		require.NoError(t, f.manager.WriteCooldown(ctx, principal, 5))

		// Another device cleared the bar remotely.
		until := f.now.AddDate(0, 0, -1)
		require.NoError(t, f.remote.Set(ctx, "users/"+principal.String(), map[string]any{
			"cooldownUntil": until,
		}, remote.SetOptions{Merge: true}))

		assert.NoError(t, f.manager.CheckCooldown(ctx, principal))
	})
}
