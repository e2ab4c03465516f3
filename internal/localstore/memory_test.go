package localstore

import (
	"context"
	"testing"
	"time"

	"carecircle/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeviceState(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	principal := uuid.New()
	require.NoError(t, store.SetDevicePrincipal(ctx, principal))

	group := uuid.New()
	require.NoError(t, store.SetCurrentGroup(ctx, &group))

	state, err := store.DeviceState(ctx)
	require.NoError(t, err)
	assert.Equal(t, principal, state.PrincipalID)
	require.NotNil(t, state.CurrentGroupID)
	assert.Equal(t, group, *state.CurrentGroupID)

	require.NoError(t, store.SetCurrentGroup(ctx, nil))
	state, err = store.DeviceState(ctx)
	require.NoError(t, err)
	assert.Nil(t, state.CurrentGroupID)
}

func TestMemoryPrincipalRecords(t *testing.T) {
	ctx := context.Background()

	t.Run("missing_record", func(t *testing.T) {
		store := NewMemory()
		_, err := store.GetPrincipalRecord(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrPrincipalNotFound)
	})

	t.Run("refund_and_cancel_is_one_unit", func(t *testing.T) {
		store := NewMemory()
		principal := uuid.New()
		require.NoError(t, store.SavePrincipalRecord(ctx, model.PrincipalRecord{ID: principal}))

		cancelledAt := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
		accessUntil := cancelledAt.Add(48 * time.Hour)
		refund := model.RefundRecord{ID: uuid.New(), Date: cancelledAt, AmountCents: 249}
		require.NoError(t, store.RecordRefundAndCancel(ctx, principal, refund, cancelledAt, &accessUntil))

		rec, err := store.GetPrincipalRecord(ctx, principal)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.TotalRefundCount)
		require.NotNil(t, rec.LastCancellationDate)
		assert.Equal(t, cancelledAt, *rec.LastCancellationDate)
		require.NotNil(t, rec.AccessUntil)
		assert.Equal(t, accessUntil, *rec.AccessUntil)

		refunds, err := store.ListRefunds(ctx, principal)
		require.NoError(t, err)
		assert.Len(t, refunds, 1)
	})

	t.Run("refund_without_record_fails", func(t *testing.T) {
		store := NewMemory()
		err := store.RecordRefundAndCancel(ctx, uuid.New(), model.RefundRecord{}, time.Now(), nil)
		assert.ErrorIs(t, err, ErrPrincipalNotFound)
	})
}

func TestMemoryHealthItems(t *testing.T) {
	ctx := context.Background()

	newItem := func(name string, active bool, createdAt time.Time) model.HealthItem {
		return model.HealthItem{
			ID:        uuid.New(),
			Type:      model.ItemTypeMedication,
			Name:      name,
			IsActive:  active,
			CreatedAt: createdAt,
		}
	}

	t.Run("list_filters_inactive", func(t *testing.T) {
		store := NewMemory()
		base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, store.SaveHealthItem(ctx, newItem("active", true, base)))
		require.NoError(t, store.SaveHealthItem(ctx, newItem("paused", false, base.Add(time.Hour))))

		all, err := store.ListHealthItems(ctx, false)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		active, err := store.ListHealthItems(ctx, true)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "active", active[0].Name)
	})

	t.Run("list_orders_by_creation", func(t *testing.T) {
		store := NewMemory()
		base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, store.SaveHealthItem(ctx, newItem("second", true, base.Add(time.Hour))))
		require.NoError(t, store.SaveHealthItem(ctx, newItem("first", true, base)))

		items, err := store.ListHealthItems(ctx, false)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "first", items[0].Name)
	})

	t.Run("delete_cascades_to_doses", func(t *testing.T) {
		store := NewMemory()
		item := newItem("med", true, time.Now())
		require.NoError(t, store.SaveHealthItem(ctx, item))

		dose := model.Dose{
			ID:            model.DoseID(item.ID, "2026-04-01", model.PeriodBreakfast, ""),
			ItemID:        item.ID,
			ScheduledTime: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		}
		require.NoError(t, store.SaveDose(ctx, dose))

		require.NoError(t, store.DeleteHealthItem(ctx, item.ID))
		_, err := store.GetDose(ctx, dose.ID)
		assert.ErrorIs(t, err, ErrDoseNotFound)
	})
}

func TestMemoryDoses(t *testing.T) {
	ctx := context.Background()
	itemID := uuid.New()

	newDose := func(day string, period model.Period, hour int) model.Dose {
		scheduled, _ := time.Parse("2006-01-02", day)
		return model.Dose{
			ID:            model.DoseID(itemID, day, period, ""),
			ItemID:        itemID,
			Period:        period,
			ScheduledTime: scheduled.Add(time.Duration(hour) * time.Hour),
		}
	}

	t.Run("save_is_first_write_wins", func(t *testing.T) {
		store := NewMemory()
		dose := newDose("2026-04-01", model.PeriodBreakfast, 8)
		require.NoError(t, store.SaveDose(ctx, dose))

		takenAt := time.Now()
		require.NoError(t, store.UpdateDoseTaken(ctx, dose.ID, true, &takenAt, "u1", "Alice"))

		// Re-materializing the same dose must not clear the taken state.
		require.NoError(t, store.SaveDose(ctx, dose))

		got, err := store.GetDose(ctx, dose.ID)
		require.NoError(t, err)
		assert.True(t, got.IsTaken)
		assert.Equal(t, "Alice", got.TakenByName)
	})

	t.Run("list_for_day_sorted_by_time", func(t *testing.T) {
		store := NewMemory()
		require.NoError(t, store.SaveDose(ctx, newDose("2026-04-01", model.PeriodDinner, 18)))
		require.NoError(t, store.SaveDose(ctx, newDose("2026-04-01", model.PeriodBreakfast, 8)))
		require.NoError(t, store.SaveDose(ctx, newDose("2026-04-02", model.PeriodBreakfast, 8)))

		day, _ := time.Parse("2006-01-02", "2026-04-01")
		doses, err := store.ListDosesForDay(ctx, day)
		require.NoError(t, err)
		require.Len(t, doses, 2)
		assert.Equal(t, model.PeriodBreakfast, doses[0].Period)
		assert.Equal(t, model.PeriodDinner, doses[1].Period)
	})

	t.Run("mark_missing_dose_fails", func(t *testing.T) {
		store := NewMemory()
		err := store.UpdateDoseTaken(ctx, uuid.New(), true, nil, "u1", "Alice")
		assert.ErrorIs(t, err, ErrDoseNotFound)
	})

	t.Run("delete_for_item_removes_all", func(t *testing.T) {
		store := NewMemory()
		require.NoError(t, store.SaveDose(ctx, newDose("2026-04-01", model.PeriodBreakfast, 8)))
		require.NoError(t, store.SaveDose(ctx, newDose("2026-04-02", model.PeriodBreakfast, 8)))

		require.NoError(t, store.DeleteDosesForItem(ctx, itemID))
		doses, err := store.ListDosesForItem(ctx, itemID)
		require.NoError(t, err)
		assert.Empty(t, doses)
	})
}
