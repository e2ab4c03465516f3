package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleIsActiveOn(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) // a Monday
	end := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule Schedule
		date     time.Time
		expected bool
	}{
		{
			name:     "inside_window",
			schedule: Schedule{StartDate: start, EndDate: &end},
			date:     start.AddDate(0, 0, 10),
			expected: true,
		},
		{
			name:     "before_start",
			schedule: Schedule{StartDate: start},
			date:     start.AddDate(0, 0, -1),
			expected: false,
		},
		{
			name:     "after_end",
			schedule: Schedule{StartDate: start, EndDate: &end},
			date:     end.AddDate(0, 0, 1),
			expected: false,
		},
		{
			name:     "end_date_itself_is_active",
			schedule: Schedule{StartDate: start, EndDate: &end},
			date:     end,
			expected: true,
		},
		{
			name:     "weekday_filter_matches",
			schedule: Schedule{StartDate: start, ActiveWeekdays: []int{1, 3}},
			date:     start, // Monday
			expected: true,
		},
		{
			name:     "weekday_filter_excludes",
			schedule: Schedule{StartDate: start, ActiveWeekdays: []int{1, 3}},
			date:     start.AddDate(0, 0, 1), // Tuesday
			expected: false,
		},
		{
			name:     "explicit_date_filter_matches",
			schedule: Schedule{StartDate: start, ActiveDates: []string{"2026-06-05"}},
			date:     time.Date(2026, 6, 5, 0, 0, 0, 0, time.UTC),
			expected: true,
		},
		{
			name:     "explicit_date_filter_excludes",
			schedule: Schedule{StartDate: start, ActiveDates: []string{"2026-06-05"}},
			date:     time.Date(2026, 6, 6, 0, 0, 0, 0, time.UTC),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.schedule.IsActiveOn(tt.date))
		})
	}
}

func TestScheduleTimesFor(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	date := start.AddDate(0, 0, 3)

	t.Run("periods_emit_in_meal_order", func(t *testing.T) {
		s := Schedule{
			Frequency:   FrequencyThreeTimesDaily,
			TimePeriods: []Period{PeriodDinner, PeriodBreakfast, PeriodLunch},
			StartDate:   start,
		}

		times := s.TimesFor(date)
		require.Len(t, times, 3)
		assert.Equal(t, PeriodBreakfast, times[0].Period)
		assert.Equal(t, PeriodLunch, times[1].Period)
		assert.Equal(t, PeriodDinner, times[2].Period)
		assert.Equal(t, 8, times[0].Time.Hour())
		assert.Equal(t, date.Day(), times[0].Time.Day())
	})

	t.Run("frequency_caps_occurrences", func(t *testing.T) {
		s := Schedule{
			Frequency:   FrequencyOnce,
			TimePeriods: []Period{PeriodDinner, PeriodBreakfast},
			StartDate:   start,
		}

		times := s.TimesFor(date)
		require.Len(t, times, 1)
		assert.Equal(t, PeriodBreakfast, times[0].Period)
	})

	t.Run("custom_frequency_uses_clock_strings", func(t *testing.T) {
		s := Schedule{
			Frequency:   FrequencyCustom,
			CustomTimes: []string{"21:15", "09:30"},
			StartDate:   start,
		}

		times := s.TimesFor(date)
		require.Len(t, times, 2)
		assert.Equal(t, PeriodCustom, times[0].Period)
		assert.Equal(t, 9, times[0].Time.Hour())
		assert.Equal(t, 30, times[0].Time.Minute())
		assert.Equal(t, "09:30", times[0].Slot)
		assert.Equal(t, 21, times[1].Time.Hour())
		assert.Equal(t, "21:15", times[1].Slot)
	})

	t.Run("named_periods_carry_no_slot", func(t *testing.T) {
		s := Schedule{
			Frequency:   FrequencyTwiceDaily,
			TimePeriods: []Period{PeriodBreakfast, PeriodDinner},
			StartDate:   start,
		}

		for _, st := range s.TimesFor(date) {
			assert.Empty(t, st.Slot)
		}
	})

	t.Run("unparseable_custom_time_is_skipped", func(t *testing.T) {
		s := Schedule{
			Frequency:   FrequencyCustom,
			CustomTimes: []string{"not-a-time", "10:00"},
			StartDate:   start,
		}

		times := s.TimesFor(date)
		require.Len(t, times, 1)
		assert.Equal(t, 10, times[0].Time.Hour())
	})

	t.Run("inactive_date_yields_nothing", func(t *testing.T) {
		s := Schedule{
			Frequency:   FrequencyOnce,
			TimePeriods: []Period{PeriodBreakfast},
			StartDate:   start,
		}

		assert.Empty(t, s.TimesFor(start.AddDate(0, 0, -5)))
	})
}

func TestDoseID(t *testing.T) {
	itemID := uuid.New()

	t.Run("deterministic", func(t *testing.T) {
		a := DoseID(itemID, "2026-06-04", PeriodBreakfast, "")
		b := DoseID(itemID, "2026-06-04", PeriodBreakfast, "")
		assert.Equal(t, a, b)
	})

	t.Run("distinct_per_component", func(t *testing.T) {
		base := DoseID(itemID, "2026-06-04", PeriodBreakfast, "")
		assert.NotEqual(t, base, DoseID(itemID, "2026-06-05", PeriodBreakfast, ""))
		assert.NotEqual(t, base, DoseID(itemID, "2026-06-04", PeriodLunch, ""))
		assert.NotEqual(t, base, DoseID(uuid.New(), "2026-06-04", PeriodBreakfast, ""))
	})

	t.Run("custom_slots_on_one_day_stay_distinct", func(t *testing.T) {
		morning := DoseID(itemID, "2026-06-04", PeriodCustom, "09:00")
		evening := DoseID(itemID, "2026-06-04", PeriodCustom, "21:00")
		assert.NotEqual(t, morning, evening)
		assert.Equal(t, morning, DoseID(itemID, "2026-06-04", PeriodCustom, "09:00"))
	})
}
