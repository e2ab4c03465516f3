package model

import (
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
)

type Frequency string

const (
	FrequencyOnce            Frequency = "once"
	FrequencyTwiceDaily      Frequency = "twice_daily"
	FrequencyThreeTimesDaily Frequency = "three_times_daily"
	FrequencyCustom          Frequency = "custom"
)

type Period string

const (
	PeriodBreakfast Period = "breakfast"
	PeriodLunch     Period = "lunch"
	PeriodDinner    Period = "dinner"
	PeriodCustom    Period = "custom"
)

// defaultPeriodClock maps the named meal periods to their clock times.
var defaultPeriodClock = map[Period]struct{ hour, minute int }{
	PeriodBreakfast: {8, 0},
	PeriodLunch:     {12, 30},
	PeriodDinner:    {18, 30},
}

var periodOrder = map[Period]int{
	PeriodBreakfast: 0,
	PeriodLunch:     1,
	PeriodDinner:    2,
	PeriodCustom:    3,
}

// Schedule is the generator for doses: for any calendar date it yields zero
// or more (time, period) pairs.
type Schedule struct {
	ID             uuid.UUID
	Frequency      Frequency
	TimePeriods    []Period
	CustomTimes    []string // "15:04" clock strings, used when Frequency is custom
	StartDate      time.Time
	EndDate        *time.Time
	ActiveWeekdays []int    // 0=Sunday … 6=Saturday; empty means every weekday
	ActiveDates    []string // explicit "2006-01-02" dates; empty means no date filter
}

// ScheduledTime is one occurrence the schedule produces for a date. Slot is
// the "15:04" clock string for custom occurrences and empty for named
// periods, which carry their time in the period itself.
type ScheduledTime struct {
	Period Period
	Time   time.Time
	Slot   string
}

// IsActiveOn reports whether the schedule produces doses on the given date.
func (s *Schedule) IsActiveOn(date time.Time) bool {
	day := date.Truncate(24 * time.Hour)
	start := s.StartDate.Truncate(24 * time.Hour)
	if day.Before(start) {
		return false
	}
	if s.EndDate != nil && day.After(s.EndDate.Truncate(24*time.Hour)) {
		return false
	}
	if len(s.ActiveWeekdays) > 0 && !slices.Contains(s.ActiveWeekdays, int(date.Weekday())) {
		return false
	}
	if len(s.ActiveDates) > 0 && !slices.Contains(s.ActiveDates, DayKey(date)) {
		return false
	}
	return true
}

// TimesFor materializes the (time, period) pairs for the given date. Named
// periods are emitted in meal order and capped by the frequency; a custom
// frequency emits the custom clock times instead.
func (s *Schedule) TimesFor(date time.Time) []ScheduledTime {
	if !s.IsActiveOn(date) {
		return nil
	}

	if s.Frequency == FrequencyCustom && len(s.CustomTimes) > 0 {
		out := make([]ScheduledTime, 0, len(s.CustomTimes))
		for _, clock := range s.CustomTimes {
			t, err := time.Parse("15:04", clock)
			if err != nil {
				continue
			}
			out = append(out, ScheduledTime{
				Period: PeriodCustom,
				Time:   time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, date.Location()),
				Slot:   t.Format("15:04"),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
		return out
	}

	periods := append([]Period(nil), s.TimePeriods...)
	sort.Slice(periods, func(i, j int) bool { return periodOrder[periods[i]] < periodOrder[periods[j]] })

	if limit := s.maxOccurrences(); limit > 0 && len(periods) > limit {
		periods = periods[:limit]
	}

	out := make([]ScheduledTime, 0, len(periods))
	for _, p := range periods {
		clock, ok := defaultPeriodClock[p]
		if !ok {
			continue
		}
		out = append(out, ScheduledTime{
			Period: p,
			Time:   time.Date(date.Year(), date.Month(), date.Day(), clock.hour, clock.minute, 0, 0, date.Location()),
		})
	}
	return out
}

func (s *Schedule) maxOccurrences() int {
	switch s.Frequency {
	case FrequencyOnce:
		return 1
	case FrequencyTwiceDaily:
		return 2
	case FrequencyThreeTimesDaily:
		return 3
	default:
		return 0
	}
}

// DayKey renders a date as the calendar-day component of a dose's natural
// key.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func (s *Schedule) ToDoc() map[string]any {
	periods := make([]any, len(s.TimePeriods))
	for i, p := range s.TimePeriods {
		periods[i] = string(p)
	}
	return map[string]any{
		"id":             s.ID.String(),
		"frequency":      string(s.Frequency),
		"timePeriods":    periods,
		"customTimes":    anySlice(s.CustomTimes),
		"startDate":      timeValue(s.StartDate),
		"endDate":        timePtrValue(s.EndDate),
		"activeWeekdays": anySlice(s.ActiveWeekdays),
		"activeDates":    anySlice(s.ActiveDates),
	}
}

func ScheduleFromDoc(data map[string]any) Schedule {
	rawPeriods := docStrings(data, "timePeriods")
	periods := make([]Period, len(rawPeriods))
	for i, p := range rawPeriods {
		periods[i] = Period(p)
	}
	return Schedule{
		ID:             docUUID(data, "id"),
		Frequency:      Frequency(docString(data, "frequency")),
		TimePeriods:    periods,
		CustomTimes:    docStrings(data, "customTimes"),
		StartDate:      docTime(data, "startDate"),
		EndDate:        docTimePtr(data, "endDate"),
		ActiveWeekdays: docInts(data, "activeWeekdays"),
		ActiveDates:    docStrings(data, "activeDates"),
	}
}
