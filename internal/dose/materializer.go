// Package dose turns schedules into concrete dose documents and owns the
// narrow mark-taken operation. Dose ids are deterministic over
// (item, calendar day, period, clock slot), which is what makes
// materialization safe when several devices generate the same day at once.
package dose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carecircle/internal/group"
	"carecircle/internal/groupdata"
	"carecircle/internal/localstore"
	"carecircle/internal/model"
	"carecircle/internal/monitoring"
	"carecircle/internal/remote"

	"github.com/google/uuid"
)

var ErrDoseNotFound = errors.New("dose not found")

// horizonDays is how far ahead doses are materialized.
const horizonDays = 7

// Materializer generates doses against either the shared group store or the
// device-local store, depending on whether a group is active. It never mixes
// the two for one run.
type Materializer struct {
	logger    *slog.Logger
	data      *groupdata.Store
	local     localstore.Store
	registry  *group.Registry
	telemetry *monitoring.Telemetry
	now       func() time.Time
}

func NewMaterializer(logger *slog.Logger, data *groupdata.Store, local localstore.Store, registry *group.Registry, telemetry *monitoring.Telemetry) *Materializer {
	return &Materializer{
		logger:    logger,
		data:      data,
		local:     local,
		registry:  registry,
		telemetry: telemetry,
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (m *Materializer) SetClock(now func() time.Time) {
	m.now = now
}

// MaterializeUpcoming ensures exactly one dose exists per occurrence key
// over the next seven calendar days. Existing doses are left untouched, so
// a dose marked taken survives re-materialization.
func (m *Materializer) MaterializeUpcoming(ctx context.Context) (int, error) {
	grouped, err := m.grouped(ctx)
	if err != nil {
		return 0, err
	}
	if grouped {
		return m.materializeRemote(ctx)
	}
	return m.materializeLocal(ctx)
}

func (m *Materializer) materializeRemote(ctx context.Context) (int, error) {
	var items []model.HealthItem
	for _, itemType := range []model.ItemType{model.ItemTypeMedication, model.ItemTypeSupplement, model.ItemTypeDiet} {
		typed, err := m.data.ListHealthItems(ctx, itemType)
		if err != nil {
			return 0, err
		}
		items = append(items, typed...)
	}

	created := 0
	for _, item := range items {
		if !item.IsActive {
			continue
		}
		for _, dose := range m.upcomingDoses(item) {
			ok, err := m.data.SaveDoseIfAbsent(ctx, dose)
			if err != nil {
				return created, err
			}
			if ok {
				created++
				m.telemetry.RecordDoseMaterialized(ctx, string(item.Type))
			}
		}
	}

	if created > 0 {
		m.logger.InfoContext(ctx, "Materialized doses", "created", created)
	}
	return created, nil
}

func (m *Materializer) materializeLocal(ctx context.Context) (int, error) {
	items, err := m.local.ListHealthItems(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to list health items: %w", err)
	}

	created := 0
	for _, item := range items {
		for _, dose := range m.upcomingDoses(item) {
			if _, err := m.local.GetDose(ctx, dose.ID); err == nil {
				continue
			} else if !errors.Is(err, localstore.ErrDoseNotFound) {
				return created, fmt.Errorf("failed to check dose: %w", err)
			}
			if err := m.local.SaveDose(ctx, dose); err != nil {
				return created, fmt.Errorf("failed to save dose: %w", err)
			}
			created++
			m.telemetry.RecordDoseMaterialized(ctx, string(item.Type))
		}
	}
	return created, nil
}

// upcomingDoses expands the item's schedule over the horizon into dose
// values keyed by their deterministic ids.
func (m *Materializer) upcomingDoses(item model.HealthItem) []model.Dose {
	var doses []model.Dose
	today := m.now()
	for offset := 0; offset < horizonDays; offset++ {
		date := today.AddDate(0, 0, offset)
		for _, st := range item.Schedule.TimesFor(date) {
			doses = append(doses, model.Dose{
				ID:            model.DoseID(item.ID, model.DayKey(date), st.Period, st.Slot),
				ItemID:        item.ID,
				ItemType:      item.Type,
				ItemName:      item.Name,
				Period:        st.Period,
				ScheduledTime: st.Time,
			})
		}
	}
	return doses
}

// MarkTaken stamps the dose taken by the given principal. The dose must
// already exist; marking never creates one, since an invented dose would
// carry no valid scheduling context.
func (m *Materializer) MarkTaken(ctx context.Context, doseID uuid.UUID, takenBy uuid.UUID, takenByName string) error {
	now := m.now().UTC()
	grouped, err := m.grouped(ctx)
	if err != nil {
		return err
	}
	if grouped {
		err := m.data.UpdateDose(ctx, doseID, map[string]any{
			"isTaken":     true,
			"takenAt":     now,
			"takenBy":     takenBy.String(),
			"takenByName": takenByName,
		})
		return mapNotFound(err)
	}
	return mapNotFound(m.local.UpdateDoseTaken(ctx, doseID, true, &now, takenBy.String(), takenByName))
}

// MarkNotTaken reverts a mistaken mark.
func (m *Materializer) MarkNotTaken(ctx context.Context, doseID uuid.UUID) error {
	grouped, err := m.grouped(ctx)
	if err != nil {
		return err
	}
	if grouped {
		err := m.data.UpdateDose(ctx, doseID, map[string]any{
			"isTaken":     false,
			"takenAt":     nil,
			"takenBy":     "",
			"takenByName": "",
		})
		return mapNotFound(err)
	}
	return mapNotFound(m.local.UpdateDoseTaken(ctx, doseID, false, nil, "", ""))
}

// DosesForDay returns the day's doses from whichever store is active.
func (m *Materializer) DosesForDay(ctx context.Context, day time.Time) ([]model.Dose, error) {
	grouped, err := m.grouped(ctx)
	if err != nil {
		return nil, err
	}
	if grouped {
		all, err := m.data.ListDoses(ctx)
		if err != nil {
			return nil, err
		}
		key := model.DayKey(day)
		doses := make([]model.Dose, 0, len(all))
		for _, d := range all {
			if model.DayKey(d.ScheduledTime) == key {
				doses = append(doses, d)
			}
		}
		return doses, nil
	}
	return m.local.ListDosesForDay(ctx, day)
}

// grouped resolves which store the call targets. Only the definitive
// no-group answers demote to the local store; any other failure propagates,
// so a transient remote error cannot fork dose history across both stores.
func (m *Materializer) grouped(ctx context.Context) (bool, error) {
	_, err := m.registry.CurrentGroup(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, group.ErrNoGroupSet), errors.Is(err, group.ErrGroupNotFound):
		return false, nil
	default:
		return false, err
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, remote.ErrDocumentNotFound) || errors.Is(err, localstore.ErrDoseNotFound) {
		return ErrDoseNotFound
	}
	return err
}
