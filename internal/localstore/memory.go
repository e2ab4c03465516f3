package localstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"carecircle/internal/model"

	"github.com/google/uuid"
)

// Memory is an in-process Store for tests and for running without Postgres.
type Memory struct {
	mu         sync.RWMutex
	device     DeviceState
	principals map[uuid.UUID]model.PrincipalRecord
	refunds    map[uuid.UUID][]model.RefundRecord
	items      map[uuid.UUID]model.HealthItem
	doses      map[uuid.UUID]model.Dose
}

func NewMemory() *Memory {
	return &Memory{
		principals: make(map[uuid.UUID]model.PrincipalRecord),
		refunds:    make(map[uuid.UUID][]model.RefundRecord),
		items:      make(map[uuid.UUID]model.HealthItem),
		doses:      make(map[uuid.UUID]model.Dose),
	}
}

func (s *Memory) DeviceState(ctx context.Context) (DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := s.device
	if state.CurrentGroupID != nil {
		id := *state.CurrentGroupID
		state.CurrentGroupID = &id
	}
	return state, nil
}

func (s *Memory) SetDevicePrincipal(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.device.PrincipalID = id
	return nil
}

func (s *Memory) SetCurrentGroup(ctx context.Context, id *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == nil {
		s.device.CurrentGroupID = nil
		return nil
	}
	value := *id
	s.device.CurrentGroupID = &value
	return nil
}

func (s *Memory) GetPrincipalRecord(ctx context.Context, id uuid.UUID) (model.PrincipalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.principals[id]
	if !ok {
		return model.PrincipalRecord{}, ErrPrincipalNotFound
	}
	return rec, nil
}

func (s *Memory) SavePrincipalRecord(ctx context.Context, rec model.PrincipalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.principals[rec.ID] = rec
	return nil
}

func (s *Memory) ListRefunds(ctx context.Context, principalID uuid.UUID) ([]model.RefundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refunds := make([]model.RefundRecord, len(s.refunds[principalID]))
	copy(refunds, s.refunds[principalID])
	return refunds, nil
}

func (s *Memory) RecordRefundAndCancel(ctx context.Context, principalID uuid.UUID, refund model.RefundRecord, cancelledAt time.Time, accessUntil *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.principals[principalID]
	if !ok {
		return ErrPrincipalNotFound
	}

	s.refunds[principalID] = append(s.refunds[principalID], refund)
	rec.TotalRefundCount++
	rec.LastCancellationDate = &cancelledAt
	rec.AccessUntil = accessUntil
	rec.UpdatedAt = cancelledAt
	s.principals[principalID] = rec
	return nil
}

func (s *Memory) SaveHealthItem(ctx context.Context, item model.HealthItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[item.ID] = item
	return nil
}

func (s *Memory) GetHealthItem(ctx context.Context, id uuid.UUID) (model.HealthItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return model.HealthItem{}, ErrItemNotFound
	}
	return item, nil
}

func (s *Memory) ListHealthItems(ctx context.Context, onlyActive bool) ([]model.HealthItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []model.HealthItem
	for _, item := range s.items {
		if onlyActive && !item.IsActive {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
	return items, nil
}

func (s *Memory) DeleteHealthItem(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrItemNotFound
	}
	delete(s.items, id)
	for doseID, dose := range s.doses {
		if dose.ItemID == id {
			delete(s.doses, doseID)
		}
	}
	return nil
}

// SaveDose is first-write-wins, matching the deterministic dose identity
// scheme: re-materializing an existing dose never clears its taken state.
func (s *Memory) SaveDose(ctx context.Context, dose model.Dose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doses[dose.ID]; ok {
		return nil
	}
	s.doses[dose.ID] = dose
	return nil
}

func (s *Memory) GetDose(ctx context.Context, id uuid.UUID) (model.Dose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dose, ok := s.doses[id]
	if !ok {
		return model.Dose{}, ErrDoseNotFound
	}
	return dose, nil
}

func (s *Memory) ListDosesForDay(ctx context.Context, day time.Time) ([]model.Dose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := model.DayKey(day)
	var doses []model.Dose
	for _, dose := range s.doses {
		if model.DayKey(dose.ScheduledTime) == key {
			doses = append(doses, dose)
		}
	}
	sortDoses(doses)
	return doses, nil
}

func (s *Memory) ListDosesForItem(ctx context.Context, itemID uuid.UUID) ([]model.Dose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doses []model.Dose
	for _, dose := range s.doses {
		if dose.ItemID == itemID {
			doses = append(doses, dose)
		}
	}
	sortDoses(doses)
	return doses, nil
}

func (s *Memory) UpdateDoseTaken(ctx context.Context, id uuid.UUID, taken bool, takenAt *time.Time, takenBy, takenByName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dose, ok := s.doses[id]
	if !ok {
		return ErrDoseNotFound
	}
	dose.IsTaken = taken
	dose.TakenAt = takenAt
	dose.TakenBy = takenBy
	dose.TakenByName = takenByName
	s.doses[id] = dose
	return nil
}

func (s *Memory) DeleteDosesForItem(ctx context.Context, itemID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, dose := range s.doses {
		if dose.ItemID == itemID {
			delete(s.doses, id)
		}
	}
	return nil
}

func sortDoses(doses []model.Dose) {
	sort.Slice(doses, func(i, j int) bool {
		if !doses[i].ScheduledTime.Equal(doses[j].ScheduledTime) {
			return doses[i].ScheduledTime.Before(doses[j].ScheduledTime)
		}
		return doses[i].ID.String() < doses[j].ID.String()
	})
}
