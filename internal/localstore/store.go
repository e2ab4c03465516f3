// Package localstore is the device-local persistent store: health items with
// their schedules, materialized doses, the device principal, the
// current-group pointer, and per-principal subscription bookkeeping. It is
// the data source when no group exists and the fallback cache when one does.
package localstore

import (
	"context"
	"errors"
	"time"

	"carecircle/internal/model"

	"github.com/google/uuid"
)

var (
	ErrPrincipalNotFound = errors.New("principal not found")
	ErrItemNotFound      = errors.New("health item not found")
	ErrDoseNotFound      = errors.New("dose not found")
)

// DeviceState is the single-row device bookkeeping: who this device is and
// which group it currently belongs to.
type DeviceState struct {
	PrincipalID    uuid.UUID // uuid.Nil until an identity is provisioned
	CurrentGroupID *uuid.UUID
}

type Store interface {
	// Device state. Exactly one component (the group registry) assigns the
	// current-group pointer; everyone else only reads it.
	DeviceState(ctx context.Context) (DeviceState, error)
	SetDevicePrincipal(ctx context.Context, id uuid.UUID) error
	SetCurrentGroup(ctx context.Context, id *uuid.UUID) error

	// Per-principal subscription bookkeeping.
	GetPrincipalRecord(ctx context.Context, id uuid.UUID) (model.PrincipalRecord, error)
	SavePrincipalRecord(ctx context.Context, rec model.PrincipalRecord) error
	ListRefunds(ctx context.Context, principalID uuid.UUID) ([]model.RefundRecord, error)
	// RecordRefundAndCancel appends the refund and stamps the cancellation
	// atomically; a refund is never recorded without its state transition.
	RecordRefundAndCancel(ctx context.Context, principalID uuid.UUID, refund model.RefundRecord, cancelledAt time.Time, accessUntil *time.Time) error

	// Health items.
	SaveHealthItem(ctx context.Context, item model.HealthItem) error
	GetHealthItem(ctx context.Context, id uuid.UUID) (model.HealthItem, error)
	ListHealthItems(ctx context.Context, onlyActive bool) ([]model.HealthItem, error)
	// DeleteHealthItem cascades to the item's doses.
	DeleteHealthItem(ctx context.Context, id uuid.UUID) error

	// Doses.
	SaveDose(ctx context.Context, dose model.Dose) error
	GetDose(ctx context.Context, id uuid.UUID) (model.Dose, error)
	ListDosesForDay(ctx context.Context, day time.Time) ([]model.Dose, error)
	ListDosesForItem(ctx context.Context, itemID uuid.UUID) ([]model.Dose, error)
	UpdateDoseTaken(ctx context.Context, id uuid.UUID, taken bool, takenAt *time.Time, takenBy, takenByName string) error
	DeleteDosesForItem(ctx context.Context, itemID uuid.UUID) error
}
