package model

import (
	"time"

	"github.com/google/uuid"
)

// ItemType tags the HealthItem union.
type ItemType string

const (
	ItemTypeMedication ItemType = "medication"
	ItemTypeSupplement ItemType = "supplement"
	ItemTypeDiet       ItemType = "diet"
)

func (t ItemType) IsValid() bool {
	switch t {
	case ItemTypeMedication, ItemTypeSupplement, ItemTypeDiet:
		return true
	}
	return false
}

// Collection returns the remote-store collection name for the item type.
func (t ItemType) Collection() string {
	return string(t) + "s"
}

// HealthItem is the tagged union over medications, supplements, and diets.
// Dosage doubles as the portion description for diet items.
type HealthItem struct {
	ID        uuid.UUID
	Type      ItemType
	Name      string
	Dosage    string
	Notes     string
	IsActive  bool
	Schedule  Schedule
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i *HealthItem) ToDoc() map[string]any {
	return map[string]any{
		"id":        i.ID.String(),
		"type":      string(i.Type),
		"name":      i.Name,
		"dosage":    i.Dosage,
		"notes":     i.Notes,
		"isActive":  i.IsActive,
		"schedule":  i.Schedule.ToDoc(),
		"createdAt": timeValue(i.CreatedAt),
		"updatedAt": timeValue(i.UpdatedAt),
	}
}

func HealthItemFromDoc(data map[string]any) HealthItem {
	return HealthItem{
		ID:        docUUID(data, "id"),
		Type:      ItemType(docString(data, "type")),
		Name:      docString(data, "name"),
		Dosage:    docString(data, "dosage"),
		Notes:     docString(data, "notes"),
		IsActive:  docBool(data, "isActive"),
		Schedule:  ScheduleFromDoc(docMap(data, "schedule")),
		CreatedAt: docTime(data, "createdAt"),
		UpdatedAt: docTime(data, "updatedAt"),
	}
}
