package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// doseNamespace seeds the deterministic dose ids. Two devices materializing
// the same occurrence derive the same id, which is what makes
// materialization idempotent under concurrent writers.
var doseNamespace = uuid.MustParse("9e2fb1a6-54c3-4c4b-8f6e-1d2a7c90e4d1")

// DoseID derives the deterministic id for a dose's natural key. Named meal
// periods occur at most once per day, so (item, day, period) identifies
// them; custom schedules can fire several times a day under the same
// period, so their clock slot joins the key to keep same-day occurrences
// distinct. Slot is empty for named periods.
func DoseID(itemID uuid.UUID, day string, period Period, slot string) uuid.UUID {
	key := fmt.Sprintf("%s|%s|%s", itemID, day, period)
	if slot != "" {
		key += "|" + slot
	}
	return uuid.NewSHA1(doseNamespace, []byte(key))
}

// Dose is one materialized occurrence of a schedule. Created only by the
// materializer, mutated only by mark-taken, deleted only by cascading with
// its parent item.
type Dose struct {
	ID            uuid.UUID
	ItemID        uuid.UUID
	ItemType      ItemType
	ItemName      string
	Period        Period
	ScheduledTime time.Time
	IsTaken       bool
	TakenAt       *time.Time
	TakenBy       string
	TakenByName   string
	Notes         string
}

func (d *Dose) ToDoc() map[string]any {
	return map[string]any{
		"id":            d.ID.String(),
		"itemId":        d.ItemID.String(),
		"itemType":      string(d.ItemType),
		"itemName":      d.ItemName,
		"period":        string(d.Period),
		"scheduledTime": timeValue(d.ScheduledTime),
		"isTaken":       d.IsTaken,
		"takenAt":       timePtrValue(d.TakenAt),
		"takenBy":       d.TakenBy,
		"takenByName":   d.TakenByName,
		"notes":         d.Notes,
	}
}

func DoseFromDoc(data map[string]any) Dose {
	return Dose{
		ID:            docUUID(data, "id"),
		ItemID:        docUUID(data, "itemId"),
		ItemType:      ItemType(docString(data, "itemType")),
		ItemName:      docString(data, "itemName"),
		Period:        Period(docString(data, "period")),
		ScheduledTime: docTime(data, "scheduledTime"),
		IsTaken:       docBool(data, "isTaken"),
		TakenAt:       docTimePtr(data, "takenAt"),
		TakenBy:       docString(data, "takenBy"),
		TakenByName:   docString(data, "takenByName"),
		Notes:         docString(data, "notes"),
	}
}
