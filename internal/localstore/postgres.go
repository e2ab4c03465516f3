package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"carecircle/internal/config"
	"carecircle/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	dsn := "host=" + cfg.Host +
		" port=" + strconv.Itoa(cfg.Port) +
		" user=" + cfg.User +
		" password=" + cfg.Password +
		" dbname=" + cfg.Name +
		" sslmode=" + cfg.SSLMode

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database configuration: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (db *Postgres) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

func (db *Postgres) DeviceState(ctx context.Context) (DeviceState, error) {
	var state DeviceState
	var principalID *uuid.UUID
	var groupID *uuid.UUID

	err := db.pool.QueryRow(ctx, `SELECT principal_id, current_group_id FROM tbl_device_state WHERE id = 1`).
		Scan(&principalID, &groupID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state, nil
		}
		return state, fmt.Errorf("failed to read device state: %w", err)
	}

	if principalID != nil {
		state.PrincipalID = *principalID
	}
	state.CurrentGroupID = groupID
	return state, nil
}

func (db *Postgres) SetDevicePrincipal(ctx context.Context, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO tbl_device_state (id, principal_id) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET principal_id = EXCLUDED.principal_id`, id); err != nil {
		return fmt.Errorf("failed to set device principal: %w", err)
	}
	return nil
}

func (db *Postgres) SetCurrentGroup(ctx context.Context, id *uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO tbl_device_state (id, current_group_id) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET current_group_id = EXCLUDED.current_group_id`, id); err != nil {
		return fmt.Errorf("failed to set current group: %w", err)
	}
	return nil
}

func (db *Postgres) GetPrincipalRecord(ctx context.Context, id uuid.UUID) (model.PrincipalRecord, error) {
	var rec model.PrincipalRecord
	err := db.pool.QueryRow(ctx, `
		SELECT id, display_name, trial_start, trial_end, cooldown_until,
		       total_refund_count, last_subscription_date, last_cancellation_date,
		       access_until, created_at, updated_at
		FROM tbl_principal WHERE id = $1`, id).Scan(
		&rec.ID, &rec.DisplayName, &rec.TrialStart, &rec.TrialEnd, &rec.CooldownUntil,
		&rec.TotalRefundCount, &rec.LastSubscriptionDate, &rec.LastCancellationDate,
		&rec.AccessUntil, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, ErrPrincipalNotFound
		}
		return rec, fmt.Errorf("failed to get principal record: %w", err)
	}
	return rec, nil
}

func (db *Postgres) SavePrincipalRecord(ctx context.Context, rec model.PrincipalRecord) error {
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO tbl_principal (id, display_name, trial_start, trial_end, cooldown_until,
		                           total_refund_count, last_subscription_date, last_cancellation_date,
		                           access_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			trial_start = EXCLUDED.trial_start,
			trial_end = EXCLUDED.trial_end,
			cooldown_until = EXCLUDED.cooldown_until,
			total_refund_count = EXCLUDED.total_refund_count,
			last_subscription_date = EXCLUDED.last_subscription_date,
			last_cancellation_date = EXCLUDED.last_cancellation_date,
			access_until = EXCLUDED.access_until,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.DisplayName, rec.TrialStart, rec.TrialEnd, rec.CooldownUntil,
		rec.TotalRefundCount, rec.LastSubscriptionDate, rec.LastCancellationDate,
		rec.AccessUntil, rec.CreatedAt, rec.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save principal record: %w", err)
	}
	return nil
}

func (db *Postgres) ListRefunds(ctx context.Context, principalID uuid.UUID) ([]model.RefundRecord, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, refund_date, amount_cents, reason, days_since_subscription
		FROM tbl_refund WHERE principal_id = $1 ORDER BY refund_date ASC`, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	defer rows.Close()

	var refunds []model.RefundRecord
	for rows.Next() {
		var r model.RefundRecord
		if err := rows.Scan(&r.ID, &r.Date, &r.AmountCents, &r.Reason, &r.DaysSinceSubscription); err != nil {
			return nil, fmt.Errorf("failed to scan refund: %w", err)
		}
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

func (db *Postgres) RecordRefundAndCancel(ctx context.Context, principalID uuid.UUID, refund model.RefundRecord, cancelledAt time.Time, accessUntil *time.Time) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO tbl_refund (id, principal_id, refund_date, amount_cents, reason, days_since_subscription)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		refund.ID, principalID, refund.Date, refund.AmountCents, refund.Reason, refund.DaysSinceSubscription); err != nil {
		return fmt.Errorf("failed to insert refund: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE tbl_principal
		SET total_refund_count = total_refund_count + 1,
		    last_cancellation_date = $2,
		    access_until = $3,
		    updated_at = $2
		WHERE id = $1`, principalID, cancelledAt, accessUntil)
	if err != nil {
		return fmt.Errorf("failed to update principal on refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPrincipalNotFound
	}

	return tx.Commit(ctx)
}

func (db *Postgres) SaveHealthItem(ctx context.Context, item model.HealthItem) error {
	scheduleJSON, err := json.Marshal(item.Schedule)
	if err != nil {
		return fmt.Errorf("failed to encode schedule: %w", err)
	}

	if _, err := db.pool.Exec(ctx, `
		INSERT INTO tbl_health_item (id, item_type, name, dosage, notes, is_active, schedule, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			item_type = EXCLUDED.item_type,
			name = EXCLUDED.name,
			dosage = EXCLUDED.dosage,
			notes = EXCLUDED.notes,
			is_active = EXCLUDED.is_active,
			schedule = EXCLUDED.schedule,
			updated_at = EXCLUDED.updated_at`,
		item.ID, string(item.Type), item.Name, item.Dosage, item.Notes, item.IsActive,
		scheduleJSON, item.CreatedAt, item.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save health item: %w", err)
	}
	return nil
}

func (db *Postgres) GetHealthItem(ctx context.Context, id uuid.UUID) (model.HealthItem, error) {
	var item model.HealthItem
	var itemType string
	var scheduleJSON []byte

	err := db.pool.QueryRow(ctx, `
		SELECT id, item_type, name, dosage, notes, is_active, schedule, created_at, updated_at
		FROM tbl_health_item WHERE id = $1`, id).Scan(
		&item.ID, &itemType, &item.Name, &item.Dosage, &item.Notes, &item.IsActive,
		&scheduleJSON, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return item, ErrItemNotFound
		}
		return item, fmt.Errorf("failed to get health item: %w", err)
	}

	item.Type = model.ItemType(itemType)
	if err := json.Unmarshal(scheduleJSON, &item.Schedule); err != nil {
		return item, fmt.Errorf("failed to decode schedule: %w", err)
	}
	return item, nil
}

func (db *Postgres) ListHealthItems(ctx context.Context, onlyActive bool) ([]model.HealthItem, error) {
	query := `SELECT id, item_type, name, dosage, notes, is_active, schedule, created_at, updated_at FROM tbl_health_item`
	if onlyActive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list health items: %w", err)
	}
	defer rows.Close()

	var items []model.HealthItem
	for rows.Next() {
		var item model.HealthItem
		var itemType string
		var scheduleJSON []byte
		if err := rows.Scan(&item.ID, &itemType, &item.Name, &item.Dosage, &item.Notes,
			&item.IsActive, &scheduleJSON, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan health item: %w", err)
		}
		item.Type = model.ItemType(itemType)
		if err := json.Unmarshal(scheduleJSON, &item.Schedule); err != nil {
			return nil, fmt.Errorf("failed to decode schedule: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *Postgres) DeleteHealthItem(ctx context.Context, id uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM tbl_dose WHERE item_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete item doses: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tbl_health_item WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete health item: %w", err)
	}

	return tx.Commit(ctx)
}

func (db *Postgres) SaveDose(ctx context.Context, dose model.Dose) error {
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO tbl_dose (id, item_id, item_type, item_name, period, scheduled_time,
		                      is_taken, taken_at, taken_by, taken_by_name, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		dose.ID, dose.ItemID, string(dose.ItemType), dose.ItemName, string(dose.Period),
		dose.ScheduledTime, dose.IsTaken, dose.TakenAt, dose.TakenBy, dose.TakenByName,
		dose.Notes); err != nil {
		return fmt.Errorf("failed to save dose: %w", err)
	}
	return nil
}

func (db *Postgres) GetDose(ctx context.Context, id uuid.UUID) (model.Dose, error) {
	var d model.Dose
	var itemType, period string

	err := db.pool.QueryRow(ctx, `
		SELECT id, item_id, item_type, item_name, period, scheduled_time,
		       is_taken, taken_at, taken_by, taken_by_name, notes
		FROM tbl_dose WHERE id = $1`, id).Scan(
		&d.ID, &d.ItemID, &itemType, &d.ItemName, &period, &d.ScheduledTime,
		&d.IsTaken, &d.TakenAt, &d.TakenBy, &d.TakenByName, &d.Notes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return d, ErrDoseNotFound
		}
		return d, fmt.Errorf("failed to get dose: %w", err)
	}

	d.ItemType = model.ItemType(itemType)
	d.Period = model.Period(period)
	return d, nil
}

func (db *Postgres) ListDosesForDay(ctx context.Context, day time.Time) ([]model.Dose, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)
	return db.listDoses(ctx, `
		SELECT id, item_id, item_type, item_name, period, scheduled_time,
		       is_taken, taken_at, taken_by, taken_by_name, notes
		FROM tbl_dose WHERE scheduled_time >= $1 AND scheduled_time < $2
		ORDER BY scheduled_time ASC`, start, end)
}

func (db *Postgres) ListDosesForItem(ctx context.Context, itemID uuid.UUID) ([]model.Dose, error) {
	return db.listDoses(ctx, `
		SELECT id, item_id, item_type, item_name, period, scheduled_time,
		       is_taken, taken_at, taken_by, taken_by_name, notes
		FROM tbl_dose WHERE item_id = $1
		ORDER BY scheduled_time ASC`, itemID)
}

func (db *Postgres) listDoses(ctx context.Context, query string, args ...any) ([]model.Dose, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list doses: %w", err)
	}
	defer rows.Close()

	var doses []model.Dose
	for rows.Next() {
		var d model.Dose
		var itemType, period string
		if err := rows.Scan(&d.ID, &d.ItemID, &itemType, &d.ItemName, &period, &d.ScheduledTime,
			&d.IsTaken, &d.TakenAt, &d.TakenBy, &d.TakenByName, &d.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan dose: %w", err)
		}
		d.ItemType = model.ItemType(itemType)
		d.Period = model.Period(period)
		doses = append(doses, d)
	}
	return doses, rows.Err()
}

func (db *Postgres) UpdateDoseTaken(ctx context.Context, id uuid.UUID, taken bool, takenAt *time.Time, takenBy, takenByName string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE tbl_dose SET is_taken = $2, taken_at = $3, taken_by = $4, taken_by_name = $5
		WHERE id = $1`, id, taken, takenAt, takenBy, takenByName)
	if err != nil {
		return fmt.Errorf("failed to update dose: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDoseNotFound
	}
	return nil
}

func (db *Postgres) DeleteDosesForItem(ctx context.Context, itemID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM tbl_dose WHERE item_id = $1`, itemID); err != nil {
		return fmt.Errorf("failed to delete doses: %w", err)
	}
	return nil
}
