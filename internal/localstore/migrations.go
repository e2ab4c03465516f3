package localstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// migrationLockID serializes migration runs across processes sharing the
// database.
const migrationLockID = 0x6361_7265 // "care"

type migration struct {
	version int64
	name    string
	upSQL   string
}

var migrations = []migration{
	{
		version: 1,
		name:    "device_state",
		upSQL: `
			CREATE TABLE IF NOT EXISTS tbl_device_state (
				id SMALLINT PRIMARY KEY CHECK (id = 1),
				principal_id UUID,
				current_group_id UUID
			)`,
	},
	{
		version: 2,
		name:    "principals",
		upSQL: `
			CREATE TABLE IF NOT EXISTS tbl_principal (
				id UUID PRIMARY KEY,
				display_name TEXT NOT NULL DEFAULT '',
				trial_start TIMESTAMPTZ,
				trial_end TIMESTAMPTZ,
				cooldown_until TIMESTAMPTZ,
				total_refund_count INT NOT NULL DEFAULT 0,
				last_subscription_date TIMESTAMPTZ,
				last_cancellation_date TIMESTAMPTZ,
				access_until TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
	},
	{
		version: 3,
		name:    "refunds",
		upSQL: `
			CREATE TABLE IF NOT EXISTS tbl_refund (
				id UUID PRIMARY KEY,
				principal_id UUID NOT NULL REFERENCES tbl_principal(id),
				refund_date TIMESTAMPTZ NOT NULL,
				amount_cents INT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				days_since_subscription INT NOT NULL
			)`,
	},
	{
		version: 4,
		name:    "health_items",
		upSQL: `
			CREATE TABLE IF NOT EXISTS tbl_health_item (
				id UUID PRIMARY KEY,
				item_type TEXT NOT NULL,
				name TEXT NOT NULL,
				dosage TEXT NOT NULL DEFAULT '',
				notes TEXT NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				schedule JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
	},
	{
		version: 5,
		name:    "doses",
		upSQL: `
			CREATE TABLE IF NOT EXISTS tbl_dose (
				id UUID PRIMARY KEY,
				item_id UUID NOT NULL,
				item_type TEXT NOT NULL,
				item_name TEXT NOT NULL,
				period TEXT NOT NULL,
				scheduled_time TIMESTAMPTZ NOT NULL,
				is_taken BOOLEAN NOT NULL DEFAULT FALSE,
				taken_at TIMESTAMPTZ,
				taken_by TEXT NOT NULL DEFAULT '',
				taken_by_name TEXT NOT NULL DEFAULT '',
				notes TEXT NOT NULL DEFAULT ''
			)`,
	},
	{
		version: 6,
		name:    "dose_indexes",
		upSQL: `
			CREATE INDEX IF NOT EXISTS idx_dose_item ON tbl_dose (item_id);
			CREATE INDEX IF NOT EXISTS idx_dose_scheduled_time ON tbl_dose (scheduled_time)`,
	},
}

// Migrate applies all pending migrations in order, under an advisory lock.
func (db *Postgres) Migrate(ctx context.Context, logger *slog.Logger) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tbl_schema_migration (
			version BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	if _, err := db.pool.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer db.pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, migrationLockID)

	for _, m := range migrations {
		var applied int64
		err := db.pool.QueryRow(ctx, `SELECT version FROM tbl_schema_migration WHERE version = $1`, m.version).Scan(&applied)
		if err == nil {
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}

		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, m.upSQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO tbl_schema_migration (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		logger.InfoContext(ctx, "Applied migration", "version", m.version, "name", m.name)
	}

	return nil
}
