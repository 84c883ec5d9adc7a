package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LeventeLantos/reseller-notifier/internal/model"
)

// OpenPostgres opens a pgx-backed *sql.DB, verifies the connection and
// applies the schema.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS queue_messages (
		id                BIGSERIAL PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		client_id         TEXT NOT NULL DEFAULT '',
		client_name       TEXT NOT NULL DEFAULT '',
		phone             TEXT NOT NULL,
		message           TEXT NOT NULL,
		template_type     TEXT,
		dedup_key         TEXT,
		status            TEXT NOT NULL DEFAULT 'pending',
		attempts          INT NOT NULL DEFAULT 0,
		max_attempts      INT NOT NULL,
		scheduled_at      TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL,
		sent_at           TIMESTAMPTZ,
		error_message     TEXT,
		remote_message_id TEXT,
		CONSTRAINT queue_messages_attempts_chk CHECK (attempts <= max_attempts)
	)`,
	`CREATE INDEX IF NOT EXISTS queue_messages_due_idx
		ON queue_messages (tenant_id, status, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS queue_dedup (
		tenant_id  TEXT NOT NULL,
		dedup_key  TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, dedup_key)
	)`,
	`CREATE TABLE IF NOT EXISTS message_templates (
		id             BIGSERIAL PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		name           TEXT NOT NULL,
		type           TEXT NOT NULL,
		title          TEXT NOT NULL DEFAULT '',
		message        TEXT NOT NULL,
		is_active      BOOLEAN NOT NULL DEFAULT TRUE,
		is_default     BOOLEAN NOT NULL DEFAULT FALSE,
		is_scheduled   BOOLEAN NOT NULL DEFAULT FALSE,
		scheduled_days TEXT NOT NULL DEFAULT '',
		scheduled_time TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS message_templates_one_default_idx
		ON message_templates (tenant_id, type) WHERE is_default`,
	`CREATE TABLE IF NOT EXISTS clients (
		tenant_id    TEXT NOT NULL,
		id           TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		username     TEXT NOT NULL DEFAULT '',
		password     TEXT NOT NULL DEFAULT '',
		phone        TEXT NOT NULL DEFAULT '',
		server       TEXT NOT NULL DEFAULT '',
		plan         TEXT NOT NULL DEFAULT '',
		renewal_date TEXT,
		value        NUMERIC(12, 2) NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS rate_limits (
		tenant_id                      TEXT PRIMARY KEY,
		messages_per_minute            INT NOT NULL,
		messages_per_hour              INT NOT NULL,
		delay_between_messages_seconds INT NOT NULL,
		updated_at                     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SeedTemplates inserts templates for a tenant that has none yet.
func SeedTemplates(ctx context.Context, db *sql.DB, tenantID string, templates []model.Template) (int, error) {
	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_templates WHERE tenant_id = $1`, tenantID,
	).Scan(&count); err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	for _, t := range templates {
		var scheduledTime sql.NullString
		if t.ScheduledTime != nil {
			scheduledTime = sql.NullString{String: t.ScheduledTime.String(), Valid: true}
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO message_templates
				(tenant_id, name, type, title, message, is_active, is_default,
				 is_scheduled, scheduled_days, scheduled_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, tenantID, t.Name, string(t.Type), t.Title, t.Message, t.IsActive, t.IsDefault,
			t.IsScheduled, t.ScheduledDays.String(), scheduledTime); err != nil {
			return 0, err
		}
	}
	return len(templates), nil
}
