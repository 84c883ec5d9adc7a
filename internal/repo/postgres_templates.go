package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/LeventeLantos/reseller-notifier/internal/model"
)

type PostgresTemplateRepo struct {
	db       *sql.DB
	tenantID string
}

var _ TemplateRepository = (*PostgresTemplateRepo)(nil)

func NewPostgresTemplateRepo(db *sql.DB, tenantID string) *PostgresTemplateRepo {
	return &PostgresTemplateRepo{db: db, tenantID: tenantID}
}

const templateColumns = `id, tenant_id, name, type, title, message, is_active, is_default,
	is_scheduled, scheduled_days, scheduled_time, created_at`

func scanTemplate(row rowScanner) (model.Template, error) {
	var (
		t             model.Template
		typ           string
		days          string
		scheduledTime sql.NullString
	)
	if err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.Name,
		&typ,
		&t.Title,
		&t.Message,
		&t.IsActive,
		&t.IsDefault,
		&t.IsScheduled,
		&days,
		&scheduledTime,
		&t.CreatedAt,
	); err != nil {
		return model.Template{}, err
	}

	parsedType, err := model.ParseTemplateType(typ)
	if err != nil {
		return model.Template{}, fmt.Errorf("template %d: %w", t.ID, err)
	}
	t.Type = parsedType

	set, err := model.ParseWeekdayList(days)
	if err != nil {
		return model.Template{}, fmt.Errorf("template %d: %w", t.ID, err)
	}
	if len(set) > 0 {
		t.ScheduledDays = set
	}
	if scheduledTime.Valid && scheduledTime.String != "" {
		tod, err := model.ParseTimeOfDay(scheduledTime.String)
		if err != nil {
			return model.Template{}, fmt.Errorf("template %d: %w", t.ID, err)
		}
		t.ScheduledTime = &tod
	}
	return t, nil
}

// ListScheduled skips rows that fail to decode so one bad template does not
// hide the others.
func (r *PostgresTemplateRepo) ListScheduled(ctx context.Context) ([]model.Template, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+templateColumns+`
		FROM message_templates
		WHERE tenant_id = $1 AND is_active AND is_scheduled
		ORDER BY id ASC
	`, r.tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			slog.Warn("skipping undecodable template", "tenant", r.tenantID, "err", err)
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresTemplateRepo) Default(ctx context.Context, typ model.TemplateType) (model.Template, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM message_templates
		WHERE tenant_id = $1 AND type = $2 AND is_active
		ORDER BY is_default DESC, id ASC
		LIMIT 1
	`, r.tenantID, string(typ))
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Template{}, fmt.Errorf("template %s: %w", typ, ErrNotFound)
	}
	return t, err
}
