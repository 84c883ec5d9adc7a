package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/reseller-notifier/internal/model"
)

type PostgresQueueRepo struct {
	db       *sql.DB
	tenantID string
}

var _ QueueRepository = (*PostgresQueueRepo)(nil)

func NewPostgresQueueRepo(db *sql.DB, tenantID string) *PostgresQueueRepo {
	return &PostgresQueueRepo{db: db, tenantID: tenantID}
}

const messageColumns = `id, tenant_id, client_id, client_name, phone, message, template_type,
	dedup_key, status, attempts, max_attempts, scheduled_at, created_at, updated_at,
	sent_at, error_message, remote_message_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.QueueMessage, error) {
	var (
		m            model.QueueMessage
		status       string
		templateType sql.NullString
		dedupKey     sql.NullString
		scheduledAt  sql.NullTime
		sentAt       sql.NullTime
		lastErr      sql.NullString
		remoteID     sql.NullString
	)
	if err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.ClientID,
		&m.ClientName,
		&m.Phone,
		&m.Message,
		&templateType,
		&dedupKey,
		&status,
		&m.Attempts,
		&m.MaxAttempts,
		&scheduledAt,
		&m.CreatedAt,
		&m.UpdatedAt,
		&sentAt,
		&lastErr,
		&remoteID,
	); err != nil {
		return model.QueueMessage{}, err
	}

	m.Status = model.Status(status)
	if templateType.Valid {
		t := model.TemplateType(templateType.String)
		m.TemplateType = &t
	}
	if dedupKey.Valid {
		s := dedupKey.String
		m.DedupKey = &s
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		m.ScheduledAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		m.SentAt = &t
	}
	if lastErr.Valid {
		s := lastErr.String
		m.ErrorMessage = &s
	}
	if remoteID.Valid {
		s := remoteID.String
		m.RemoteMessageID = &s
	}
	return m, nil
}

func (r *PostgresQueueRepo) Enqueue(ctx context.Context, m model.QueueMessage) (model.QueueMessage, bool, error) {
	if err := validateNew(m); err != nil {
		return model.QueueMessage{}, false, err
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return model.QueueMessage{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if m.DedupKey != nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO queue_dedup (tenant_id, dedup_key, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, dedup_key) DO NOTHING
		`, r.tenantID, *m.DedupKey, m.CreatedAt)
		if err != nil {
			return model.QueueMessage{}, false, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return model.QueueMessage{}, false, err
		} else if n == 0 {
			return model.QueueMessage{}, false, tx.Commit()
		}
	}

	var templateType sql.NullString
	if m.TemplateType != nil {
		templateType = sql.NullString{String: string(*m.TemplateType), Valid: true}
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO queue_messages
			(tenant_id, client_id, client_name, phone, message, template_type, dedup_key,
			 status, attempts, max_attempts, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $9, $10, $11)
		RETURNING `+messageColumns,
		r.tenantID, m.ClientID, m.ClientName, m.Phone, m.Message, templateType,
		nullString(m.DedupKey), m.MaxAttempts, nullTime(m.ScheduledAt), m.CreatedAt, m.UpdatedAt,
	)
	stored, err := scanMessage(row)
	if err != nil {
		return model.QueueMessage{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.QueueMessage{}, false, err
	}
	return stored, true, nil
}

// ClaimNext claims with a single conditional UPDATE. SKIP LOCKED lets two
// dispatchers race without blocking, and the outer status predicate makes
// the pending -> processing transition exclusive.
func (r *PostgresQueueRepo) ClaimNext(ctx context.Context, now time.Time) (*model.QueueMessage, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET status = 'processing', updated_at = $2
		WHERE id = (
			SELECT id
			FROM queue_messages
			WHERE tenant_id = $1
			  AND status = 'pending'
			  AND (scheduled_at IS NULL OR scheduled_at <= $2)
			ORDER BY created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		AND status = 'pending'
		RETURNING `+messageColumns,
		r.tenantID, now,
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *PostgresQueueRepo) MarkSent(ctx context.Context, id int64, sentAt time.Time, remoteMessageID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = 'sent',
		    attempts = attempts + 1,
		    sent_at = $3,
		    error_message = NULL,
		    remote_message_id = NULLIF($4, ''),
		    updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND status = 'processing'
	`, r.tenantID, id, sentAt, remoteMessageID)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, res, id)
}

func (r *PostgresQueueRepo) MarkAttemptFailed(ctx context.Context, id int64, reason string, at time.Time) (model.Status, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		    error_message = $3,
		    updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND status = 'processing'
		RETURNING status
	`, r.tenantID, id, reason, at).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", r.explainMiss(ctx, id)
	}
	if err != nil {
		return "", err
	}
	return model.Status(status), nil
}

func (r *PostgresQueueRepo) Release(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = 'pending', updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND status = 'processing'
	`, r.tenantID, id, at)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, res, id)
}

func (r *PostgresQueueRepo) Retry(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = 'pending',
		    attempts = 0,
		    error_message = NULL,
		    scheduled_at = NULL,
		    updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND status IN ('pending', 'failed')
	`, r.tenantID, id, at)
	if err != nil {
		return err
	}
	return r.checkTransition(ctx, res, id)
}

func (r *PostgresQueueRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM queue_messages WHERE tenant_id = $1 AND id = $2
	`, r.tenantID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *PostgresQueueRepo) DeleteSent(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM queue_messages WHERE tenant_id = $1 AND status = 'sent'
	`, r.tenantID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresQueueRepo) Get(ctx context.Context, id int64) (model.QueueMessage, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM queue_messages
		WHERE tenant_id = $1 AND id = $2
	`, r.tenantID, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QueueMessage{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return m, err
}

func (r *PostgresQueueRepo) List(ctx context.Context, f ListFilter) ([]model.QueueMessage, error) {
	f = f.normalized()

	var status sql.NullString
	if f.Status != nil {
		status = sql.NullString{String: string(*f.Status), Valid: true}
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM queue_messages
		WHERE tenant_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, r.tenantID, status, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.QueueMessage{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresQueueRepo) Counts(ctx context.Context) (map[model.Status]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM queue_messages
		WHERE tenant_id = $1
		GROUP BY status
	`, r.tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.Status]int64, len(model.Statuses))
	for _, s := range model.Statuses {
		out[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}

func (r *PostgresQueueRepo) SentSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sent_at
		FROM queue_messages
		WHERE tenant_id = $1 AND status = 'sent' AND sent_at > $2
		ORDER BY sent_at ASC
	`, r.tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresQueueRepo) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = 'pending'
		WHERE tenant_id = $1 AND status = 'processing' AND updated_at < $2
	`, r.tenantID, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresQueueRepo) PruneDedup(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM queue_dedup WHERE tenant_id = $1 AND created_at < $2
	`, r.tenantID, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresQueueRepo) checkTransition(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.explainMiss(ctx, id)
	}
	return nil
}

// explainMiss tells apart a missing row from one in the wrong status after
// a conditional update matched nothing.
func (r *PostgresQueueRepo) explainMiss(ctx context.Context, id int64) error {
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT status FROM queue_messages WHERE tenant_id = $1 AND id = $2
	`, r.tenantID, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return transitionError(id, model.Status(status))
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
