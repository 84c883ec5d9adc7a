package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/reseller-notifier/internal/model"
)

type PostgresRateLimitRepo struct {
	db       *sql.DB
	tenantID string
}

var _ RateLimitRepository = (*PostgresRateLimitRepo)(nil)

func NewPostgresRateLimitRepo(db *sql.DB, tenantID string) *PostgresRateLimitRepo {
	return &PostgresRateLimitRepo{db: db, tenantID: tenantID}
}

func (r *PostgresRateLimitRepo) RateLimit(ctx context.Context) (model.RateLimitConfig, error) {
	var (
		cfg          model.RateLimitConfig
		delaySeconds int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT messages_per_minute, messages_per_hour, delay_between_messages_seconds
		FROM rate_limits
		WHERE tenant_id = $1
	`, r.tenantID).Scan(&cfg.MessagesPerMinute, &cfg.MessagesPerHour, &delaySeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RateLimitConfig{}, fmt.Errorf("rate limit: %w", ErrNotFound)
	}
	if err != nil {
		return model.RateLimitConfig{}, err
	}
	cfg.DelayBetweenMessages = time.Duration(delaySeconds) * time.Second
	return cfg, nil
}

func (r *PostgresRateLimitRepo) SaveRateLimit(ctx context.Context, cfg model.RateLimitConfig) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rate_limits
			(tenant_id, messages_per_minute, messages_per_hour, delay_between_messages_seconds, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tenant_id) DO UPDATE
		SET messages_per_minute = EXCLUDED.messages_per_minute,
		    messages_per_hour = EXCLUDED.messages_per_hour,
		    delay_between_messages_seconds = EXCLUDED.delay_between_messages_seconds,
		    updated_at = now()
	`, r.tenantID, cfg.MessagesPerMinute, cfg.MessagesPerHour, int(cfg.DelayBetweenMessages/time.Second))
	return err
}
