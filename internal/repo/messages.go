package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/reseller-notifier/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type ListFilter struct {
	Status *model.Status
	Limit  int
	Offset int
}

func (f ListFilter) normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// QueueRepository is the durable, tenant-scoped queue of outbound messages.
// Every status change is a conditional update on the current status, so
// concurrent callers never both win the same transition.
type QueueRepository interface {
	// Enqueue stores m as pending. When m carries a dedup key already seen,
	// nothing is stored and created is false.
	Enqueue(ctx context.Context, m model.QueueMessage) (stored model.QueueMessage, created bool, err error)
	// ClaimNext moves the oldest due pending message to processing and
	// returns it, or returns nil when nothing is due.
	ClaimNext(ctx context.Context, now time.Time) (*model.QueueMessage, error)
	MarkSent(ctx context.Context, id int64, sentAt time.Time, remoteMessageID string) error
	// MarkAttemptFailed consumes one attempt of a processing message and
	// returns the resulting status: pending while attempts remain, failed
	// once attempts reach max_attempts.
	MarkAttemptFailed(ctx context.Context, id int64, reason string, at time.Time) (model.Status, error)
	// Release hands a processing message back to pending without consuming
	// an attempt.
	Release(ctx context.Context, id int64, at time.Time) error
	Retry(ctx context.Context, id int64, at time.Time) error
	Delete(ctx context.Context, id int64) error
	DeleteSent(ctx context.Context) (int64, error)
	Get(ctx context.Context, id int64) (model.QueueMessage, error)
	List(ctx context.Context, f ListFilter) ([]model.QueueMessage, error)
	Counts(ctx context.Context) (map[model.Status]int64, error)
	SentSince(ctx context.Context, since time.Time) ([]time.Time, error)
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)
	PruneDedup(ctx context.Context, before time.Time) (int64, error)
}

type TemplateRepository interface {
	// ListScheduled returns active templates with scheduling enabled.
	ListScheduled(ctx context.Context) ([]model.Template, error)
	// Default returns the default active template of a type, falling back to
	// the oldest active one.
	Default(ctx context.Context, t model.TemplateType) (model.Template, error)
}

type ClientDirectory interface {
	ListClients(ctx context.Context) ([]model.Client, error)
	GetClient(ctx context.Context, id string) (model.Client, error)
}

type RateLimitRepository interface {
	RateLimit(ctx context.Context) (model.RateLimitConfig, error)
	SaveRateLimit(ctx context.Context, cfg model.RateLimitConfig) error
}

func transitionError(id int64, current model.Status) error {
	return fmt.Errorf("%w: message %d is %s", ErrInvalidTransition, id, current)
}
