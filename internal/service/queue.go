package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/reseller-notifier/internal/clock"
	"github.com/LeventeLantos/reseller-notifier/internal/model"
	"github.com/LeventeLantos/reseller-notifier/internal/repo"
)

// Trigger wakes a running loop early. It reports false when the loop is not
// running.
type Trigger interface {
	Trigger() bool
}

// Queue holds the operator actions on the message queue.
type Queue struct {
	store      repo.QueueRepository
	dispatcher *Dispatcher
	trigger    Trigger
	clock      clock.Clock
	background context.Context
}

func NewQueue(store repo.QueueRepository, d *Dispatcher, trigger Trigger, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Queue{
		store:      store,
		dispatcher: d,
		trigger:    trigger,
		clock:      clk,
		background: context.Background(),
	}
}

// WithBackground sets the context out-of-band drains run under, normally
// the process root context so shutdown stops them.
func (q *Queue) WithBackground(ctx context.Context) *Queue {
	q.background = ctx
	return q
}

func (q *Queue) List(ctx context.Context, f repo.ListFilter) ([]model.QueueMessage, error) {
	return q.store.List(ctx, f)
}

func (q *Queue) Get(ctx context.Context, id int64) (model.QueueMessage, error) {
	return q.store.Get(ctx, id)
}

// Stats returns a count for every status, zero included.
func (q *Queue) Stats(ctx context.Context) (map[model.Status]int64, error) {
	counts, err := q.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Status]int64, len(model.Statuses))
	for _, s := range model.Statuses {
		out[s] = counts[s]
	}
	return out, nil
}

// Retry puts a failed or pending message back to pending with a fresh
// attempt budget and wakes the dispatch loop.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	if err := q.store.Retry(ctx, id, q.clock.Now()); err != nil {
		return err
	}
	slog.Info("message retry requested", "message_id", id)
	if q.trigger != nil {
		q.trigger.Trigger()
	}
	return nil
}

func (q *Queue) Delete(ctx context.Context, id int64) error {
	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("message deleted", "message_id", id)
	return nil
}

func (q *Queue) DeleteSent(ctx context.Context) (int64, error) {
	n, err := q.store.DeleteSent(ctx)
	if err != nil {
		return 0, err
	}
	slog.Info("sent messages deleted", "count", n)
	return n, nil
}

// ForceProcess starts an extra drain pass and returns an id to correlate
// its log lines. It never cancels a send already in flight, and the rate
// limiter still applies.
func (q *Queue) ForceProcess(ctx context.Context) string {
	runID := uuid.NewString()

	if q.trigger != nil && q.trigger.Trigger() {
		slog.Info("force process: dispatch loop triggered", "run_id", runID)
		return runID
	}

	slog.Info("force process: background drain started", "run_id", runID)
	go func() {
		start := time.Now()
		res, err := q.dispatcher.Drain(q.background)
		if err != nil {
			slog.Error("force process drain failed", "run_id", runID, "err", err)
			return
		}
		slog.Info("force process drain completed",
			"run_id", runID,
			"sent", res.Sent,
			"retried", res.Retried,
			"failed", res.Failed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()
	return runID
}

// Recover prepares the queue after a restart: messages stuck in processing
// longer than staleAfter go back to pending, and the sent_at values of the
// last hour are returned for seeding the rate limiter.
func (q *Queue) Recover(ctx context.Context, staleAfter time.Duration) ([]time.Time, error) {
	now := q.clock.Now()
	n, err := q.store.RequeueStale(ctx, now.Add(-staleAfter))
	if err != nil {
		return nil, err
	}
	if n > 0 {
		slog.Warn("requeued stale processing messages", "count", n)
	}
	return q.store.SentSince(ctx, now.Add(-time.Hour))
}
