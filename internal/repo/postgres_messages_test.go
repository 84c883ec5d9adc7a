package repo

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/reseller-notifier/internal/model"
)

// newPostgresQueue runs against the database in TEST_POSTGRES_URL. Each test
// gets its own tenant, so runs never see each other's rows.
func newPostgresQueue(t *testing.T) *PostgresQueueRepo {
	t.Helper()

	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	db, err := OpenPostgres(ctx, url)
	require.NoError(t, err)

	tenant := "test-" + uuid.NewString()
	t.Cleanup(func() {
		cleanupTenant(db, tenant)
		_ = db.Close()
	})
	return NewPostgresQueueRepo(db, tenant)
}

func cleanupTenant(db *sql.DB, tenant string) {
	ctx := context.Background()
	_, _ = db.ExecContext(ctx, `DELETE FROM queue_messages WHERE tenant_id = $1`, tenant)
	_, _ = db.ExecContext(ctx, `DELETE FROM queue_dedup WHERE tenant_id = $1`, tenant)
}

func pgEnqueue(t *testing.T, q *PostgresQueueRepo, m model.QueueMessage) model.QueueMessage {
	t.Helper()
	stored, created, err := q.Enqueue(context.Background(), m)
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

func TestPostgresQueue_DedupKeyOutlivesDeleteSent(t *testing.T) {
	q := newPostgresQueue(t)
	ctx := context.Background()

	key := model.DedupKey("c1", model.TypeExpires3d, t0)
	m := newMsg("+5511", t0)
	m.DedupKey = &key
	stored := pgEnqueue(t, q, m)
	assert.Equal(t, model.Pending, stored.Status)

	_, created, err := q.Enqueue(ctx, m)
	require.NoError(t, err)
	assert.False(t, created)

	claimed, err := q.ClaimNext(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.MarkSent(ctx, claimed.ID, t0.Add(time.Minute), "wamid-1"))

	n, err := q.DeleteSent(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, created, err = q.Enqueue(ctx, m)
	require.NoError(t, err)
	assert.False(t, created, "deleting the message must not reopen its dedup key")

	pruned, err := q.PruneDedup(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, created, err = q.Enqueue(ctx, m)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestPostgresQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	q := newPostgresQueue(t)
	ctx := context.Background()

	const total = 6
	for i := 0; i < total; i++ {
		pgEnqueue(t, q, newMsg("+55"+string(rune('0'+i)), t0.Add(time.Duration(i)*time.Second)))
	}

	var (
		mu      sync.Mutex
		claimed = map[int64]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, err := q.ClaimNext(ctx, t0.Add(time.Minute))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if m == nil {
					return
				}
				mu.Lock()
				claimed[m.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, total)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "message %d claimed more than once", id)
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(total), counts[model.Processing])
}

func TestPostgresQueue_ClaimOrderAndSchedule(t *testing.T) {
	q := newPostgresQueue(t)
	ctx := context.Background()

	later := t0.Add(time.Hour)
	scheduled := newMsg("+1", t0)
	scheduled.ScheduledAt = &later
	pgEnqueue(t, q, scheduled)
	second := pgEnqueue(t, q, newMsg("+2", t0.Add(2*time.Second)))
	first := pgEnqueue(t, q, newMsg("+3", t0.Add(time.Second)))

	m, err := q.ClaimNext(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, first.ID, m.ID)

	m, err = q.ClaimNext(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, second.ID, m.ID)

	m, err = q.ClaimNext(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, m, "scheduled message is not due yet")

	m, err = q.ClaimNext(ctx, later)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "+1", m.Phone)
}

func TestPostgresQueue_AttemptsAndTransitions(t *testing.T) {
	q := newPostgresQueue(t)
	ctx := context.Background()

	m := newMsg("+5511", t0)
	m.MaxAttempts = 2
	stored := pgEnqueue(t, q, m)

	claim := func() {
		t.Helper()
		got, err := q.ClaimNext(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, stored.ID, got.ID)
	}

	claim()
	st, err := q.MarkAttemptFailed(ctx, stored.ID, "timeout", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.Pending, st)

	claim()
	st, err = q.MarkAttemptFailed(ctx, stored.ID, "timeout", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.Failed, st)

	got, err := q.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "timeout", *got.ErrorMessage)

	require.ErrorIs(t, q.MarkSent(ctx, stored.ID, t0, ""), ErrInvalidTransition)
	_, err = q.MarkAttemptFailed(ctx, 999999999, "x", t0)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, q.Retry(ctx, stored.ID, t0.Add(3*time.Minute)))
	got, err = q.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Pending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.ErrorMessage)

	claim()
	require.NoError(t, q.Release(ctx, stored.ID, t0.Add(4*time.Minute)))
	got, err = q.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Pending, got.Status)
	assert.Zero(t, got.Attempts, "release does not consume an attempt")
}

func TestPostgresQueue_RequeueStaleAndSentSince(t *testing.T) {
	q := newPostgresQueue(t)
	ctx := context.Background()

	a := pgEnqueue(t, q, newMsg("+1", t0))
	pgEnqueue(t, q, newMsg("+2", t0.Add(time.Second)))

	m, err := q.ClaimNext(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, a.ID, m.ID)
	require.NoError(t, q.MarkSent(ctx, a.ID, t0.Add(time.Minute), "r1"))

	_, err = q.ClaimNext(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)

	n, err := q.RequeueStale(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "recently claimed message is not stale")

	n, err = q.RequeueStale(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sent, err := q.SentSince(ctx, t0)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Equal(t0.Add(time.Minute)))
}
