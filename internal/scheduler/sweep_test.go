package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/reseller-notifier/internal/cache"
	"github.com/LeventeLantos/reseller-notifier/internal/clock"
	"github.com/LeventeLantos/reseller-notifier/internal/model"
	"github.com/LeventeLantos/reseller-notifier/internal/repo"
	"github.com/LeventeLantos/reseller-notifier/internal/service"
)

// Monday 09:00
var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clk       *clock.Fake
	queue     *repo.MemoryQueue
	templates *repo.MemoryTemplates
	clients   *repo.MemoryClients
	sweeper   *Sweeper
}

func newFixture(t *testing.T, markers cache.Markers, loc *time.Location) *fixture {
	t.Helper()

	clk := clock.NewFake(t0)
	f := &fixture{
		clk:       clk,
		queue:     repo.NewMemoryQueue("t1"),
		templates: repo.NewMemoryTemplates(),
		clients:   repo.NewMemoryClients(),
	}
	enq := service.NewEnqueuer(f.queue, f.templates, f.clients, clk, service.EnqueuerConfig{Location: loc, MaxAttempts: 3})
	f.sweeper = NewSweeper(f.templates, f.clients, enq, markers, f.queue, clk, SweeperConfig{
		Location:  loc,
		Tolerance: 30 * time.Second,
	})
	return f
}

func scheduled(t *testing.T, typ model.TemplateType, days, at, text string) model.Template {
	t.Helper()
	set, err := model.ParseWeekdayList(days)
	require.NoError(t, err)
	tod, err := model.ParseTimeOfDay(at)
	require.NoError(t, err)
	return model.Template{
		Type:          typ,
		Message:       text,
		IsActive:      true,
		IsScheduled:   true,
		ScheduledDays: set,
		ScheduledTime: &tod,
	}
}

func pending(t *testing.T, q *repo.MemoryQueue) []model.QueueMessage {
	t.Helper()
	st := model.Pending
	list, err := q.List(context.Background(), repo.ListFilter{Status: &st})
	require.NoError(t, err)
	return list
}

func TestSweep_ExpiresIn3DaysFiresOncePerDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, cache.NewMemoryCache(time.Hour, nil), time.UTC)
	f.templates.Save(scheduled(t, model.TypeExpires3d, "mon", "09:00", "{{client_name}}, your plan ends {{renewal_date}}"))
	f.clients.Put(model.Client{ID: "c1", Name: "Ana", Phone: "5511900000001", RenewalDate: "2026-03-05"})
	f.clients.Put(model.Client{ID: "c2", Name: "Bia", Phone: "5511900000002", RenewalDate: "2026-03-06"})

	res, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
	assert.Equal(t, 1, res.Enqueued)

	msgs := pending(t, f.queue)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].ClientID)
	assert.Equal(t, "Ana, your plan ends 05/03/2026", msgs[0].Message)

	// Still inside the tolerance window: the fired marker stops a second run.
	f.clk.Advance(20 * time.Second)
	res, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Fired)

	f.clk.Advance(5 * time.Hour)
	res, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Fired)
	assert.Len(t, pending(t, f.queue), 1)
}

func TestSweep_DedupKeyHoldsWithoutMarkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, time.UTC)
	f.templates.Save(scheduled(t, model.TypeExpiresToday, "1", "09:00", "today"))
	f.clients.Put(model.Client{ID: "c1", Phone: "1", RenewalDate: "2026-03-02"})

	_, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)

	f.clk.Advance(10 * time.Second)
	res, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
	assert.Zero(t, res.Enqueued)
	assert.Equal(t, 1, res.Duplicates)
	assert.Len(t, pending(t, f.queue), 1)
}

func TestSweep_BadClientDataIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, time.UTC)
	f.templates.Save(scheduled(t, model.TypeExpired1d, "monday", "09:00", "expired"))
	f.clients.Put(model.Client{ID: "bad", Phone: "1", RenewalDate: "01/03/2026"})
	f.clients.Put(model.Client{ID: "nophone", RenewalDate: "2026-03-01"})
	f.clients.Put(model.Client{ID: "ok", Phone: "3", RenewalDate: "2026-03-01"})

	res, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Enqueued)

	msgs := pending(t, f.queue)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].ClientID)
}

func TestSweep_ToleranceWindowAndWeekday(t *testing.T) {
	tests := []struct {
		name  string
		at    time.Time
		fires bool
	}{
		{"exact", t0, true},
		{"30s early", t0.Add(-30 * time.Second), true},
		{"30s late", t0.Add(30 * time.Second), true},
		{"31s late", t0.Add(31 * time.Second), false},
		{"one minute early", t0.Add(-time.Minute), false},
		{"tuesday same time", t0.Add(24 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, time.UTC)
			f.templates.Save(scheduled(t, model.TypeCustom, "mon,wed", "09:00", "campaign"))
			f.clients.Put(model.Client{ID: "c1", Phone: "1"})
			f.clk.Set(tt.at)

			res, err := f.sweeper.Sweep(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.fires, res.Fired == 1)
		})
	}
}

func TestSweep_UsesTenantTimezone(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	f := newFixture(t, nil, loc)
	// 09:00 UTC Monday is 06:00 Monday in BRT.
	f.templates.Save(scheduled(t, model.TypeExpires7d, "mon", "06:00", "a week left"))
	f.clients.Put(model.Client{ID: "c1", Phone: "1", RenewalDate: "2026-03-09"})

	res, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	msgs := pending(t, f.queue)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].TemplateType)
	assert.Equal(t, model.TypeExpires7d, *msgs[0].TemplateType)
}

func TestSweep_EventTypesAndInvalidTemplatesAreIgnored(t *testing.T) {
	f := newFixture(t, nil, time.UTC)
	f.templates.Save(scheduled(t, model.TypeWelcome, "mon", "09:00", "hi"))
	broken := scheduled(t, model.TypeExpires3d, "mon", "09:00", "x")
	broken.ScheduledDays = nil
	f.templates.Save(broken)
	f.clients.Put(model.Client{ID: "c1", Phone: "1", RenewalDate: "2026-03-05"})

	res, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Templates)
	assert.Zero(t, res.Fired)
}

type failingTemplates struct{ repo.TemplateRepository }

func (failingTemplates) ListScheduled(context.Context) ([]model.Template, error) {
	return nil, errors.New("db down")
}

func TestSweep_TemplateReadErrorAborts(t *testing.T) {
	f := newFixture(t, nil, time.UTC)
	f.sweeper.templates = failingTemplates{}

	_, err := f.sweeper.Sweep(context.Background())
	assert.Error(t, err)
}

type flakyDirectory struct {
	repo.ClientDirectory
	failures int
}

func (d *flakyDirectory) ListClients(ctx context.Context) ([]model.Client, error) {
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("directory timeout")
	}
	return d.ClientDirectory.ListClients(ctx)
}

func TestSweep_DirectoryErrorIsRetriedOnNextTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, cache.NewMemoryCache(time.Hour, nil), time.UTC)
	f.templates.Save(scheduled(t, model.TypeExpires3d, "mon", "09:00", "three days left"))
	f.clients.Put(model.Client{ID: "c1", Phone: "1", RenewalDate: "2026-03-05"})
	f.sweeper.clients = &flakyDirectory{ClientDirectory: f.clients, failures: 1}

	_, err := f.sweeper.Sweep(ctx)
	require.Error(t, err)
	assert.Empty(t, pending(t, f.queue))

	f.clk.Advance(10 * time.Second)
	res, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
	assert.Equal(t, 1, res.Enqueued)

	msgs := pending(t, f.queue)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].ClientID)

	// Completed now, so the rest of the window is quiet.
	f.clk.Advance(10 * time.Second)
	res, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Fired)
}

type flakyEnqueue struct {
	*repo.MemoryQueue
	failures int
}

func (q *flakyEnqueue) Enqueue(ctx context.Context, m model.QueueMessage) (model.QueueMessage, bool, error) {
	if q.failures > 0 {
		q.failures--
		return model.QueueMessage{}, false, errors.New("connection reset")
	}
	return q.MemoryQueue.Enqueue(ctx, m)
}

func TestSweep_EnqueueErrorLeavesTemplateUnmarked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, cache.NewMemoryCache(time.Hour, nil), time.UTC)
	f.templates.Save(scheduled(t, model.TypeExpiresToday, "mon", "09:00", "renews today"))
	f.clients.Put(model.Client{ID: "c1", Phone: "1", RenewalDate: "2026-03-02"})
	f.clients.Put(model.Client{ID: "c2", Phone: "2", RenewalDate: "2026-03-02"})

	q := &flakyEnqueue{MemoryQueue: f.queue, failures: 1}
	f.sweeper.enqueuer = service.NewEnqueuer(q, f.templates, f.clients, f.clk, service.EnqueuerConfig{Location: time.UTC, MaxAttempts: 3})

	res, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, res.Skipped)

	f.clk.Advance(10 * time.Second)
	res, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, res.Duplicates)
	assert.Len(t, pending(t, f.queue), 2)
}
