package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/reseller-notifier/internal/cache"
	"github.com/LeventeLantos/reseller-notifier/internal/clock"
	"github.com/LeventeLantos/reseller-notifier/internal/model"
	"github.com/LeventeLantos/reseller-notifier/internal/repo"
	"github.com/LeventeLantos/reseller-notifier/internal/service"
)

const (
	markerTTL      = 48 * time.Hour
	dedupRetention = 7 * 24 * time.Hour
)

// Pruner drops dedup keys older than a cutoff.
type Pruner interface {
	PruneDedup(ctx context.Context, before time.Time) (int64, error)
}

type SweeperConfig struct {
	Location *time.Location
	// Tolerance is how far from scheduled_time a sweep may run and still
	// fire the template. Half the sweep interval on each side covers every
	// instant exactly once.
	Tolerance time.Duration
}

// Sweeper fires scheduled templates: on each sweep it finds the templates
// whose weekday and time match now and enqueues them for every eligible
// client.
type Sweeper struct {
	templates repo.TemplateRepository
	clients   repo.ClientDirectory
	enqueuer  *service.Enqueuer
	markers   cache.Markers
	pruner    Pruner
	clock     clock.Clock
	loc       *time.Location
	tolerance time.Duration
}

func NewSweeper(
	templates repo.TemplateRepository,
	clients repo.ClientDirectory,
	enqueuer *service.Enqueuer,
	markers cache.Markers,
	pruner Pruner,
	clk clock.Clock,
	cfg SweeperConfig,
) *Sweeper {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Sweeper{
		templates: templates,
		clients:   clients,
		enqueuer:  enqueuer,
		markers:   markers,
		pruner:    pruner,
		clock:     clk,
		loc:       cfg.Location,
		tolerance: cfg.Tolerance,
	}
}

type SweepResult struct {
	Templates  int `json:"templates"`
	Fired      int `json:"fired"`
	Enqueued   int `json:"enqueued"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// Sweep evaluates every active scheduled template once. Bad data for a
// single template or client is logged and skipped; only a failure to read
// the template list aborts the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now().In(s.loc)
	day := now.Format(model.DateLayout)

	templates, err := s.templates.ListScheduled(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list scheduled templates: %w", err)
	}

	var res SweepResult
	var clients []model.Client
	loaded := false

	for _, tpl := range templates {
		res.Templates++
		if err := tpl.Validate(); err != nil {
			slog.Warn("skipping invalid scheduled template", "template_id", tpl.ID, "err", err)
			continue
		}
		if !sweepable(tpl.Type) {
			slog.Debug("scheduled template type is event driven, not swept", "template_id", tpl.ID, "type", tpl.Type)
			continue
		}
		if !s.due(tpl, now) {
			continue
		}
		marker := fmt.Sprintf("sweep:%d:%s", tpl.ID, day)
		if s.marked(ctx, marker) {
			continue
		}
		res.Fired++

		if !loaded {
			clients, err = s.clients.ListClients(ctx)
			if err != nil {
				return res, fmt.Errorf("list clients: %w", err)
			}
			loaded = true
		}

		// The marker is only set once every eligible client was handled, so
		// a failed or interrupted pass is picked up by the next tick.
		complete := true
		for _, c := range clients {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			ok, err := s.eligible(tpl, c, now)
			if err != nil {
				res.Skipped++
				slog.Warn("skipping client", "client_id", c.ID, "template_id", tpl.ID, "err", err)
				continue
			}
			if !ok {
				continue
			}

			m, created, err := s.enqueuer.EnqueueTemplate(ctx, c, tpl, nil)
			if err != nil {
				res.Skipped++
				complete = false
				slog.Warn("enqueue failed", "client_id", c.ID, "template_id", tpl.ID, "err", err)
				continue
			}
			if created {
				res.Enqueued++
				slog.Info("scheduled message enqueued",
					"template_id", tpl.ID, "type", tpl.Type, "client_id", c.ID, "message_id", m.ID)
			} else {
				res.Duplicates++
			}
		}
		if complete {
			s.mark(ctx, marker)
		}
	}

	s.pruneDaily(ctx, now, day)
	return res, nil
}

// due reports whether now falls on one of the template's weekdays and
// within tolerance of its time of day.
func (s *Sweeper) due(tpl model.Template, now time.Time) bool {
	if !tpl.ScheduledDays.Contains(now.Weekday()) {
		return false
	}
	diff := now.Sub(tpl.ScheduledTime.On(now))
	if diff < 0 {
		diff = -diff
	}
	return diff <= s.tolerance
}

func sweepable(t model.TemplateType) bool {
	_, ok := t.RenewalOffset()
	return ok || t == model.TypeCustom
}

// marked reports whether key was already set today. A cache error counts
// as unset; the dedup keys still hold.
func (s *Sweeper) marked(ctx context.Context, key string) bool {
	if s.markers == nil {
		return false
	}
	set, err := s.markers.Marked(ctx, key)
	if err != nil {
		slog.Warn("sweep marker unavailable", "key", key, "err", err)
		return false
	}
	return set
}

func (s *Sweeper) mark(ctx context.Context, key string) {
	if s.markers == nil {
		return
	}
	if _, err := s.markers.MarkOnce(ctx, key, markerTTL); err != nil {
		slog.Warn("sweep marker not stored", "key", key, "err", err)
	}
}

// eligible decides whether c receives tpl today. Renewal-relative types
// match on the day count to the renewal date; custom templates go to every
// client.
func (s *Sweeper) eligible(tpl model.Template, c model.Client, now time.Time) (bool, error) {
	if offset, ok := tpl.Type.RenewalOffset(); ok {
		renewal, err := c.Renewal(s.loc)
		if err != nil {
			return false, err
		}
		if model.DaysBetween(now, renewal) != offset {
			return false, nil
		}
	}
	if c.Phone == "" {
		return false, fmt.Errorf("client %s has no phone", c.ID)
	}
	return true, nil
}

func (s *Sweeper) pruneDaily(ctx context.Context, now time.Time, day string) {
	key := "prune:" + day
	if s.pruner == nil || s.marked(ctx, key) {
		return
	}
	n, err := s.pruner.PruneDedup(ctx, now.Add(-dedupRetention))
	if err != nil {
		slog.Warn("dedup prune failed", "err", err)
		return
	}
	s.mark(ctx, key)
	if n > 0 {
		slog.Info("dedup keys pruned", "count", n)
	}
}
