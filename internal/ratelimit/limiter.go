// Package ratelimit paces outbound sends for one tenant.
package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/reseller-notifier/internal/clock"
	"github.com/LeventeLantos/reseller-notifier/internal/model"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// ConfigSource yields the current limits. It is consulted on every decision
// so edits apply without a restart.
type ConfigSource interface {
	RateLimit(ctx context.Context) (model.RateLimitConfig, error)
}

// Limiter keeps a sliding log of permitted sends over the last hour. A send
// is permitted only when the trailing minute and hour hold fewer sends than
// their limits and the minimum delay since the previous send has passed.
type Limiter struct {
	source   ConfigSource
	fallback model.RateLimitConfig
	clock    clock.Clock

	mu       sync.Mutex
	sends    []time.Time
	lastGood *model.RateLimitConfig
	paused   time.Time
}

func New(source ConfigSource, fallback model.RateLimitConfig, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		source:   source,
		fallback: fallback,
		clock:    clk,
	}
}

// Seed loads previously permitted send times, typically the sent_at values
// of the last hour read back from the queue after a restart.
func (l *Limiter) Seed(times []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sends = append(l.sends, times...)
	sort.Slice(l.sends, func(i, j int) bool { return l.sends[i].Before(l.sends[j]) })
	l.pruneLocked(l.clock.Now())
}

// Wait blocks until a send is permitted and records it. It returns only
// ctx.Err(); limits never turn into a send failure.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cfg := l.config(ctx)
		delay := l.Reserve(cfg)
		if delay == 0 {
			return nil
		}

		slog.Debug("rate limit wait", "delay", delay.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(delay):
		}
	}
}

// Reserve records a send at the current clock time and returns zero when cfg
// permits one now. Otherwise nothing is recorded and the returned duration is
// the earliest moment all limits would be satisfied.
func (l *Limiter) Reserve(cfg model.RateLimitConfig) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.pruneLocked(now)

	delay := l.delayLocked(now, cfg)
	if delay == 0 {
		l.sends = append(l.sends, now)
	}
	return delay
}

// Delay reports how long a send would have to wait under cfg without
// recording anything.
func (l *Limiter) Delay(cfg model.RateLimitConfig) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.pruneLocked(now)
	return l.delayLocked(now, cfg)
}

// Pause holds every send back until the given moment, on top of the
// configured limits. An earlier moment than the current pause is ignored.
func (l *Limiter) Pause(until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.paused) {
		l.paused = until
	}
}

type Stats struct {
	LastMinute int                   `json:"last_minute"`
	LastHour   int                   `json:"last_hour"`
	LastSend   *time.Time            `json:"last_send,omitempty"`
	PausedTill *time.Time            `json:"paused_until,omitempty"`
	Config     model.RateLimitConfig `json:"config"`
}

func (l *Limiter) Stats(ctx context.Context) Stats {
	cfg := l.config(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.pruneLocked(now)

	st := Stats{
		LastMinute: countSince(l.sends, now.Add(-minuteWindow)),
		LastHour:   len(l.sends),
		Config:     cfg,
	}
	if n := len(l.sends); n > 0 {
		last := l.sends[n-1]
		st.LastSend = &last
	}
	if l.paused.After(now) {
		paused := l.paused
		st.PausedTill = &paused
	}
	return st
}

func (l *Limiter) config(ctx context.Context) model.RateLimitConfig {
	if l.source == nil {
		return l.fallback
	}
	cfg, err := l.source.RateLimit(ctx)
	if err == nil {
		l.mu.Lock()
		l.lastGood = &cfg
		l.mu.Unlock()
		return cfg
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastGood != nil {
		slog.Warn("rate limit config unavailable, using last known", "err", err)
		return *l.lastGood
	}
	return l.fallback
}

func (l *Limiter) delayLocked(now time.Time, cfg model.RateLimitConfig) time.Duration {
	var wait time.Duration

	if d := l.paused.Sub(now); d > wait {
		wait = d
	}
	if n := len(l.sends); n > 0 && cfg.DelayBetweenMessages > 0 {
		if d := l.sends[n-1].Add(cfg.DelayBetweenMessages).Sub(now); d > wait {
			wait = d
		}
	}
	if d := windowDelay(l.sends, now, minuteWindow, cfg.MessagesPerMinute); d > wait {
		wait = d
	}
	if d := windowDelay(l.sends, now, hourWindow, cfg.MessagesPerHour); d > wait {
		wait = d
	}
	return wait
}

// windowDelay returns how long until the trailing window holds fewer than
// limit sends. sends must be sorted ascending.
func windowDelay(sends []time.Time, now time.Time, window time.Duration, limit int) time.Duration {
	if limit <= 0 {
		return 0
	}
	start := now.Add(-window)
	idx := sort.Search(len(sends), func(i int) bool { return sends[i].After(start) })
	inWindow := sends[idx:]
	if len(inWindow) < limit {
		return 0
	}
	// The send that must leave the window before another is allowed.
	oldest := inWindow[len(inWindow)-limit]
	return oldest.Add(window).Sub(now)
}

func countSince(sends []time.Time, start time.Time) int {
	idx := sort.Search(len(sends), func(i int) bool { return sends[i].After(start) })
	return len(sends) - idx
}

func (l *Limiter) pruneLocked(now time.Time) {
	start := now.Add(-hourWindow)
	idx := sort.Search(len(l.sends), func(i int) bool { return l.sends[i].After(start) })
	if idx > 0 {
		l.sends = append(l.sends[:0], l.sends[idx:]...)
	}
}
