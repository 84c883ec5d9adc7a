// Package scheduler runs the periodic work of the notifier: the template
// sweep and the dispatch drain.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop calls tickFn once on Start, then every interval and whenever
// Trigger is called, until Stop.
type Loop struct {
	name     string
	interval time.Duration
	tickFn   func(context.Context)

	running atomic.Bool
	wake    chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	statsMu  sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	ticks    int64
}

func New(name string, interval time.Duration, tickFn func(context.Context)) (*Loop, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Loop{
		name:     name,
		interval: interval,
		tickFn:   tickFn,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

func (l *Loop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running.Store(true)

	go func() {
		defer close(l.done)

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		slog.Info("loop started", "loop", l.name, "interval", l.interval.String())

		l.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("loop stopping", "loop", l.name)
				return
			case <-ticker.C:
				l.safeTick(ctx)
			case <-l.wake:
				l.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the tick context and waits for the current tick to return.
func (l *Loop) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running.Load() {
		return false
	}

	l.cancel()
	<-l.done
	l.running.Store(false)

	slog.Info("loop stopped", "loop", l.name)
	return true
}

func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

// Trigger asks a running loop for an extra tick. Requests made while a tick
// is in progress collapse into one. It reports false when the loop is
// stopped.
func (l *Loop) Trigger() bool {
	if !l.running.Load() {
		return false
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

type Status struct {
	Name         string     `json:"name"`
	Running      bool       `json:"running"`
	Interval     string     `json:"interval"`
	Ticks        int64      `json:"ticks"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
}

func (l *Loop) Status() Status {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	st := Status{
		Name:     l.name,
		Running:  l.running.Load(),
		Interval: l.interval.String(),
		Ticks:    l.ticks,
	}
	if !l.lastRun.IsZero() {
		last := l.lastRun
		st.LastRun = &last
		st.LastDuration = l.lastTook.String()
	}
	return st
}

func (l *Loop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop tick panic recovered", "loop", l.name, "panic", r)
		}
	}()

	start := time.Now()
	defer func() {
		took := time.Since(start)
		l.statsMu.Lock()
		l.lastRun = start
		l.lastTook = took
		l.ticks++
		l.statsMu.Unlock()
		slog.Debug("loop tick completed", "loop", l.name, "duration_ms", took.Milliseconds())
	}()

	l.tickFn(ctx)
}
