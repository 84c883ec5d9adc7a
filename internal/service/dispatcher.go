package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/reseller-notifier/internal/clock"
	"github.com/LeventeLantos/reseller-notifier/internal/model"
	"github.com/LeventeLantos/reseller-notifier/internal/repo"
)

type SendClient interface {
	Send(ctx context.Context, phoneNumber, message string) (remoteMessageID string, err error)
}

// Pacer blocks until the next send is permitted.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Throttle is implemented by pacers that can hold every send back until a
// moment the transport asked for.
type Throttle interface {
	Pause(until time.Time)
}

// retryDelayer is implemented by transport errors that carry a backoff hint
// from the provider, such as an HTTP Retry-After.
type retryDelayer interface {
	RetryDelay() time.Duration
}

const (
	storeAttempts = 3
	storeBackoff  = 200 * time.Millisecond
)

type DispatcherConfig struct {
	SendTimeout time.Duration
	ContentMax  int
}

// Dispatcher drains the queue one message at a time: claim, wait for the
// rate limiter, send, record the outcome.
type Dispatcher struct {
	queue   repo.QueueRepository
	client  SendClient
	pacer   Pacer
	clock   clock.Clock
	timeout time.Duration
	max     int

	// one drain at a time
	mu sync.Mutex

	onSent   func(ctx context.Context, internalID int64, remoteMessageID string, sentAt time.Time) error
	onFailed func(ctx context.Context, internalID int64, reason string, status model.Status) error
}

func NewDispatcher(q repo.QueueRepository, client SendClient, pacer Pacer, clk clock.Clock, cfg DispatcherConfig) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:   q,
		client:  client,
		pacer:   pacer,
		clock:   clk,
		timeout: cfg.SendTimeout,
		max:     cfg.ContentMax,
	}
}

func (d *Dispatcher) WithHooks(
	onSent func(ctx context.Context, internalID int64, remoteMessageID string, sentAt time.Time) error,
	onFailed func(ctx context.Context, internalID int64, reason string, status model.Status) error,
) *Dispatcher {
	d.onSent = onSent
	d.onFailed = onFailed
	return d
}

type DrainResult struct {
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

func (r DrainResult) Total() int { return r.Sent + r.Retried + r.Failed }

// Drain processes due messages until none is left or ctx ends. A send
// failure that leaves the message pending ends the pass, so a transport
// outage costs one attempt per pass rather than all of them at once. A
// cancelled ctx is not an error: a claimed but unsent message is released.
func (d *Dispatcher) Drain(ctx context.Context) (DrainResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var res DrainResult
	for {
		if ctx.Err() != nil {
			return res, nil
		}
		retried := res.Retried
		processed, err := d.processNext(ctx, &res)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, nil
			}
			return res, err
		}
		if !processed || res.Retried > retried {
			return res, nil
		}
	}
}

func (d *Dispatcher) processNext(ctx context.Context, res *DrainResult) (bool, error) {
	m, err := d.queue.ClaimNext(ctx, d.clock.Now())
	if err != nil {
		return false, fmt.Errorf("claim next: %w", err)
	}
	if m == nil {
		return false, nil
	}

	// state changes must land even when ctx is being cancelled
	store := context.WithoutCancel(ctx)

	if d.max > 0 && utf8.RuneCountInString(m.Message) > d.max {
		d.fail(store, m, fmt.Sprintf("content exceeds %d chars", d.max), res)
		return true, nil
	}

	if err := d.pacer.Wait(ctx); err != nil {
		if rerr := d.queue.Release(store, m.ID, d.clock.Now()); rerr != nil {
			slog.Error("release after cancelled wait failed", "message_id", m.ID, "err", rerr)
		}
		return false, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	remoteID, err := d.client.Send(sendCtx, m.Phone, m.Message)
	cancel()
	if err != nil {
		d.throttle(err)
		d.fail(store, m, err.Error(), res)
		return true, nil
	}

	sentAt := d.clock.Now()
	err = d.persist(m.ID, "mark sent", func() error {
		return d.queue.MarkSent(store, m.ID, sentAt, remoteID)
	})
	if err != nil {
		return false, fmt.Errorf("mark sent %d: %w", m.ID, err)
	}
	res.Sent++
	slog.Info("message sent", "message_id", m.ID, "client_id", m.ClientID, "remote_id", remoteID)

	if d.onSent != nil {
		if err := d.onSent(store, m.ID, remoteID, sentAt); err != nil {
			slog.Warn("onSent hook failed", "message_id", m.ID, "err", err)
		}
	}
	return true, nil
}

func (d *Dispatcher) fail(ctx context.Context, m *model.QueueMessage, reason string, res *DrainResult) {
	var status model.Status
	err := d.persist(m.ID, "mark attempt failed", func() error {
		var err error
		status, err = d.queue.MarkAttemptFailed(ctx, m.ID, reason, d.clock.Now())
		return err
	})
	if err != nil {
		slog.Error("mark attempt failed", "message_id", m.ID, "err", err)
		return
	}

	if status == model.Failed {
		res.Failed++
		slog.Warn("message failed permanently", "message_id", m.ID, "attempts", m.Attempts+1, "reason", reason)
	} else {
		res.Retried++
		slog.Info("message send failed, will retry", "message_id", m.ID, "attempts", m.Attempts+1, "reason", reason)
	}

	if d.onFailed != nil {
		if err := d.onFailed(ctx, m.ID, reason, status); err != nil {
			slog.Warn("onFailed hook failed", "message_id", m.ID, "err", err)
		}
	}
}

// persist retries a state write that follows a transport call. When every
// try fails the row stays processing until Recover requeues it on the next
// start, and the message may then be sent again.
func (d *Dispatcher) persist(id int64, op string, write func() error) error {
	backoff := storeBackoff
	var err error
	for i := 1; i <= storeAttempts; i++ {
		err = write()
		if err == nil || errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrInvalidTransition) {
			return err
		}
		slog.Warn("queue state write failed", "op", op, "message_id", id, "try", i, "err", err)
		if i < storeAttempts {
			<-d.clock.After(backoff)
			backoff *= 2
		}
	}
	return err
}

// throttle passes a provider backoff hint on to the pacer.
func (d *Dispatcher) throttle(err error) {
	var rd retryDelayer
	if !errors.As(err, &rd) || rd.RetryDelay() <= 0 {
		return
	}
	t, ok := d.pacer.(Throttle)
	if !ok {
		return
	}
	until := d.clock.Now().Add(rd.RetryDelay())
	t.Pause(until)
	slog.Warn("transport asked to back off", "until", until)
}
