package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/reseller-notifier/internal/clock"
	"github.com/LeventeLantos/reseller-notifier/internal/model"
	"github.com/LeventeLantos/reseller-notifier/internal/repo"
	"github.com/LeventeLantos/reseller-notifier/internal/template"
)

var ErrInvalidInput = errors.New("invalid input")

// Enqueuer renders templates and writes messages to the queue. Rendering
// happens here, once; the dispatcher only ever sees final text.
type Enqueuer struct {
	queue       repo.QueueRepository
	templates   repo.TemplateRepository
	clients     repo.ClientDirectory
	clock       clock.Clock
	loc         *time.Location
	maxAttempts int
}

type EnqueuerConfig struct {
	Location    *time.Location
	MaxAttempts int
}

func NewEnqueuer(q repo.QueueRepository, t repo.TemplateRepository, c repo.ClientDirectory, clk clock.Clock, cfg EnqueuerConfig) *Enqueuer {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Enqueuer{
		queue:       q,
		templates:   t,
		clients:     c,
		clock:       clk,
		loc:         cfg.Location,
		maxAttempts: cfg.MaxAttempts,
	}
}

// EnqueueTemplate renders tpl for c and enqueues it under the daily dedup
// key. created is false when the same client already got this template type
// (or, for custom campaigns, this template) today.
func (e *Enqueuer) EnqueueTemplate(ctx context.Context, c model.Client, tpl model.Template, extra map[string]string) (model.QueueMessage, bool, error) {
	day := e.clock.Now().In(e.loc)
	key := model.DedupKey(c.ID, tpl.Type, day)
	if tpl.Type == model.TypeCustom {
		key = model.CampaignDedupKey(c.ID, tpl.ID, day)
	}
	return e.enqueue(ctx, c, tpl, extra, key)
}

func (e *Enqueuer) enqueue(ctx context.Context, c model.Client, tpl model.Template, extra map[string]string, key string) (model.QueueMessage, bool, error) {
	if c.Phone == "" {
		return model.QueueMessage{}, false, fmt.Errorf("%w: client %s has no phone", ErrInvalidInput, c.ID)
	}

	vars := template.ClientVars(c)
	for k, v := range extra {
		vars[k] = v
	}
	text := template.Render(tpl.Message, vars)
	if unbound := template.Unbound(tpl.Message, vars); len(unbound) > 0 {
		slog.Warn("template rendered with unbound placeholders",
			"template_id", tpl.ID, "client_id", c.ID, "unbound", unbound)
	}

	now := e.clock.Now()
	typ := tpl.Type

	return e.queue.Enqueue(ctx, model.QueueMessage{
		ClientID:     c.ID,
		ClientName:   c.Name,
		Phone:        c.Phone,
		Message:      text,
		TemplateType: &typ,
		DedupKey:     &key,
		MaxAttempts:  e.maxAttempts,
		CreatedAt:    now,
	})
}

// EnqueueEvent is the entry point for business events (client created,
// invoice generated, invoice paid). It bypasses the daily sweep. Events that
// carry an invoice are deduplicated per invoice, so two invoices on the same
// day both reach the client.
func (e *Enqueuer) EnqueueEvent(ctx context.Context, clientID string, typ model.TemplateType, inv *model.Invoice) (model.QueueMessage, bool, error) {
	c, err := e.clients.GetClient(ctx, clientID)
	if err != nil {
		return model.QueueMessage{}, false, err
	}
	tpl, err := e.templates.Default(ctx, typ)
	if err != nil {
		return model.QueueMessage{}, false, err
	}

	day := e.clock.Now().In(e.loc)
	key := model.DedupKey(c.ID, typ, day)
	var extra map[string]string
	if inv != nil {
		extra = template.InvoiceVars(nil, *inv)
		if inv.ID != "" {
			key = model.InvoiceDedupKey(c.ID, typ, inv.ID, day)
		}
	}

	m, created, err := e.enqueue(ctx, c, tpl, extra, key)
	if err != nil {
		return model.QueueMessage{}, false, err
	}
	if created {
		slog.Info("event message enqueued", "type", typ, "client_id", clientID, "message_id", m.ID)
	} else {
		slog.Info("event message suppressed as duplicate", "type", typ, "client_id", clientID)
	}
	return m, created, nil
}

type ManualMessage struct {
	ClientID    string     `json:"client_id"`
	Phone       string     `json:"phone"`
	Name        string     `json:"name"`
	Message     string     `json:"message"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// EnqueueManual queues operator-written text. When a client id is given the
// text may use client placeholders. Manual sends are never deduplicated.
func (e *Enqueuer) EnqueueManual(ctx context.Context, in ManualMessage) (model.QueueMessage, error) {
	if in.Message == "" {
		return model.QueueMessage{}, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}

	text := in.Message
	if in.ClientID != "" {
		c, err := e.clients.GetClient(ctx, in.ClientID)
		if err != nil {
			return model.QueueMessage{}, err
		}
		if in.Phone == "" {
			in.Phone = c.Phone
		}
		if in.Name == "" {
			in.Name = c.Name
		}
		text = template.Render(text, template.ClientVars(c))
	}
	if in.Phone == "" {
		return model.QueueMessage{}, fmt.Errorf("%w: phone is required", ErrInvalidInput)
	}

	m, _, err := e.queue.Enqueue(ctx, model.QueueMessage{
		ClientID:    in.ClientID,
		ClientName:  in.Name,
		Phone:       in.Phone,
		Message:     text,
		MaxAttempts: e.maxAttempts,
		ScheduledAt: in.ScheduledAt,
		CreatedAt:   e.clock.Now(),
	})
	if err != nil {
		return model.QueueMessage{}, err
	}
	slog.Info("manual message enqueued", "message_id", m.ID, "client_id", in.ClientID)
	return m, nil
}
