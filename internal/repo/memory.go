package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/reseller-notifier/internal/model"
)

// MemoryQueue is an in-process QueueRepository. It backs tests and runs the
// service when no database is configured; its content does not survive a
// restart.
type MemoryQueue struct {
	tenantID string

	mu     sync.Mutex
	nextID int64
	msgs   map[int64]*model.QueueMessage
	dedup  map[string]time.Time
}

var _ QueueRepository = (*MemoryQueue)(nil)

func NewMemoryQueue(tenantID string) *MemoryQueue {
	return &MemoryQueue{
		tenantID: tenantID,
		msgs:     make(map[int64]*model.QueueMessage),
		dedup:    make(map[string]time.Time),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, m model.QueueMessage) (model.QueueMessage, bool, error) {
	if err := validateNew(m); err != nil {
		return model.QueueMessage{}, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if m.DedupKey != nil {
		if _, seen := q.dedup[*m.DedupKey]; seen {
			return model.QueueMessage{}, false, nil
		}
		q.dedup[*m.DedupKey] = m.CreatedAt
	}

	q.nextID++
	m.ID = q.nextID
	m.TenantID = q.tenantID
	m.Status = model.Pending
	m.Attempts = 0
	m.SentAt = nil
	m.ErrorMessage = nil
	m.RemoteMessageID = nil
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	stored := m
	q.msgs[m.ID] = &stored
	return clone(stored), true, nil
}

func (q *MemoryQueue) ClaimNext(ctx context.Context, now time.Time) (*model.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next *model.QueueMessage
	for _, m := range q.msgs {
		if !m.Due(now) {
			continue
		}
		if next == nil || older(m, next) {
			next = m
		}
	}
	if next == nil {
		return nil, nil
	}

	next.Status = model.Processing
	next.UpdatedAt = now
	out := clone(*next)
	return &out, nil
}

func (q *MemoryQueue) MarkSent(ctx context.Context, id int64, sentAt time.Time, remoteMessageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.processingLocked(id)
	if err != nil {
		return err
	}
	m.Status = model.Sent
	m.Attempts++
	m.SentAt = &sentAt
	m.ErrorMessage = nil
	m.UpdatedAt = sentAt
	if remoteMessageID != "" {
		m.RemoteMessageID = &remoteMessageID
	}
	return nil
}

func (q *MemoryQueue) MarkAttemptFailed(ctx context.Context, id int64, reason string, at time.Time) (model.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.processingLocked(id)
	if err != nil {
		return "", err
	}
	m.Attempts++
	m.ErrorMessage = &reason
	m.UpdatedAt = at
	if m.Attempts >= m.MaxAttempts {
		m.Status = model.Failed
	} else {
		m.Status = model.Pending
	}
	return m.Status, nil
}

func (q *MemoryQueue) Release(ctx context.Context, id int64, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.processingLocked(id)
	if err != nil {
		return err
	}
	m.Status = model.Pending
	m.UpdatedAt = at
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, id int64, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.msgs[id]
	if !ok {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if m.Status != model.Failed && m.Status != model.Pending {
		return transitionError(id, m.Status)
	}
	m.Status = model.Pending
	m.Attempts = 0
	m.ErrorMessage = nil
	m.ScheduledAt = nil
	m.UpdatedAt = at
	return nil
}

func (q *MemoryQueue) Delete(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.msgs[id]; !ok {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	delete(q.msgs, id)
	return nil
}

func (q *MemoryQueue) DeleteSent(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for id, m := range q.msgs {
		if m.Status == model.Sent {
			delete(q.msgs, id)
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Get(ctx context.Context, id int64) (model.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.msgs[id]
	if !ok {
		return model.QueueMessage{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return clone(*m), nil
}

// List returns newest messages first.
func (q *MemoryQueue) List(ctx context.Context, f ListFilter) ([]model.QueueMessage, error) {
	f = f.normalized()

	q.mu.Lock()
	defer q.mu.Unlock()

	var all []model.QueueMessage
	for _, m := range q.msgs {
		if f.Status != nil && m.Status != *f.Status {
			continue
		}
		all = append(all, clone(*m))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	if f.Offset >= len(all) {
		return []model.QueueMessage{}, nil
	}
	end := f.Offset + f.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[f.Offset:end], nil
}

func (q *MemoryQueue) Counts(ctx context.Context) (map[model.Status]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[model.Status]int64, len(model.Statuses))
	for _, s := range model.Statuses {
		out[s] = 0
	}
	for _, m := range q.msgs {
		out[m.Status]++
	}
	return out, nil
}

func (q *MemoryQueue) SentSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []time.Time
	for _, m := range q.msgs {
		if m.Status == model.Sent && m.SentAt != nil && m.SentAt.After(since) {
			out = append(out, *m.SentAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (q *MemoryQueue) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for _, m := range q.msgs {
		if m.Status == model.Processing && m.UpdatedAt.Before(olderThan) {
			m.Status = model.Pending
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) PruneDedup(ctx context.Context, before time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for k, at := range q.dedup {
		if at.Before(before) {
			delete(q.dedup, k)
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) processingLocked(id int64) (*model.QueueMessage, error) {
	m, ok := q.msgs[id]
	if !ok {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if m.Status != model.Processing {
		return nil, transitionError(id, m.Status)
	}
	return m, nil
}

func older(a, b *model.QueueMessage) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func clone(m model.QueueMessage) model.QueueMessage {
	out := m
	if m.TemplateType != nil {
		t := *m.TemplateType
		out.TemplateType = &t
	}
	if m.DedupKey != nil {
		k := *m.DedupKey
		out.DedupKey = &k
	}
	if m.ScheduledAt != nil {
		t := *m.ScheduledAt
		out.ScheduledAt = &t
	}
	if m.SentAt != nil {
		t := *m.SentAt
		out.SentAt = &t
	}
	if m.ErrorMessage != nil {
		s := *m.ErrorMessage
		out.ErrorMessage = &s
	}
	if m.RemoteMessageID != nil {
		s := *m.RemoteMessageID
		out.RemoteMessageID = &s
	}
	return out
}

func validateNew(m model.QueueMessage) error {
	if m.Phone == "" {
		return errors.New("phone must not be empty")
	}
	if m.Message == "" {
		return errors.New("message must not be empty")
	}
	if m.MaxAttempts <= 0 {
		return errors.New("max_attempts must be > 0")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("created_at must be set")
	}
	return nil
}

// MemoryTemplates is an in-process TemplateRepository.
type MemoryTemplates struct {
	mu        sync.RWMutex
	templates []model.Template
	nextID    int64
}

var _ TemplateRepository = (*MemoryTemplates)(nil)

func NewMemoryTemplates(seed ...model.Template) *MemoryTemplates {
	r := &MemoryTemplates{}
	for _, t := range seed {
		r.Save(t)
	}
	return r
}

// Save stores t, assigning an id when it has none, and keeps at most one
// default per type.
func (r *MemoryTemplates) Save(t model.Template) model.Template {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.ID == 0 {
		r.nextID++
		t.ID = r.nextID
	} else if t.ID > r.nextID {
		r.nextID = t.ID
	}
	if t.IsDefault {
		for i := range r.templates {
			if r.templates[i].Type == t.Type {
				r.templates[i].IsDefault = false
			}
		}
	}
	for i := range r.templates {
		if r.templates[i].ID == t.ID {
			r.templates[i] = t
			return t
		}
	}
	r.templates = append(r.templates, t)
	return t
}

func (r *MemoryTemplates) ListScheduled(ctx context.Context) ([]model.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Template
	for _, t := range r.templates {
		if t.IsActive && t.IsScheduled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *MemoryTemplates) Default(ctx context.Context, typ model.TemplateType) (model.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fallback *model.Template
	for i := range r.templates {
		t := &r.templates[i]
		if t.Type != typ || !t.IsActive {
			continue
		}
		if t.IsDefault {
			return *t, nil
		}
		if fallback == nil || t.ID < fallback.ID {
			fallback = t
		}
	}
	if fallback == nil {
		return model.Template{}, fmt.Errorf("template %s: %w", typ, ErrNotFound)
	}
	return *fallback, nil
}

// MemoryClients is an in-process ClientDirectory.
type MemoryClients struct {
	mu      sync.RWMutex
	clients map[string]model.Client
}

var _ ClientDirectory = (*MemoryClients)(nil)

func NewMemoryClients(clients ...model.Client) *MemoryClients {
	d := &MemoryClients{clients: make(map[string]model.Client)}
	for _, c := range clients {
		d.Put(c)
	}
	return d
}

func (d *MemoryClients) Put(c model.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[c.ID] = c
}

func (d *MemoryClients) ListClients(ctx context.Context) ([]model.Client, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]model.Client, 0, len(d.clients))
	for _, c := range d.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *MemoryClients) GetClient(ctx context.Context, id string) (model.Client, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.clients[id]
	if !ok {
		return model.Client{}, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return c, nil
}

// MemoryRateLimits is an in-process RateLimitRepository.
type MemoryRateLimits struct {
	mu  sync.RWMutex
	cfg *model.RateLimitConfig
}

var _ RateLimitRepository = (*MemoryRateLimits)(nil)

func NewMemoryRateLimits() *MemoryRateLimits {
	return &MemoryRateLimits{}
}

func (r *MemoryRateLimits) RateLimit(ctx context.Context) (model.RateLimitConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.cfg == nil {
		return model.RateLimitConfig{}, fmt.Errorf("rate limit: %w", ErrNotFound)
	}
	return *r.cfg, nil
}

func (r *MemoryRateLimits) SaveRateLimit(ctx context.Context, cfg model.RateLimitConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = &cfg
	return nil
}
