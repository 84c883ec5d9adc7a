package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is the process-local stand-in used when Redis is not
// configured. Markers reset on restart; the queue's dedup keys still hold.
type MemoryCache struct {
	now func() time.Time
	ttl time.Duration

	mu       sync.Mutex
	marks    map[string]time.Time
	receipts map[int64]memoryReceipt
}

type memoryReceipt struct {
	Receipt
	expires time.Time
}

var (
	_ Markers  = (*MemoryCache)(nil)
	_ Receipts = (*MemoryCache)(nil)
)

func NewMemoryCache(ttl time.Duration, now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		now:      now,
		ttl:      ttl,
		marks:    make(map[string]time.Time),
		receipts: make(map[int64]memoryReceipt),
	}
}

func (c *MemoryCache) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.marks[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.marks[key] = now.Add(ttl)
	return true, nil
}

func (c *MemoryCache) Marked(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	exp, ok := c.marks[key]
	return ok && c.now().Before(exp), nil
}

func (c *MemoryCache) StoreSent(ctx context.Context, internalID int64, remoteMessageID string, sentAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.receipts[internalID] = memoryReceipt{
		Receipt: Receipt{RemoteMessageID: remoteMessageID, SentAt: sentAt.UTC()},
		expires: c.now().Add(c.ttl),
	}
	return nil
}

func (c *MemoryCache) Sent(ctx context.Context, internalID int64) (Receipt, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.receipts[internalID]
	if !ok || !c.now().Before(r.expires) {
		delete(c.receipts, internalID)
		return Receipt{}, false, nil
	}
	return r.Receipt, true, nil
}
