package cache

import (
	"context"
	"time"
)

// Markers records one-shot facts such as "template 4 already swept today".
type Markers interface {
	// MarkOnce sets key if it is absent and reports whether this call set it.
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Marked reports whether key is currently set.
	Marked(ctx context.Context, key string) (bool, error)
}

// Receipts keeps a short-lived copy of transport acknowledgements.
type Receipts interface {
	StoreSent(ctx context.Context, internalID int64, remoteMessageID string, sentAt time.Time) error
	Sent(ctx context.Context, internalID int64) (Receipt, bool, error)
}

type Receipt struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}
