package model

import (
	"strconv"
	"time"
)

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Sent       Status = "sent"
	Failed     Status = "failed"
)

var Statuses = []Status{Pending, Processing, Sent, Failed}

func ParseStatus(raw string) (Status, bool) {
	for _, s := range Statuses {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

// QueueMessage is one rendered message awaiting or having completed delivery.
// Message holds final text; templates are never re-resolved after enqueue.
type QueueMessage struct {
	ID              int64         `json:"id"`
	TenantID        string        `json:"tenant_id"`
	ClientID        string        `json:"client_id"`
	ClientName      string        `json:"client_name"`
	Phone           string        `json:"phone"`
	Message         string        `json:"message"`
	TemplateType    *TemplateType `json:"template_type,omitempty"`
	DedupKey        *string       `json:"-"`
	Status          Status        `json:"status"`
	Attempts        int           `json:"attempts"`
	MaxAttempts     int           `json:"max_attempts"`
	ScheduledAt     *time.Time    `json:"scheduled_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	SentAt          *time.Time    `json:"sent_at,omitempty"`
	ErrorMessage    *string       `json:"error_message,omitempty"`
	RemoteMessageID *string       `json:"remote_message_id,omitempty"`
}

// Due reports whether a pending message may be claimed at now.
func (m QueueMessage) Due(now time.Time) bool {
	if m.Status != Pending {
		return false
	}
	return m.ScheduledAt == nil || !m.ScheduledAt.After(now)
}

// DedupKey builds the per-day key that suppresses duplicate sends of the
// same template type to the same client.
func DedupKey(clientID string, t TemplateType, day time.Time) string {
	return clientID + ":" + string(t) + ":" + day.Format(DateLayout)
}

// RateLimitConfig is the per-tenant throughput ceiling. Zero or negative
// values disable the corresponding limit.
type RateLimitConfig struct {
	MessagesPerMinute    int           `json:"messages_per_minute"`
	MessagesPerHour      int           `json:"messages_per_hour"`
	DelayBetweenMessages time.Duration `json:"delay_between_messages"`
}

// CampaignDedupKey scopes custom campaigns by template, so two different
// campaigns may reach the same client on the same day.
// InvoiceDedupKey scopes an invoice event to one invoice.
func InvoiceDedupKey(clientID string, t TemplateType, invoiceID string, day time.Time) string {
	return clientID + ":" + string(t) + "#" + invoiceID + ":" + day.Format(DateLayout)
}

func CampaignDedupKey(clientID string, templateID int64, day time.Time) string {
	return clientID + ":" + string(TypeCustom) + "#" + strconv.FormatInt(templateID, 10) + ":" + day.Format(DateLayout)
}
