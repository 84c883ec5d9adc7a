package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// ErrThrottled marks a 429 from the gateway. The dispatcher counts it as a
// send failure and pauses the rate limiter for the Retry-After period.
var ErrThrottled = errors.New("gateway throttled the request")

// StatusError is a non-success answer from the gateway.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway status %d: %q", e.Code, e.Body)
}

// RetryDelay is the gateway's Retry-After, zero when absent.
func (e *StatusError) RetryDelay() time.Duration { return e.RetryAfter }

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusTooManyRequests {
		return ErrThrottled
	}
	return nil
}

// WebhookClient posts rendered messages to an HTTP gateway that owns the
// WhatsApp session and answers with the provider message id.
type WebhookClient struct {
	endpoint string
	token    string
	http     *http.Client
}

func NewWebhookClient(endpoint, token string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

type webhookAck struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

const maxAckBytes = 64 << 10

func (c *WebhookClient) Send(ctx context.Context, phoneNumber, message string) (string, error) {
	payload, err := json.Marshal(webhookPayload{PhoneNumber: phoneNumber, Message: message})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
	default:
		return "", &StatusError{
			Code:       resp.StatusCode,
			Body:       string(raw),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}

	// The gateway accepted the message. A malformed ack must not turn into a
	// retry, which would deliver it twice.
	var ack webhookAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		slog.Warn("gateway ack not decodable, message accepted without id", "body", string(raw), "err", err)
		return "", nil
	}
	if ack.MessageID == "" {
		slog.Warn("gateway ack without messageId", "body", string(raw))
	}
	return ack.MessageID, nil
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
