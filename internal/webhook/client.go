package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"resty.dev/v3"
)

const (
	HeaderSignature = "X-Pixelpost-Signature"
	HeaderTimestamp = "X-Pixelpost-Timestamp"
	HeaderEvent     = "X-Pixelpost-Event"

	EventBatchCompleted = "batch.completed"
	EventBatchFailed    = "batch.failed"
)

type Config struct {
	SigningSecret string
	Timeout       time.Duration
	MaxAttempts   int
	Backoff       time.Duration
}

// Client delivers signed batch notifications.
type Client struct {
	http          *resty.Client
	signingSecret string
	maxAttempts   int
	now           func() time.Time
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(maxAttempts - 1)
	client.SetRetryWaitTime(backoff)
	client.SetRetryMaxWaitTime(backoff * time.Duration(maxAttempts))
	client.SetAllowNonIdempotentRetry(true)
	client.AddRetryConditions(func(res *resty.Response, err error) bool {
		return err != nil || res == nil || !res.IsSuccess()
	})

	return &Client{
		http:          client,
		signingSecret: cfg.SigningSecret,
		maxAttempts:   maxAttempts,
		now:           time.Now,
	}
}

type envelope struct {
	Event  string    `json:"event"`
	SentAt time.Time `json:"sent_at"`
	Data   any       `json:"data"`
}

// Send posts the event to endpoint. An empty endpoint is a no-op.
func (c *Client) Send(ctx context.Context, endpoint, event string, data any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	now := c.now().UTC()
	body, err := json.Marshal(envelope{Event: event, SentAt: now, Data: data})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	timestamp := strconv.FormatInt(now.Unix(), 10)
	signature := Sign(c.signingSecret, timestamp, body)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(HeaderTimestamp, timestamp).
		SetHeader(HeaderSignature, signature).
		SetHeader(HeaderEvent, event).
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("webhook delivery failed after %d attempts: %w", c.maxAttempts, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook delivery failed after %d attempts: status=%d", c.maxAttempts, resp.StatusCode())
	}
	return nil
}

// Sign returns the signature header value for timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
