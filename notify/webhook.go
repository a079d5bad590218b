package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	eventCertificateConfirmed = "certificate.confirmed"

	defaultWebhookAttempts = 3
	defaultMinBackoff      = 500 * time.Millisecond
	defaultMaxBackoff      = 5 * time.Second
)

type webhookPayload struct {
	Type       string       `json:"type"`
	DeliveryID string       `json:"deliveryId"`
	SentAt     time.Time    `json:"sentAt"`
	Data       Notification `json:"data"`
}

// WebhookSender posts HMAC-signed JSON notices to an HTTP endpoint, leaving
// mail delivery to the receiving system.
type WebhookSender struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
}

// WebhookOption mutates webhook configuration.
type WebhookOption func(*WebhookSender)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(s *WebhookSender) {
		if client != nil {
			s.client = client
		}
	}
}

// WithRetryPolicy overrides the in-call retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) WebhookOption {
	return func(s *WebhookSender) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			s.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			s.maxBackoff = maxBackoff
		}
	}
}

// NewWebhookSender constructs a signed webhook backend.
func NewWebhookSender(endpoint string, secret []byte, opts ...WebhookOption) (*WebhookSender, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("notify: webhook endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("notify: webhook secret required")
	}
	s := &WebhookSender{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultWebhookAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *WebhookSender) Name() string { return "webhook" }

// Send posts the notice, retrying transient failures until attempts run out
// or ctx ends. The delivery id is stable across retries of one call.
func (s *WebhookSender) Send(ctx context.Context, n Notification) Result {
	payload := webhookPayload{
		Type:       eventCertificateConfirmed,
		DeliveryID: uuid.NewString(),
		SentAt:     time.Now().UTC(),
		Data:       n,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Failed(fmt.Errorf("notify: encode webhook: %w", err))
	}
	backoff := s.minBackoff
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		lastErr = s.post(ctx, body)
		if lastErr == nil {
			return Result{Success: true, MessageID: payload.DeliveryID}
		}
		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Failed(fmt.Errorf("notify: webhook: %w (last error: %v)", ctx.Err(), lastErr))
		}
		backoff = nextBackoff(backoff, s.maxBackoff)
	}
	return Failed(lastErr)
}

func (s *WebhookSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Certd-Event", eventCertificateConfirmed)
	req.Header.Set("X-Certd-Signature", Sign(s.secret, body))
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("notify: webhook delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
