package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookMessage is the JSON body POSTed to the configured webhook URL.
type WebhookMessage struct {
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookSender delivers signed event notifications over HTTP.
type WebhookSender struct {
	client *resty.Client
	url    string
	secret string
}

func NewWebhookSender(url, secret string, timeout time.Duration) *WebhookSender {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "meridian-panel")

	return &WebhookSender{
		client: client,
		url:    url,
		secret: strings.TrimSpace(secret),
	}
}

// Send posts one message. The body is signed with HMAC-SHA256 over the raw
// JSON and the hex digest travels in X-Webhook-Secret so receivers can
// authenticate the panel.
func (s *WebhookSender) Send(ctx context.Context, msg WebhookMessage) error {
	if s == nil {
		return errors.New("webhook sender is not configured")
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode webhook message: %w", err)
	}

	req := s.client.R().SetContext(ctx).SetBody(body)
	if s.secret != "" {
		mac := hmac.New(sha256.New, []byte(s.secret))
		_, _ = mac.Write(body)
		req.SetHeader("X-Webhook-Secret", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := req.Post(s.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode())
	}
	return nil
}
