package payout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seantiz/escrowd/internal/model"
)

// WebhookRailName is the registry name of the webhook rail.
const WebhookRailName = "webhook"

// Webhook headers. The signature is the hex HMAC-SHA256 of the raw body.
const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"
)

const webhookTimeout = 10 * time.Second

var _ Rail = (*WebhookRail)(nil)

// WebhookRail posts each payout as JSON to an external transfer service. The
// payout ID is sent as the event ID so the receiver can deduplicate retries.
type WebhookRail struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhookRail returns a rail posting to url, signing with secret.
func NewWebhookRail(url, secret string, client *http.Client) *WebhookRail {
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	return &WebhookRail{url: url, secret: []byte(secret), client: client}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *WebhookRail) Send(ctx context.Context, p model.Payout) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payout: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventIDHeader, p.ID)
	req.Header.Set(EventTypeHeader, string(p.Kind))
	req.Header.Set(SignatureHeader, Sign(r.secret, body))

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post payout: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post payout: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (r *WebhookRail) Capabilities() RailCapabilities {
	return RailCapabilities{
		Name:        WebhookRailName,
		Description: "posts signed transfer requests to " + r.url,
		External:    true,
	}
}
