// Package notify delivers fire-and-forget domain events (episode linked,
// episode completed, risk score calculated) to downstream subscribers.
package notify

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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event names.
const (
	EventEpisodeLinked       = "episode.linked"
	EventEpisodeCompleted    = "episode.completed"
	EventRiskScoreCalculated = "risk_score.calculated"
)

// Dispatcher sends one event. Callers never let an error change their own
// outcome; see Fire.
type Dispatcher interface {
	Notify(ctx context.Context, event string, payload interface{}) error
}

// Fire dispatches and logs a failure instead of returning it.
func Fire(ctx context.Context, d Dispatcher, log zerolog.Logger, event string, payload interface{}) {
	if d == nil {
		return
	}
	if err := d.Notify(ctx, event, payload); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("notification failed")
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, string, interface{}) error { return nil }

// Envelope is the JSON body posted for each event.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Webhook posts each event as a signed JSON envelope to one endpoint.
type Webhook struct {
	url        string
	secret     string
	httpClient *http.Client
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.httpClient = c }
}

func NewWebhook(url, secret string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Webhook) Notify(ctx context.Context, event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	now := time.Now().UTC()
	body, err := json.Marshal(Envelope{ID: uuid.New().String(), Type: event, Payload: raw, Timestamp: now})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", event, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", event)
	req.Header.Set("X-Event-Timestamp", now.Format(time.RFC3339))
	if w.secret != "" {
		req.Header.Set("X-Event-Signature", "sha256="+SignPayload(body, w.secret))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver %s: non-2xx response: %d", event, resp.StatusCode)
	}
	return nil
}
