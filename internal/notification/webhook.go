package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"patternwatch/internal/model"
)

// WebhookNotifier POSTs alerts as JSON to a generic HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier.
// url: The HTTP endpoint to POST alerts to.
func NewWebhookNotifier(url string, log *slog.Logger) *WebhookNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log.With(slog.String("component", "webhook")),
	}
}

// webhookPayload is the body posted for each event.
type webhookPayload struct {
	Instrument string             `json:"instrument"`
	Text       string             `json:"text"`
	Event      model.PatternEvent `json:"event"`
	SentAt     string             `json:"ts"`
}

func (w *WebhookNotifier) Notify(ctx context.Context, instrument string, ev model.PatternEvent) error {
	body, err := json.Marshal(webhookPayload{
		Instrument: instrument,
		Text:       Text(instrument, ev),
		Event:      ev,
		SentAt:     time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return deliveryErr("webhook", "marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return deliveryErr("webhook", "create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return deliveryErr("webhook", "send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return deliveryErr("webhook", "unexpected status %d", resp.StatusCode)
	}

	w.log.Debug("sent alert", slog.String("url", w.url), slog.String("kind", string(ev.Kind)))
	return nil
}
