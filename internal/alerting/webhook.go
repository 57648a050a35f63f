package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookNotifier POSTs each alert as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// WebhookPayload is the JSON body sent to webhooks.
type WebhookPayload struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Symbol     string    `json:"symbol"`
	Kind       string    `json:"kind"`
	Magnitude  string    `json:"magnitude"`
	Threshold  string    `json:"threshold"`
	Baseline   string    `json:"baseline,omitempty"`
	Current    string    `json:"current,omitempty"`
	Window     string    `json:"window,omitempty"`
	Interval   string    `json:"interval,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
	Simulated  bool      `json:"simulated,omitempty"`
	Text       string    `json:"text"`
}

// NewWebhookNotifier builds a webhook notifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Notify implements Notifier. Any non-2xx response is an error.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(newWebhookPayload(note))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook unexpected status: %d", resp.StatusCode)
	}

	n.logger.Info().Str("symbol", note.Event.Symbol).
		Str("kind", string(note.Event.Kind)).
		Msg("alert sent (webhook)")
	return nil
}

func newWebhookPayload(note Notification) WebhookPayload {
	ev := note.Event
	p := WebhookPayload{
		ID:         ev.ID.String(),
		Source:     ev.Source,
		Symbol:     ev.Symbol,
		Kind:       string(ev.Kind),
		Magnitude:  ev.Magnitude.String(),
		Threshold:  ev.Threshold.String(),
		DetectedAt: ev.DetectedAt.UTC(),
		Simulated:  note.Simulated,
		Text:       RenderMessage(note),
	}
	if !ev.Baseline.IsZero() || !ev.Current.IsZero() {
		p.Baseline = ev.Baseline.String()
		p.Current = ev.Current.String()
	}
	if ev.Window > 0 {
		p.Window = ev.Window.String()
	}
	if ev.Interval > 0 {
		p.Interval = ev.Interval.String()
	}
	return p
}

var _ Notifier = (*WebhookNotifier)(nil)
