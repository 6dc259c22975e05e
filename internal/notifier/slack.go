// Package notifier posts phishing alerts to chat webhooks
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"phishguard/internal/models"
)

// SlackNotifier posts messages to a Slack incoming webhook
type SlackNotifier struct {
	WebhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a notifier for webhookURL
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyPhishing announces a freshly built phishing verdict
func (s *SlackNotifier) NotifyPhishing(ctx context.Context, sv *models.SignedVerdict) error {
	p := sv.Payload
	msg := fmt.Sprintf(":rotating_light: Phishing verdict for `%s`\nprobability %.3f (threshold %.2f), model %s",
		p.URL, p.Probability, p.Threshold, p.Model)
	if p.UsedFallback {
		msg += "\n_some network signals were unavailable; neutral values were used_"
	}
	return s.Send(ctx, msg)
}

// Send posts a plain text message
func (s *SlackNotifier) Send(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received non-200 response from slack: %s", resp.Status)
	}
	return nil
}
