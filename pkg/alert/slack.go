package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// slackWebhookPrefix is the only accepted destination prefix for
// Slack channel configs.
const slackWebhookPrefix = "https://hooks.slack.com/services/"

// SlackConfig is the channel config shape for channel_type "slack".
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// slackMessage is the webhook payload.
type slackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Ts        int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackSender posts transition events to a Slack incoming webhook.
type SlackSender struct {
	appBaseURL string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker

	// test seam: overrides the webhook prefix requirement
	allowAnyURL bool
}

// NewSlackSender creates the Slack channel sender. appBaseURL, when
// non-empty, is used for deep links back into the dashboard.
func NewSlackSender(appBaseURL string) *SlackSender {
	return &SlackSender{
		appBaseURL: strings.TrimSuffix(appBaseURL, "/"),
		httpClient: &http.Client{Timeout: sendTimeout},
		breaker:    newSenderBreaker("slack"),
	}
}

// Type identifies the channel type this sender serves.
func (s *SlackSender) Type() string {
	return "slack"
}

// Send delivers one event to the configured webhook.
func (s *SlackSender) Send(ctx context.Context, ev Event, config string) SendResult {
	var cfg SlackConfig
	if err := json.Unmarshal([]byte(config), &cfg); err != nil {
		return SendResult{Error: fmt.Sprintf("invalid slack config: %v", err)}
	}
	if !s.allowAnyURL && !strings.HasPrefix(cfg.WebhookURL, slackWebhookPrefix) {
		return SendResult{Error: fmt.Sprintf("webhook_url must start with %s", slackWebhookPrefix)}
	}

	payload, err := json.Marshal(s.buildMessage(ev))
	if err != nil {
		return SendResult{Error: fmt.Sprintf("failed to marshal message: %v", err)}
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(sendCtx, cfg.WebhookURL, payload)
	})
	if err != nil {
		return SendResult{Error: err.Error()}
	}
	return SendResult{Success: true}
}

// post delivers the payload, retrying transient failures within the
// send budget. Non-2xx responses are permanent.
func (s *SlackSender) post(ctx context.Context, url string, payload []byte) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send message to Slack: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backoff.Permanent(fmt.Errorf("Slack returned non-OK status: %d", resp.StatusCode))
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(newSendBackoff(), ctx))
}

func (s *SlackSender) buildMessage(ev Event) slackMessage {
	color := "warning"
	title := fmt.Sprintf("Dependency degraded - %s / %s", ev.ServiceName, ev.DependencyName)
	text := fmt.Sprintf("%q reported by %s is unhealthy", ev.DependencyName, ev.ServiceName)

	switch {
	case ev.Kind == KindRecovered:
		color = "good"
		title = fmt.Sprintf("Dependency recovered - %s / %s", ev.ServiceName, ev.DependencyName)
		text = fmt.Sprintf("%q reported by %s is healthy again", ev.DependencyName, ev.ServiceName)
	case ev.EventSeverity() == SeverityCritical:
		color = "danger"
	}
	if ev.Kind == KindBecameUnhealthy && ev.ErrorMessage != "" {
		text = fmt.Sprintf("%s: %s", text, ev.ErrorMessage)
	}

	attachment := slackAttachment{
		Color: color,
		Title: title,
		Text:  text,
		Fields: []slackField{
			{Title: "Service", Value: ev.ServiceName, Short: true},
			{Title: "Severity", Value: string(ev.EventSeverity()), Short: true},
			{Title: "Time", Value: ev.OccurredAt.UTC().Format(time.RFC3339), Short: true},
		},
		Footer: "Depsera",
		Ts:     ev.OccurredAt.Unix(),
	}
	if s.appBaseURL != "" {
		attachment.TitleLink = fmt.Sprintf("%s/services/%s", s.appBaseURL, ev.ServiceID)
	}

	return slackMessage{Attachments: []slackAttachment{attachment}}
}
