package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// maxBodyExcerpt bounds the response excerpt recorded on non-2xx.
const maxBodyExcerpt = 200

// WebhookConfig is the channel config shape for channel_type
// "webhook".
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// webhookPayload is the fixed JSON schema POSTed to generic webhooks.
type webhookPayload struct {
	Event      string          `json:"event"`
	Service    webhookIdentity `json:"service"`
	Dependency *webhookIdentity `json:"dependency,omitempty"`
	OldStatus  *bool           `json:"oldStatus"`
	NewStatus  *bool           `json:"newStatus"`
	Severity   string          `json:"severity"`
	Timestamp  string          `json:"timestamp"`
	URL        string          `json:"url,omitempty"`
}

type webhookIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WebhookSender delivers events to a team-configured HTTP endpoint.
type WebhookSender struct {
	appBaseURL string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewWebhookSender creates the generic webhook channel sender.
func NewWebhookSender(appBaseURL string) *WebhookSender {
	return &WebhookSender{
		appBaseURL: strings.TrimSuffix(appBaseURL, "/"),
		httpClient: &http.Client{Timeout: sendTimeout},
		breaker:    newSenderBreaker("webhook"),
	}
}

// Type identifies the channel type this sender serves.
func (s *WebhookSender) Type() string {
	return "webhook"
}

// Send delivers one event to the configured URL with the configured
// method and headers.
func (s *WebhookSender) Send(ctx context.Context, ev Event, config string) SendResult {
	var cfg WebhookConfig
	if err := json.Unmarshal([]byte(config), &cfg); err != nil {
		return SendResult{Error: fmt.Sprintf("invalid webhook config: %v", err)}
	}
	if cfg.URL == "" {
		return SendResult{Error: "webhook config has no url"}
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return SendResult{Error: fmt.Sprintf("invalid webhook method %q", cfg.Method)}
	}

	payload, err := json.Marshal(s.buildPayload(ev))
	if err != nil {
		return SendResult{Error: fmt.Sprintf("failed to marshal payload: %v", err)}
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.deliver(sendCtx, method, cfg, payload)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return SendResult{Error: "timed out"}
		}
		return SendResult{Error: err.Error()}
	}
	return SendResult{Success: true}
}

func (s *WebhookSender) deliver(ctx context.Context, method string, cfg WebhookConfig, payload []byte) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to deliver webhook: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))
			return backoff.Permanent(fmt.Errorf("webhook returned status %d: %s",
				resp.StatusCode, strings.TrimSpace(string(excerpt))))
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(newSendBackoff(), ctx))
}

func (s *WebhookSender) buildPayload(ev Event) webhookPayload {
	p := webhookPayload{
		Event: "dependency_status_change",
		Service: webhookIdentity{
			ID:   ev.ServiceID,
			Name: ev.ServiceName,
		},
		OldStatus: ev.PreviousHealthy,
		NewStatus: ev.CurrentHealthy,
		Severity:  string(ev.EventSeverity()),
		Timestamp: ev.OccurredAt.UTC().Format(time.RFC3339),
	}
	if ev.DependencyName != "" {
		p.Dependency = &webhookIdentity{
			ID:   ev.DependencyID,
			Name: ev.DependencyName,
		}
	}
	if s.appBaseURL != "" {
		p.URL = fmt.Sprintf("%s/services/%s", s.appBaseURL, ev.ServiceID)
	}
	return p
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}
