package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nicktill/availo/pkg/ttn"
)

// sendTimeout mirrors the webhook timeout TTN applies.
const sendTimeout = 10 * time.Second

// Sender delivers envelopes to an integration endpoint.
type Sender interface {
	Send(ctx context.Context, env *ttn.Envelope) error
}

// WebhookSender posts envelopes the way a TTN webhook integration does.
type WebhookSender struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewWebhookSender creates a sender for endpoint. A non-empty apiKey is sent
// as a bearer token.
func NewWebhookSender(endpoint, apiKey string) *WebhookSender {
	return &WebhookSender{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: sendTimeout},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether TTN would retry the delivery.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500
}

// Send posts env as JSON.
func (s *WebhookSender) Send(ctx context.Context, env *ttn.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "availo-simulator/"+version)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	return nil
}
