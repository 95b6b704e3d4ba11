package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSink POSTs {userId, postId, error} as JSON to a fixed URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

var _ Sink = (*WebhookSink)(nil)

func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: cfg.URL, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	UserID string `json:"userId"`
	PostID string `json:"postId"`
	Error  string `json:"error"`
}

func (w *WebhookSink) Send(ctx context.Context, f Failure) error {
	b, err := json.Marshal(webhookPayload{UserID: f.UserID, PostID: f.PostID, Error: f.Detail})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook error: %s", resp.Status)
	}
	return nil
}
