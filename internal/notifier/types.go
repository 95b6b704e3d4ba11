package notifier

import (
	"context"
	"time"
)

// Config controls the async alert pipeline and its sinks.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	Webhook  WebhookConfig
	Telegram TelegramConfig
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Failure describes one post that failed to publish.
type Failure struct {
	UserID     string
	PostID     string
	Kind       string
	StatusCode int
	Detail     string
	At         time.Time
}

// Sink delivers one alert. Implementations must honor ctx.
type Sink interface {
	Name() string
	Send(ctx context.Context, f Failure) error
}

// AlertEvent is published on the event bus for notifier lifecycle events.
type AlertEvent struct {
	Sink   string    `json:"sink,omitempty"`
	PostID string    `json:"post_id"`
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

const (
	EventQueued  = "notifier.queued"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
)
