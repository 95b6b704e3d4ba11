package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "2m", "720h"). Pointer fields
// distinguish "omitted" (use the default) from an explicit zero or false.
// Resolve turns a Config into the typed per-component configs.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Dispatch   DispatchConfig    `json:"dispatch"`
	Platform   PlatformConfig    `json:"platform"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	API        *APIConfig        `json:"api,omitempty"`
	Ops        *OpsConfig        `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console *bool       `json:"console,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the dispatch trigger.
//
// Spec accepts cron ("*/1 * * * *", optional seconds field), "@every 30s",
// a Go duration ("60s") or HH:MM ("00:05").
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

type DispatchConfig struct {
	MaxAttempts      int    `json:"max_attempts,omitempty"`
	RefreshThreshold string `json:"refresh_threshold,omitempty"`
	Concurrency      int    `json:"concurrency,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	CycleTimeout     string `json:"cycle_timeout,omitempty"`
	FailExhausted    bool   `json:"fail_exhausted,omitempty"`
}

// PlatformConfig holds the OAuth app and API endpoints.
// ClientID and ClientSecret may come from POSTPILOT_CLIENT_ID and
// POSTPILOT_CLIENT_SECRET instead.
type PlatformConfig struct {
	AuthURL      string  `json:"auth_url,omitempty"`
	TokenURL     string  `json:"token_url,omitempty"`
	PostsURL     string  `json:"posts_url,omitempty"`
	ProfileURL   string  `json:"profile_url,omitempty"`
	ClientID     string  `json:"client_id,omitempty"`
	ClientSecret string  `json:"client_secret,omitempty"`
	RedirectURI  string  `json:"redirect_uri,omitempty"`
	Version      string  `json:"version,omitempty"`
	Scopes       string  `json:"scopes,omitempty"`
	Timeout      string  `json:"timeout,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
}

// NotifierConfig controls failure alerts.
//
// If the whole section is omitted the notifier is enabled with defaults;
// it only delivers once a webhook URL or telegram token is set.
type NotifierConfig struct {
	Enabled       *bool          `json:"enabled,omitempty"`
	Workers       int            `json:"workers,omitempty"`
	QueueSize     int            `json:"queue_size,omitempty"`
	RatePerSec    int            `json:"rate_per_sec,omitempty"`
	RetryMax      *int           `json:"retry_max,omitempty"`
	RetryBase     string         `json:"retry_base,omitempty"`
	RetryMaxDelay string         `json:"retry_max_delay,omitempty"`
	Webhook       WebhookConfig  `json:"webhook"`
	Telegram      TelegramConfig `json:"telegram"`
}

type WebhookConfig struct {
	URL     string `json:"url,omitempty"` // or NOTIFICATION_WEBHOOK
	Timeout string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // or POSTPILOT_TELEGRAM_TOKEN
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postpilot.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type APIConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Addr         string `json:"addr,omitempty"`
	JWTSecret    string `json:"jwt_secret,omitempty"` // or POSTPILOT_JWT_SECRET
	TokenTTL     string `json:"token_ttl,omitempty"`
	CookieSecure bool   `json:"cookie_secure,omitempty"`
}

// OpsConfig controls /metrics, /healthz and /debug/pprof/.
// A non-loopback addr needs a token or allow_insecure.
type OpsConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         *bool  `json:"pprof,omitempty"`
}
