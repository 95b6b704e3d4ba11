package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/api"
	"postpilot/internal/dispatch"
	"postpilot/internal/notifier"
	"postpilot/internal/ops"
	"postpilot/internal/platform"
	"postpilot/internal/storage"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/scheduler"
	logx "postpilot/pkg/logx"
)

// Env names that override secrets from the file when set.
const (
	EnvClientID      = "POSTPILOT_CLIENT_ID"
	EnvClientSecret  = "POSTPILOT_CLIENT_SECRET"
	EnvJWTSecret     = "POSTPILOT_JWT_SECRET"
	EnvTelegramToken = "POSTPILOT_TELEGRAM_TOKEN"
	EnvWebhookURL    = "NOTIFICATION_WEBHOOK"
)

const (
	DefaultScheduleSpec = "*/1 * * * *"
	DefaultTimezone     = "Asia/Kolkata"
	DefaultCycleTimeout = 5 * time.Minute
	DefaultStoragePath  = "./postpilot.db"
	DefaultLogPath      = "./postpilot.log"
)

// Runtime is a resolved config: defaults filled, env applied, validated.
type Runtime struct {
	Logging      logx.Config
	Scheduler    scheduler.Config
	ScheduleSpec string
	TaskEngine   engine.Config
	Dispatch     dispatch.Config
	CycleTimeout time.Duration
	Platform     platform.Config
	Notifier     notifier.Config
	Storage      storage.Config
	API          api.Config
	Ops          ops.Config
}

// Resolve maps cfg onto component configs. getenv may be nil.
func Resolve(cfg *Config, getenv func(string) string) (Runtime, error) {
	if cfg == nil {
		return Runtime{}, errors.New("config is nil")
	}
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	var (
		rt  Runtime
		err error
	)
	rt.Logging = resolveLogging(cfg.Logging)
	if rt.Scheduler, rt.ScheduleSpec, err = resolveScheduler(cfg.Scheduler); err != nil {
		return Runtime{}, err
	}
	if rt.TaskEngine, err = resolveTaskEngine(cfg.TaskEngine); err != nil {
		return Runtime{}, err
	}
	if rt.Dispatch, rt.CycleTimeout, err = resolveDispatch(cfg.Dispatch); err != nil {
		return Runtime{}, err
	}
	if rt.Platform, err = resolvePlatform(cfg.Platform, getenv); err != nil {
		return Runtime{}, err
	}
	if rt.Notifier, err = resolveNotifier(cfg.Notifier, getenv); err != nil {
		return Runtime{}, err
	}
	if rt.Storage, err = resolveStorage(cfg.Storage); err != nil {
		return Runtime{}, err
	}
	if rt.API, err = resolveAPI(cfg.API, getenv); err != nil {
		return Runtime{}, err
	}
	if rt.Ops, err = resolveOps(cfg.Ops); err != nil {
		return Runtime{}, err
	}
	return rt, nil
}

// Validate reports whether cfg resolves. Used before a hot reload commits.
func Validate(cfg *Config, getenv func(string) string) error {
	_, err := Resolve(cfg, getenv)
	return err
}

func resolveLogging(in LoggingConfig) logx.Config {
	return logx.Config{
		Level:   stringOr(in.Level, "info"),
		Console: boolOr(in.Console, true),
		File: logx.FileConfig{
			Enabled: in.File.Enabled,
			Path:    stringOr(in.File.Path, DefaultLogPath),
		},
	}
}

func resolveScheduler(in SchedulerConfig) (scheduler.Config, string, error) {
	out := scheduler.Config{
		Enabled:  boolOr(in.Enabled, true),
		Timezone: stringOr(in.Timezone, DefaultTimezone),
	}
	if _, err := time.LoadLocation(out.Timezone); err != nil {
		return scheduler.Config{}, "", fmt.Errorf("scheduler.timezone: %w", err)
	}
	spec := stringOr(in.Spec, DefaultScheduleSpec)
	if _, err := scheduler.ParseSchedule(spec); err != nil {
		return scheduler.Config{}, "", fmt.Errorf("scheduler.spec: %w", err)
	}
	return out, spec, nil
}

func resolveTaskEngine(in *TaskEngineConfig) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     1,
		QueueSize:   16,
		HistorySize: 100,
	}
	if in == nil {
		return out, nil
	}
	for path, v := range map[string]int{
		"task_engine.workers":      in.Workers,
		"task_engine.queue_size":   in.QueueSize,
		"task_engine.history_size": in.HistorySize,
	} {
		if err := nonNegative(path, v); err != nil {
			return engine.Config{}, err
		}
	}
	out.Workers = intOr(in.Workers, out.Workers)
	out.QueueSize = intOr(in.QueueSize, out.QueueSize)
	out.HistorySize = intOr(in.HistorySize, out.HistorySize)

	d, err := ParseDurationField("task_engine.default_timeout", in.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}

func resolveDispatch(in DispatchConfig) (dispatch.Config, time.Duration, error) {
	if err := nonNegative("dispatch.max_attempts", in.MaxAttempts); err != nil {
		return dispatch.Config{}, 0, err
	}
	if err := nonNegative("dispatch.concurrency", in.Concurrency); err != nil {
		return dispatch.Config{}, 0, err
	}
	if err := nonNegative("dispatch.batch_size", in.BatchSize); err != nil {
		return dispatch.Config{}, 0, err
	}
	threshold, err := ParseDurationOrDefault("dispatch.refresh_threshold", in.RefreshThreshold, dispatch.DefaultRefreshThreshold)
	if err != nil {
		return dispatch.Config{}, 0, err
	}
	cycle, err := ParseDurationOrDefault("dispatch.cycle_timeout", in.CycleTimeout, DefaultCycleTimeout)
	if err != nil {
		return dispatch.Config{}, 0, err
	}
	out := dispatch.Config{
		MaxAttempts:      intOr(in.MaxAttempts, dispatch.DefaultMaxAttempts),
		RefreshThreshold: threshold,
		Concurrency:      intOr(in.Concurrency, 1),
		BatchSize:        in.BatchSize,
		FailExhausted:    in.FailExhausted,
	}
	return out, cycle, nil
}

func resolvePlatform(in PlatformConfig, getenv func(string) string) (platform.Config, error) {
	timeout, err := ParseDurationOrDefault("platform.timeout", in.Timeout, 15*time.Second)
	if err != nil {
		return platform.Config{}, err
	}
	if in.RatePerSec < 0 {
		return platform.Config{}, errors.New("platform.rate_per_sec must be >= 0")
	}
	out := platform.Config{
		AuthURL:      stringOr(in.AuthURL, platform.DefaultAuthURL),
		TokenURL:     stringOr(in.TokenURL, platform.DefaultTokenURL),
		PostsURL:     stringOr(in.PostsURL, platform.DefaultPostsURL),
		ProfileURL:   stringOr(in.ProfileURL, platform.DefaultProfileURL),
		ClientID:     stringOr(getenv(EnvClientID), strings.TrimSpace(in.ClientID)),
		ClientSecret: stringOr(getenv(EnvClientSecret), strings.TrimSpace(in.ClientSecret)),
		RedirectURI:  strings.TrimSpace(in.RedirectURI),
		Version:      stringOr(in.Version, platform.DefaultVersion),
		Scopes:       stringOr(in.Scopes, platform.DefaultScopes),
		Timeout:      timeout,
		RatePerSec:   in.RatePerSec,
	}
	if out.RatePerSec == 0 {
		out.RatePerSec = 5
	}
	return out, nil
}

func resolveNotifier(in *NotifierConfig, getenv func(string) string) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:       true,
		Workers:       2,
		QueueSize:     256,
		RatePerSec:    5,
		RetryMax:      2,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 10 * time.Second,
		Webhook:       notifier.WebhookConfig{Timeout: 10 * time.Second},
	}
	if in == nil {
		in = &NotifierConfig{}
	}
	out.Enabled = boolOr(in.Enabled, true)

	for path, v := range map[string]int{
		"notifier.workers":      in.Workers,
		"notifier.queue_size":   in.QueueSize,
		"notifier.rate_per_sec": in.RatePerSec,
	} {
		if err := nonNegative(path, v); err != nil {
			return notifier.Config{}, err
		}
	}
	out.Workers = intOr(in.Workers, out.Workers)
	out.QueueSize = intOr(in.QueueSize, out.QueueSize)
	out.RatePerSec = intOr(in.RatePerSec, out.RatePerSec)
	if in.RetryMax != nil {
		if *in.RetryMax < 0 {
			return notifier.Config{}, errors.New("notifier.retry_max must be >= 0")
		}
		out.RetryMax = *in.RetryMax
	}

	var err error
	if out.RetryBase, err = ParseDurationOrDefault("notifier.retry_base", in.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = ParseDurationOrDefault("notifier.retry_max_delay", in.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay < out.RetryBase {
		return notifier.Config{}, errors.New("notifier.retry_max_delay must be >= retry_base")
	}
	if out.Webhook.Timeout, err = ParseDurationOrDefault("notifier.webhook.timeout", in.Webhook.Timeout, out.Webhook.Timeout); err != nil {
		return notifier.Config{}, err
	}
	out.Webhook.URL = stringOr(getenv(EnvWebhookURL), strings.TrimSpace(in.Webhook.URL))

	out.Telegram = notifier.TelegramConfig{
		Token:    stringOr(getenv(EnvTelegramToken), strings.TrimSpace(in.Telegram.Token)),
		ChatID:   in.Telegram.ChatID,
		ThreadID: in.Telegram.ThreadID,
	}
	if out.Telegram.Token != "" && out.Telegram.ChatID == 0 {
		return notifier.Config{}, errors.New("notifier.telegram.chat_id is required when a token is set")
	}
	return out, nil
}

func resolveStorage(in *StorageConfig) (storage.Config, error) {
	out := storage.Config{Driver: "sqlite", Path: DefaultStoragePath, BusyTimeout: 5 * time.Second}
	if in == nil {
		return out, nil
	}
	out.Driver = strings.ToLower(stringOr(in.Driver, out.Driver))
	switch out.Driver {
	case "sqlite", "sqlite3", "memory", "mem":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", in.Driver)
	}
	out.Path = stringOr(in.Path, out.Path)

	var err error
	if out.BusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", in.BusyTimeout, out.BusyTimeout); err != nil {
		return storage.Config{}, err
	}
	return out, nil
}

func resolveAPI(in *APIConfig, getenv func(string) string) (api.Config, error) {
	if in == nil {
		in = &APIConfig{}
	}
	ttl, err := ParseDurationOrDefault("api.token_ttl", in.TokenTTL, api.DefaultTokenTTL)
	if err != nil {
		return api.Config{}, err
	}
	out := api.Config{
		Enabled:      boolOr(in.Enabled, true),
		Addr:         stringOr(in.Addr, api.DefaultAddr),
		JWTSecret:    stringOr(getenv(EnvJWTSecret), strings.TrimSpace(in.JWTSecret)),
		TokenTTL:     ttl,
		CookieSecure: in.CookieSecure,
	}
	if out.Enabled && out.JWTSecret == "" {
		return api.Config{}, fmt.Errorf("api.jwt_secret (or %s) is required when the api is enabled", EnvJWTSecret)
	}
	return out, nil
}

func resolveOps(in *OpsConfig) (ops.Config, error) {
	if in == nil {
		in = &OpsConfig{}
	}
	out := ops.Config{
		Enabled:       boolOr(in.Enabled, true),
		Addr:          stringOr(in.Addr, ops.DefaultAddr),
		Token:         strings.TrimSpace(in.Token),
		AllowInsecure: in.AllowInsecure,
		Pprof:         boolOr(in.Pprof, false),
	}
	return out, nil
}
