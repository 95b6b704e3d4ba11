package config

import (
	"reflect"

	logx "postpilot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two resolved
// configs plus log fields describing the new values. Secrets are reported
// only as "set" flags.
func SummarizeChange(oldRT, newRT Runtime) ([]string, []logx.Field) {
	changed := make([]string, 0, 8)
	fields := make([]logx.Field, 0, 16)

	if oldRT.Logging != newRT.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newRT.Logging.Level),
			logx.Bool("logging.console", newRT.Logging.Console),
			logx.Bool("logging.file", newRT.Logging.File.Enabled),
		)
	}
	if oldRT.Scheduler != newRT.Scheduler || oldRT.ScheduleSpec != newRT.ScheduleSpec {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.Bool("scheduler.enabled", newRT.Scheduler.Enabled),
			logx.String("scheduler.spec", newRT.ScheduleSpec),
			logx.String("scheduler.timezone", newRT.Scheduler.Timezone),
		)
	}
	if oldRT.TaskEngine != newRT.TaskEngine {
		changed = append(changed, "task_engine")
		fields = append(fields, logx.Int("task_engine.workers", newRT.TaskEngine.Workers))
	}
	if oldRT.Dispatch != newRT.Dispatch || oldRT.CycleTimeout != newRT.CycleTimeout {
		changed = append(changed, "dispatch")
		fields = append(fields,
			logx.Int("dispatch.max_attempts", newRT.Dispatch.MaxAttempts),
			logx.Duration("dispatch.refresh_threshold", newRT.Dispatch.RefreshThreshold),
			logx.Int("dispatch.concurrency", newRT.Dispatch.Concurrency),
			logx.Bool("dispatch.fail_exhausted", newRT.Dispatch.FailExhausted),
		)
	}
	if oldRT.Platform != newRT.Platform {
		changed = append(changed, "platform")
		fields = append(fields,
			logx.String("platform.posts_url", newRT.Platform.PostsURL),
			logx.Bool("platform.client_secret_set", newRT.Platform.ClientSecret != ""),
		)
	}
	if !reflect.DeepEqual(oldRT.Notifier, newRT.Notifier) {
		changed = append(changed, "notifier")
		fields = append(fields,
			logx.Bool("notifier.enabled", newRT.Notifier.Enabled),
			logx.Bool("notifier.webhook_set", newRT.Notifier.Webhook.URL != ""),
			logx.Bool("notifier.telegram_set", newRT.Notifier.Telegram.Token != ""),
		)
	}
	if oldRT.Storage != newRT.Storage {
		changed = append(changed, "storage")
	}
	if oldRT.API != newRT.API {
		changed = append(changed, "api")
		fields = append(fields,
			logx.String("api.addr", newRT.API.Addr),
			logx.Bool("api.jwt_secret_changed", oldRT.API.JWTSecret != newRT.API.JWTSecret),
		)
	}
	if oldRT.Ops != newRT.Ops {
		changed = append(changed, "ops")
		fields = append(fields,
			logx.String("ops.addr", newRT.Ops.Addr),
			logx.Bool("ops.token_set", newRT.Ops.Token != ""),
			logx.Bool("ops.pprof", newRT.Ops.Pprof),
		)
	}
	return changed, fields
}

// RestartRequired lists changed sections that only take effect after a
// process restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "api", "platform":
			out = append(out, s)
		}
	}
	return out
}
