package app

import (
	"context"
	"strings"
	"time"

	"postpilot/internal/config"
	logx "postpilot/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, cfg)
		}
	}
}

// applyConfig hot-applies the sections that support it. Storage, api and
// platform changes are logged and need a restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	next, err := config.Resolve(cfg, a.getenv)
	if err != nil {
		a.log.Warn("config rejected; keeping previous", logx.Err(err))
		return
	}
	prev := a.runtime()
	changed, fields := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload without effective changes")
		return
	}
	if restart := config.RestartRequired(changed); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
		// Keep the running values so the next diff stays honest.
		next.Storage = prev.Storage
		next.API = prev.API
		next.Platform = prev.Platform
	}

	a.logs.Apply(next.Logging)
	a.engine.Apply(ctx, next.TaskEngine)
	a.dispatch.Apply(next.Dispatch)
	a.applyNotifier(ctx, prev, next)
	a.applyScheduler(ctx, prev, next)
	a.ops.Reconfigure(ctx, next.Ops)

	a.rtMu.Lock()
	a.rt = next
	a.rtMu.Unlock()

	a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)
}

func (a *App) applyNotifier(ctx context.Context, prev, next config.Runtime) {
	a.notif.Apply(next.Notifier)
	switch {
	case prev.Notifier.Enabled && !next.Notifier.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
		a.log.Info("notifier disabled via config")
	case !prev.Notifier.Enabled && next.Notifier.Enabled:
		a.notif.Start(ctx)
		a.log.Info("notifier enabled via config")
	}
}

func (a *App) applyScheduler(ctx context.Context, prev, next config.Runtime) {
	a.sched.Apply(next.Scheduler)
	if next.ScheduleSpec != prev.ScheduleSpec || next.CycleTimeout != prev.CycleTimeout {
		if err := a.registerDispatch(next); err != nil {
			// Resolve already parsed the schedule.
			a.log.Error("dispatch schedule update failed", logx.Err(err))
		}
	}
	if !prev.Scheduler.Enabled && next.Scheduler.Enabled {
		a.sched.Start(ctx)
		a.log.Info("scheduler enabled via config")
	}
}
