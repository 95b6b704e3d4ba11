package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "postpilot/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

const (
	stopStepScheduler  = 2 * time.Second
	stopStepEngine     = 10 * time.Second
	stopStepServers    = 5 * time.Second
	stopStepNotifier   = 5 * time.Second
	stopStepStorage    = time.Second
	stopStepSupervisor = 2 * time.Second
)

// Stop shuts components down in dependency order: the trigger first, then
// the in-flight cycle, servers, alerts, storage and finally supervised loops.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	a.step(ctx, "scheduler", stopStepScheduler, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", stopStepEngine, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "ops", stopStepServers, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "notifier", stopStepNotifier, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", stopStepSupervisor, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", stopStepStorage, func(c context.Context) error { return a.store.Close() })

	err := a.sup.Err()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

// step runs fn bounded by max and the caller's deadline. A step that
// overruns is left running and logged when it finally returns.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
