package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/dispatch"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/scheduler"
	logx "postpilot/pkg/logx"
)

// DispatchSchedule is the schedule name of the dispatch trigger.
const DispatchSchedule = "dispatch.cycle"

// A cycle whose selection query failed is tried once more before the next tick.
var dispatchTaskOptions = scheduler.TaskOptions{
	Overlap:       scheduler.OverlapSkipIfRunning,
	RetryMax:      1,
	RetryBase:     2 * time.Second,
	RetryMaxDelay: 10 * time.Second,
	RetryJitter:   0.2,
}

func (a *App) registerDispatch(rt config.Runtime) error {
	err := a.sched.AddSchedule(DispatchSchedule, rt.ScheduleSpec, rt.CycleTimeout, dispatchTaskOptions, a.runDispatch)
	if err != nil {
		return fmt.Errorf("register dispatch schedule: %w", err)
	}
	return nil
}

func (a *App) runDispatch(ctx context.Context) error {
	rep, err := a.dispatch.RunCycle(ctx)
	a.cycles.record(rep, err)
	if errors.Is(err, dispatch.ErrCycleRunning) {
		return engine.NoRetry(err)
	}
	if err != nil {
		return err
	}
	if rep.Selected > 0 {
		a.log.Debug("dispatch tick done", logx.Int("posted", rep.Posted), logx.Int("retrying", rep.Retrying))
	}
	return nil
}

// cycleTracker keeps the outcome of the last cycle for health checks.
type cycleTracker struct {
	mu      sync.Mutex
	last    time.Time
	lastErr error
}

func (t *cycleTracker) record(rep dispatch.CycleReport, err error) {
	if errors.Is(err, dispatch.ErrCycleRunning) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = rep.Finished
	if t.last.IsZero() {
		t.last = time.Now()
	}
	t.lastErr = err
	if err == nil && rep.Error != "" {
		t.lastErr = errors.New(rep.Error)
	}
}

func (t *cycleTracker) status() (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.lastErr
}
