package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "postpilot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	name := qt.task.Name

	s.log.Debug("task.started", logx.String("task", name), logx.Duration("queue_delay", queueDelay))
	s.publish(EventStarted, TaskEvent{ID: qt.task.ID, Name: name, Started: start, QueueDelay: queueDelay})

	var err error
	attempts := 0
	maxAttempts := 1 + qt.opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runAttempt(ctx, qt)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(qt.opt, attempt, rng)
		s.log.Debug("task retry scheduled", logx.String("task", name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	// Free the overlap slot before announcing the result so a listener can
	// enqueue the next run right away.
	if qt.track {
		qt.state.release()
	}
	ev := TaskEvent{ID: qt.task.ID, Name: name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	s.record(HistoryItem{
		ID:         ev.ID,
		Name:       name,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   dur,
		Attempts:   attempts,
		Error:      ev.Error,
	})
	if err != nil {
		s.log.Warn("task.failed", logx.String("task", name), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(EventFailed, ev)
	} else {
		s.log.Debug("task.completed", logx.String("task", name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(EventFinished, ev)
	}
}

// runAttempt runs the task once under its timeout. A panic becomes an error
// so one bad task cannot kill a worker.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
			break
		}
	}
	if opt.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > opt.RetryMaxDelay {
		d = opt.RetryMaxDelay
	}
	return d
}
