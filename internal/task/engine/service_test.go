package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, ch <-chan eventbus.Event, typ string) TaskEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev.Data.(TaskEvent)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()
	s := startEngine(t, Config{Workers: 2, QueueSize: 4}, bus)

	release := make(chan struct{})
	var runs atomic.Int32
	task := Task{Name: "dispatch.cycle", Run: func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}}

	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	waitFor(t, events, EventStarted)
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitFor(t, events, EventFinished)

	if err := s.Enqueue(task); err != nil {
		t.Fatalf("enqueue after finish: %v", err)
	}
	waitFor(t, events, EventFinished)
	if runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2", runs.Load())
	}
	if snap := s.Snapshot(); snap.Skipped != 1 || len(snap.History) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	_ = s.Enqueue(Task{Name: "bad", Run: func(ctx context.Context) error { panic("boom") }})
	ev := waitFor(t, events, EventFailed)
	if ev.Error == "" {
		t.Fatal("expected panic to be reported as error")
	}

	// The worker survives and runs the next task.
	_ = s.Enqueue(Task{Name: "good", Run: func(ctx context.Context) error { return nil }})
	if ev := waitFor(t, events, EventFinished); ev.Name != "good" {
		t.Fatalf("finished = %+v", ev)
	}
}

func TestRetryAndNoRetry(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	var flaky atomic.Int32
	_ = s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if flaky.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if ev := waitFor(t, events, EventFinished); ev.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", ev.Attempts)
	}

	var permanent atomic.Int32
	_ = s.Enqueue(Task{
		Name: "permanent",
		Opt:  TaskOptions{RetryMax: 5, RetryBase: time.Millisecond},
		Run: func(ctx context.Context) error {
			permanent.Add(1)
			return NoRetry(errors.New("bad input"))
		},
	})
	ev := waitFor(t, events, EventFailed)
	if ev.Attempts != 1 || permanent.Load() != 1 {
		t.Fatalf("attempts = %d runs = %d", ev.Attempts, permanent.Load())
	}
}

func TestTaskTimeout(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond}, bus)

	_ = s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ev := waitFor(t, events, EventFailed)
	if ev.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("error = %q", ev.Error)
	}
}

func TestEnqueueWhenDisabledOrStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	run := func(ctx context.Context) error { return nil }
	if err := s.Enqueue(Task{Name: "x", Run: run}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: run}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}
	if err := s.Enqueue(Task{Run: run}); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestBackoffDelayBounded(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for retry := 1; retry < 10; retry++ {
		if d := backoffDelay(opt, retry, nil); d > time.Second || d <= 0 {
			t.Fatalf("retry %d delay %v", retry, d)
		}
	}
}
