package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task executor. The scheduler only triggers; running
// work (timeouts, retries, overlap) is handled here.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	HistorySize int
}

type OverlapPolicy int

const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults() TaskOptions {
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// RunState tracks whether a task is in flight. SkipIfRunning means "skip if
// running or already queued", so a fast trigger cannot pile up the queue.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Running reports whether a run is queued or in flight.
func (s *RunState) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

const (
	EventStarted  = "task.started"
	EventFinished = "task.finished"
	EventFailed   = "task.failed"
	EventSkipped  = "task.skipped"
	EventDropped  = "task.dropped"
)

// Task is a unit of work executed by the engine.
// State gates overlap; when nil the engine keys state by Name.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

// Snapshot is a point-in-time view for health output.
type Snapshot struct {
	Enabled  bool          `json:"enabled"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int           `json:"in_flight"`
	Dropped  uint64        `json:"dropped"`
	Skipped  uint64        `json:"skipped"`
	History  []HistoryItem `json:"history"`
}
