package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/task/engine"
	logx "postpilot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Kolkata"
}

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type scheduleDef struct {
	name    string
	spec    string // normalized cron spec or "@every <d>"
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     TaskOptions
	state   *engine.RunState
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Running bool          `json:"running"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
