package dispatch

import (
	"context"
	"errors"
	"time"

	"postpilot/internal/notifier"
	"postpilot/internal/storage"
)

const (
	DefaultMaxAttempts      = 3
	DefaultRefreshThreshold = 2 * time.Minute

	// persistTimeout bounds record writes made after a remote call. Those
	// writes detach from the cycle context so a publish that already went
	// out is never left unrecorded.
	persistTimeout = 10 * time.Second
)

var ErrCycleRunning = errors.New("dispatch cycle already running")

// Config is the dispatch policy. It can be swapped at runtime with Apply.
type Config struct {
	MaxAttempts      int
	RefreshThreshold time.Duration
	Concurrency      int
	BatchSize        int  // 0 means no limit
	FailExhausted    bool // mark posts failed once attempts reach MaxAttempts
}

func (c Config) normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.BatchSize < 0 {
		c.BatchSize = 0
	}
	return c
}

// Store is the persistence the engine needs.
type Store interface {
	storage.PostStore
	storage.CredentialStore
	storage.AuditLog
}

// Notifier receives per-post failures. It must not block for long and
// never reports errors back.
type Notifier interface {
	NotifyFailure(ctx context.Context, f notifier.Failure)
}

// CycleReport summarizes one dispatch cycle.
//
// Failed = Retrying + Abandoned. Abandoned posts reached the attempt
// ceiling in this cycle. Orphaned posts had no owner and were marked failed.
// Skipped posts were deleted, edited out of the due window, or settled
// elsewhere between selection and their state write.
type CycleReport struct {
	Started     time.Time     `json:"started"`
	Finished    time.Time     `json:"finished"`
	Duration    time.Duration `json:"duration"`
	Selected    int           `json:"selected"`
	Posted      int           `json:"posted"`
	Failed      int           `json:"failed"`
	Retrying    int           `json:"retrying"`
	Abandoned   int           `json:"abandoned"`
	Orphaned    int           `json:"orphaned"`
	Skipped     int           `json:"skipped"`
	StoreErrors int           `json:"store_errors"`
	Panicked    bool          `json:"panicked,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// PostEvent is published for every processed post.
type PostEvent struct {
	PostID     string    `json:"post_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	Kind       string    `json:"kind,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

const (
	EventCycle  = "dispatch.cycle"
	EventPosted = "post.posted"
	EventFailed = "post.failed"
)

type outcome int

const (
	outcomeNone outcome = iota // left untouched, e.g. owner lookup failed
	outcomePosted
	outcomeRetrying
	outcomeAbandoned
	outcomeOrphaned
	outcomeSkipped
)

func (r *CycleReport) add(o outcome, storeErr bool) {
	switch o {
	case outcomePosted:
		r.Posted++
	case outcomeRetrying:
		r.Failed++
		r.Retrying++
	case outcomeAbandoned:
		r.Failed++
		r.Abandoned++
	case outcomeOrphaned:
		r.Orphaned++
	case outcomeSkipped:
		r.Skipped++
	}
	if storeErr {
		r.StoreErrors++
	}
}
