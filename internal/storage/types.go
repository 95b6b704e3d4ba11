package storage

import (
	"context"
	"errors"
	"time"

	"postpilot/internal/domain"
)

var (
	ErrNotFound = errors.New("storage: record not found")
	ErrClosed   = errors.New("storage: closed")

	// ErrStale means a conditional write matched no row: the post was
	// removed, left pending, or changed since it was read.
	ErrStale = errors.New("storage: post changed or removed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (lost on restart)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DueQuery selects posts eligible for a dispatch cycle:
// status pending, ScheduleAt <= Now, Attempts < MaxAttempts.
// Results are ordered by ScheduleAt then ID. Limit <= 0 means no limit.
type DueQuery struct {
	Now         time.Time
	MaxAttempts int
	Limit       int
}

// AuditQuery filters audit entries. Empty fields match everything.
// Entries are returned oldest first.
type AuditQuery struct {
	UserID string
	PostID string
	Level  domain.Level
	Limit  int
}

type PostStore interface {
	FindDue(ctx context.Context, q DueQuery) ([]domain.Post, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Post, error)
	GetPost(ctx context.Context, id string) (domain.Post, error)
	UpsertPost(ctx context.Context, p domain.Post) error
	DeletePost(ctx context.Context, id string) error

	// UpdatePostState writes status, attempts, last error and posted time
	// of a pending post whose stored attempt count is still expectAttempts.
	// It never inserts. ErrStale when no row matches.
	UpdatePostState(ctx context.Context, p domain.Post, expectAttempts int) error
	// UpdatePendingPost writes content, schedule and media of a post that
	// is still pending. Dispatch state is left alone. ErrStale when no row
	// matches.
	UpdatePendingPost(ctx context.Context, p domain.Post) error
}

type CredentialStore interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetUserByPlatformID(ctx context.Context, platformID string) (domain.User, error)
	UpsertUser(ctx context.Context, u domain.User) error
}

type AuditLog interface {
	Append(ctx context.Context, e domain.AuditEntry) error
	ListAudit(ctx context.Context, q AuditQuery) ([]domain.AuditEntry, error)
}

// Store is the full persistence API used by the app.
type Store interface {
	PostStore
	CredentialStore
	AuditLog
	Close() error
}
