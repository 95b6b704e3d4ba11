package domain

import "time"

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// AuditEntry is an append-only record of a notable dispatch event.
type AuditEntry struct {
	ID        int64          `json:"id"`
	UserID    string         `json:"userId,omitempty"`
	PostID    string         `json:"postId,omitempty"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
