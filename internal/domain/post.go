package domain

import "time"

// Status is the lifecycle state of a Post.
//
// Allowed transitions: pending -> posted, pending -> failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusPosted  Status = "posted"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPosted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusPosted || s == StatusFailed }

// Media references an asset already uploaded to the platform.
type Media struct {
	AssetURN string `json:"assetUrn"`
	Title    string `json:"title,omitempty"`
}

// Post is a piece of user content scheduled for publishing.
type Post struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Content    string     `json:"content"`
	ScheduleAt time.Time  `json:"scheduleDate"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"lastError,omitempty"`
	PostedAt   *time.Time `json:"postedAt,omitempty"`
	Media      []Media    `json:"media"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Editable reports whether external callers may still change or delete the post.
func (p Post) Editable() bool { return p.Status == StatusPending }

// Due reports whether the post is eligible for a dispatch cycle at now.
func (p Post) Due(now time.Time, maxAttempts int) bool {
	return p.Status == StatusPending && !p.ScheduleAt.After(now) && p.Attempts < maxAttempts
}

// MarkPosted moves a pending post to posted.
func (p *Post) MarkPosted(at time.Time) {
	if p.Status != StatusPending {
		return
	}
	t := at
	p.Status = StatusPosted
	p.PostedAt = &t
	p.LastError = ""
	p.UpdatedAt = at
}

// MarkFailed moves a pending post to the terminal failed state.
func (p *Post) MarkFailed(reason string, at time.Time) {
	if p.Status != StatusPending {
		return
	}
	p.Status = StatusFailed
	p.LastError = reason
	p.UpdatedAt = at
}

// RecordAttempt counts one failed attempt. The post stays pending.
func (p *Post) RecordAttempt(reason string, at time.Time) {
	p.Attempts++
	p.LastError = reason
	p.UpdatedAt = at
}
