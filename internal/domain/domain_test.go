package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPostTransitions(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	p := Post{Status: StatusPending}
	p.RecordAttempt("boom", now)
	if p.Attempts != 1 || p.LastError != "boom" || p.Status != StatusPending {
		t.Fatalf("unexpected post after attempt: %+v", p)
	}

	p.MarkPosted(now)
	if p.Status != StatusPosted || p.PostedAt == nil || !p.PostedAt.Equal(now) {
		t.Fatalf("unexpected post after posted: %+v", p)
	}

	// Terminal states never change.
	p.MarkFailed("late", now)
	if p.Status != StatusPosted {
		t.Fatalf("posted must be terminal, got %s", p.Status)
	}
}

func TestPostDue(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tests := []struct {
		name string
		post Post
		want bool
	}{
		{name: "due", post: Post{Status: StatusPending, ScheduleAt: now.Add(-time.Minute)}, want: true},
		{name: "exactly now", post: Post{Status: StatusPending, ScheduleAt: now}, want: true},
		{name: "future", post: Post{Status: StatusPending, ScheduleAt: now.Add(time.Minute)}, want: false},
		{name: "exhausted", post: Post{Status: StatusPending, ScheduleAt: now, Attempts: 3}, want: false},
		{name: "posted", post: Post{Status: StatusPosted, ScheduleAt: now}, want: false},
	}
	for _, tt := range tests {
		if got := tt.post.Due(now, 3); got != tt.want {
			t.Fatalf("%s: Due = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestUserNeedsRefresh(t *testing.T) {
	t.Parallel()
	now := time.Now()
	soon := now.Add(60 * time.Second)
	later := now.Add(10 * time.Minute)
	edge := now.Add(2 * time.Minute)

	if (User{}).NeedsRefresh(now, 2*time.Minute) {
		t.Fatal("unknown expiry must not need refresh")
	}
	if !(User{TokenExpiresAt: &soon}).NeedsRefresh(now, 2*time.Minute) {
		t.Fatal("expiry in 60s must need refresh")
	}
	if !(User{TokenExpiresAt: &edge}).NeedsRefresh(now, 2*time.Minute) {
		t.Fatal("expiry exactly at threshold must need refresh")
	}
	if (User{TokenExpiresAt: &later}).NeedsRefresh(now, 2*time.Minute) {
		t.Fatal("expiry in 10m must not need refresh")
	}
}

func TestUserApplyTokenKeepsRefreshToken(t *testing.T) {
	t.Parallel()
	now := time.Now()
	u := User{RefreshToken: "old"}
	u.ApplyToken("new-access", time.Hour, "", now)
	if u.RefreshToken != "old" {
		t.Fatalf("refresh token = %q, want old", u.RefreshToken)
	}
	if u.TokenExpiresAt == nil || !u.TokenExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expiry = %v", u.TokenExpiresAt)
	}
	u.ApplyToken("newer", time.Hour, "rotated", now)
	if u.RefreshToken != "rotated" {
		t.Fatalf("refresh token = %q, want rotated", u.RefreshToken)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrap: %w", NewError(KindRefreshFailed, errors.New("401"), "token refresh failed: %s", "401"))
	if got := KindOf(err); got != KindRefreshFailed {
		t.Fatalf("KindOf = %v", got)
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("plain error must be KindUnknown")
	}
	if KindDataIntegrity.Retryable() {
		t.Fatal("data integrity must not be retryable")
	}
	if !KindTimeout.Retryable() {
		t.Fatal("timeout must be retryable")
	}
}
