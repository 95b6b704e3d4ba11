package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlite.Close()
		_ = mem.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": sqlite}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty driver")
	}
}

func TestFindDueSelection(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			posts := []domain.Post{
				{ID: "b-due", UserID: "u1", Content: "x", ScheduleAt: base.Add(-time.Minute), Status: domain.StatusPending},
				{ID: "a-due", UserID: "u1", Content: "x", ScheduleAt: base.Add(-time.Minute), Status: domain.StatusPending, Attempts: 2},
				{ID: "early", UserID: "u1", Content: "x", ScheduleAt: base.Add(-time.Hour), Status: domain.StatusPending},
				{ID: "future", UserID: "u1", Content: "x", ScheduleAt: base.Add(time.Minute), Status: domain.StatusPending},
				{ID: "exhausted", UserID: "u1", Content: "x", ScheduleAt: base.Add(-time.Hour), Status: domain.StatusPending, Attempts: 3},
				{ID: "posted", UserID: "u1", Content: "x", ScheduleAt: base.Add(-time.Hour), Status: domain.StatusPosted},
				{ID: "failed", UserID: "u1", Content: "x", ScheduleAt: base.Add(-time.Hour), Status: domain.StatusFailed},
				{ID: "exact", UserID: "u1", Content: "x", ScheduleAt: base, Status: domain.StatusPending},
			}
			for _, p := range posts {
				if err := st.UpsertPost(ctx, p); err != nil {
					t.Fatalf("upsert %s: %v", p.ID, err)
				}
			}

			due, err := st.FindDue(ctx, DueQuery{Now: base, MaxAttempts: 3})
			if err != nil {
				t.Fatalf("FindDue: %v", err)
			}
			want := []string{"early", "a-due", "b-due", "exact"}
			if len(due) != len(want) {
				t.Fatalf("got %d due posts, want %d: %+v", len(due), len(want), ids(due))
			}
			for i, id := range want {
				if due[i].ID != id {
					t.Fatalf("due[%d] = %s, want %s (all %v)", i, due[i].ID, id, ids(due))
				}
			}

			limited, err := st.FindDue(ctx, DueQuery{Now: base, MaxAttempts: 3, Limit: 2})
			if err != nil {
				t.Fatalf("FindDue limit: %v", err)
			}
			if len(limited) != 2 || limited[0].ID != "early" {
				t.Fatalf("limited = %v", ids(limited))
			}
		})
	}
}

func TestPostRoundTrip(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			p := domain.Post{
				ID: "p1", UserID: "u1", Content: "hello", ScheduleAt: at, Status: domain.StatusPending,
				Media: []domain.Media{{AssetURN: "urn:li:digitalmediaAsset:1", Title: "pic"}},
			}
			if err := st.UpsertPost(ctx, p); err != nil {
				t.Fatalf("upsert: %v", err)
			}

			p.RecordAttempt("boom", at)
			p.MarkPosted(at.Add(time.Minute))
			if err := st.UpsertPost(ctx, p); err != nil {
				t.Fatalf("update: %v", err)
			}

			got, err := st.GetPost(ctx, "p1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != domain.StatusPosted || got.Attempts != 1 || got.LastError != "" {
				t.Fatalf("unexpected post: %+v", got)
			}
			if got.PostedAt == nil || !got.PostedAt.Equal(at.Add(time.Minute)) {
				t.Fatalf("posted_at = %v", got.PostedAt)
			}
			if len(got.Media) != 1 || got.Media[0].AssetURN != "urn:li:digitalmediaAsset:1" {
				t.Fatalf("media = %+v", got.Media)
			}
			if !got.ScheduleAt.Equal(at) {
				t.Fatalf("schedule = %v", got.ScheduleAt)
			}

			if err := st.DeletePost(ctx, "p1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := st.GetPost(ctx, "p1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get after delete err = %v", err)
			}
			if err := st.DeletePost(ctx, "p1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second delete err = %v", err)
			}
		})
	}
}

func TestListByUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"old", "mid", "new"} {
				p := domain.Post{ID: id, UserID: "u1", Content: id, ScheduleAt: at.Add(time.Duration(i) * time.Hour), Status: domain.StatusPending}
				if err := st.UpsertPost(ctx, p); err != nil {
					t.Fatalf("upsert: %v", err)
				}
			}
			_ = st.UpsertPost(ctx, domain.Post{ID: "other", UserID: "u2", Content: "x", ScheduleAt: at, Status: domain.StatusPending})

			got, err := st.ListByUser(ctx, "u1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 3 || got[0].ID != "new" || got[2].ID != "old" {
				t.Fatalf("list = %v", ids(got))
			}
		})
	}
}

func TestUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			u := domain.User{ID: "u1", PlatformID: "abc", AuthorURN: "urn:li:person:abc", RefreshToken: "r1"}
			u.ApplyToken("a1", time.Hour, "", now)
			if err := st.UpsertUser(ctx, u); err != nil {
				t.Fatalf("upsert: %v", err)
			}

			got, err := st.GetUserByPlatformID(ctx, "abc")
			if err != nil {
				t.Fatalf("get by platform: %v", err)
			}
			if got.ID != "u1" || got.AccessToken != "a1" || got.RefreshToken != "r1" {
				t.Fatalf("unexpected user: %+v", got)
			}
			if got.TokenExpiresAt == nil || !got.TokenExpiresAt.Equal(now.Add(time.Hour)) {
				t.Fatalf("expiry = %v", got.TokenExpiresAt)
			}

			got.ApplyToken("a2", 0, "r2", now)
			if err := st.UpsertUser(ctx, got); err != nil {
				t.Fatalf("update: %v", err)
			}
			again, err := st.GetUser(ctx, "u1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if again.AccessToken != "a2" || again.RefreshToken != "r2" || again.TokenExpiresAt != nil {
				t.Fatalf("after update: %+v", again)
			}

			if _, err := st.GetUser(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing user err = %v", err)
			}
		})
	}
}

func TestAuditAppendAndFilter(t *testing.T) {
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			entries := []domain.AuditEntry{
				{UserID: "u1", PostID: "p1", Level: domain.LevelError, Message: "first", Meta: map[string]any{"kind": "remote"}},
				{UserID: "u1", PostID: "p2", Level: domain.LevelInfo, Message: "second"},
				{UserID: "u2", PostID: "p1", Level: domain.LevelError, Message: "third"},
			}
			for _, e := range entries {
				if err := st.Append(ctx, e); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			all, err := st.ListAudit(ctx, AuditQuery{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(all) != 3 || all[0].Message != "first" || all[2].Message != "third" {
				t.Fatalf("all = %+v", all)
			}
			if all[0].ID >= all[1].ID {
				t.Fatalf("ids not increasing: %d, %d", all[0].ID, all[1].ID)
			}
			if all[0].Meta["kind"] != "remote" {
				t.Fatalf("meta = %+v", all[0].Meta)
			}

			p1, err := st.ListAudit(ctx, AuditQuery{PostID: "p1", Level: domain.LevelError})
			if err != nil {
				t.Fatalf("filter: %v", err)
			}
			if len(p1) != 2 {
				t.Fatalf("p1 errors = %+v", p1)
			}
		})
	}
}

func TestMemoryClosed(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	_ = st.Close()
	if _, err := st.GetPost(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}

func ids(ps []domain.Post) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func TestConditionalPostWrites(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			seed := domain.Post{ID: "p1", UserID: "u1", Content: "draft", ScheduleAt: at, Status: domain.StatusPending}
			if err := st.UpsertPost(ctx, seed); err != nil {
				t.Fatalf("upsert: %v", err)
			}

			// Content edits leave dispatch state alone.
			edit := domain.Post{ID: "p1", UserID: "other", Content: "final", ScheduleAt: at.Add(time.Hour), Attempts: 9, Status: domain.StatusFailed}
			if err := st.UpdatePendingPost(ctx, edit); err != nil {
				t.Fatalf("edit: %v", err)
			}
			got, _ := st.GetPost(ctx, "p1")
			if got.Content != "final" || !got.ScheduleAt.Equal(at.Add(time.Hour)) || got.UserID != "u1" || got.Attempts != 0 || got.Status != domain.StatusPending {
				t.Fatalf("after edit = %+v", got)
			}

			// State writes leave content alone and check the attempt count.
			attempt := got
			attempt.Content = "ignored"
			attempt.RecordAttempt("boom", at)
			if err := st.UpdatePostState(ctx, attempt, 0); err != nil {
				t.Fatalf("state write: %v", err)
			}
			if err := st.UpdatePostState(ctx, attempt, 0); !errors.Is(err, ErrStale) {
				t.Fatalf("repeat with old attempts err = %v, want ErrStale", err)
			}
			got, _ = st.GetPost(ctx, "p1")
			if got.Attempts != 1 || got.LastError != "boom" || got.Content != "final" {
				t.Fatalf("after state write = %+v", got)
			}

			posted := got
			posted.MarkPosted(at.Add(time.Minute))
			if err := st.UpdatePostState(ctx, posted, 1); err != nil {
				t.Fatalf("mark posted: %v", err)
			}
			if err := st.UpdatePendingPost(ctx, edit); !errors.Is(err, ErrStale) {
				t.Fatalf("edit posted err = %v, want ErrStale", err)
			}
			if err := st.UpdatePostState(ctx, posted, 1); !errors.Is(err, ErrStale) {
				t.Fatalf("state write on posted err = %v, want ErrStale", err)
			}

			ghost := domain.Post{ID: "ghost", UserID: "u1", Content: "x", ScheduleAt: at, Status: domain.StatusPending}
			if err := st.UpdatePostState(ctx, ghost, 0); !errors.Is(err, ErrStale) {
				t.Fatalf("state write on missing err = %v, want ErrStale", err)
			}
			if err := st.UpdatePendingPost(ctx, ghost); !errors.Is(err, ErrStale) {
				t.Fatalf("edit missing err = %v, want ErrStale", err)
			}
			if _, err := st.GetPost(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("conditional write inserted a row: err = %v", err)
			}
		})
	}
}
