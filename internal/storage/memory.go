package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"postpilot/internal/domain"
)

// memoryStore keeps everything in process maps. Records are copied on the way
// in and out so callers never share slices with the store.
type memoryStore struct {
	mu     sync.RWMutex
	closed bool

	posts map[string]domain.Post
	users map[string]domain.User
	audit []domain.AuditEntry
	seq   int64
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		posts: map[string]domain.Post{},
		users: map[string]domain.User{},
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) FindDue(ctx context.Context, q DueQuery) ([]domain.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]domain.Post, 0)
	for _, p := range s.posts {
		if p.Due(q.Now, q.MaxAttempts) {
			out = append(out, clonePost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduleAt.Equal(out[j].ScheduleAt) {
			return out[i].ScheduleAt.Before(out[j].ScheduleAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memoryStore) ListByUser(ctx context.Context, userID string) ([]domain.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]domain.Post, 0)
	for _, p := range s.posts {
		if p.UserID == userID {
			out = append(out, clonePost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduleAt.Equal(out[j].ScheduleAt) {
			return out[i].ScheduleAt.After(out[j].ScheduleAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) GetPost(ctx context.Context, id string) (domain.Post, error) {
	if err := ctx.Err(); err != nil {
		return domain.Post{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.Post{}, ErrClosed
	}
	p, ok := s.posts[id]
	if !ok {
		return domain.Post{}, ErrNotFound
	}
	return clonePost(p), nil
}

func (s *memoryStore) UpsertPost(ctx context.Context, p domain.Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := time.Now()
	if prev, ok := s.posts[p.ID]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = prev.CreatedAt
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	s.posts[p.ID] = clonePost(p)
	return nil
}

func (s *memoryStore) UpdatePostState(ctx context.Context, p domain.Post, expectAttempts int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.posts[p.ID]
	if !ok || cur.Status != domain.StatusPending || cur.Attempts != expectAttempts {
		return ErrStale
	}
	cur.Status = p.Status
	cur.Attempts = p.Attempts
	cur.LastError = p.LastError
	cur.PostedAt = nil
	if p.PostedAt != nil {
		t := *p.PostedAt
		cur.PostedAt = &t
	}
	cur.UpdatedAt = stamp(p.UpdatedAt)
	s.posts[p.ID] = cur
	return nil
}

func (s *memoryStore) UpdatePendingPost(ctx context.Context, p domain.Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.posts[p.ID]
	if !ok || cur.Status != domain.StatusPending {
		return ErrStale
	}
	cur.Content = p.Content
	cur.ScheduleAt = p.ScheduleAt
	cur.Media = clonePost(p).Media
	cur.UpdatedAt = stamp(p.UpdatedAt)
	s.posts[p.ID] = cur
	return nil
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func (s *memoryStore) DeletePost(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.posts[id]; !ok {
		return ErrNotFound
	}
	delete(s.posts, id)
	return nil
}

func (s *memoryStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	if err := ctx.Err(); err != nil {
		return domain.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.User{}, ErrClosed
	}
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *memoryStore) GetUserByPlatformID(ctx context.Context, platformID string) (domain.User, error) {
	if err := ctx.Err(); err != nil {
		return domain.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.User{}, ErrClosed
	}
	for _, u := range s.users {
		if u.PlatformID == platformID {
			return cloneUser(u), nil
		}
	}
	return domain.User{}, ErrNotFound
}

func (s *memoryStore) UpsertUser(ctx context.Context, u domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := time.Now()
	if prev, ok := s.users[u.ID]; ok && u.CreatedAt.IsZero() {
		u.CreatedAt = prev.CreatedAt
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *memoryStore) Append(ctx context.Context, e domain.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.seq++
	e.ID = s.seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Meta = cloneMeta(e.Meta)
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) ListAudit(ctx context.Context, q AuditQuery) ([]domain.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]domain.AuditEntry, 0)
	for _, e := range s.audit {
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.PostID != "" && e.PostID != q.PostID {
			continue
		}
		if q.Level != "" && e.Level != q.Level {
			continue
		}
		e.Meta = cloneMeta(e.Meta)
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func clonePost(p domain.Post) domain.Post {
	if p.Media != nil {
		p.Media = append([]domain.Media(nil), p.Media...)
	}
	if p.PostedAt != nil {
		t := *p.PostedAt
		p.PostedAt = &t
	}
	return p
}

func cloneUser(u domain.User) domain.User {
	if u.TokenExpiresAt != nil {
		t := *u.TokenExpiresAt
		u.TokenExpiresAt = &t
	}
	return u
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
