package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const postColumns = "id, user_id, content, schedule_at, status, attempts, last_error, posted_at, media, created_at, updated_at"

const userColumns = "id, platform_id, first_name, last_name, author_urn, access_token, refresh_token, token_expires_at, scopes, created_at, updated_at"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage"))}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- posts ----

func (s *sqliteStore) FindDue(ctx context.Context, q DueQuery) ([]domain.Post, error) {
	b := sq.Select(postColumns).From("posts").
		Where(sq.Eq{"status": string(domain.StatusPending)}).
		Where(sq.LtOrEq{"schedule_at": q.Now.UnixMilli()}).
		Where(sq.Lt{"attempts": q.MaxAttempts}).
		OrderBy("schedule_at ASC", "id ASC")
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	return s.queryPosts(ctx, b)
}

func (s *sqliteStore) ListByUser(ctx context.Context, userID string) ([]domain.Post, error) {
	b := sq.Select(postColumns).From("posts").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("schedule_at DESC", "id ASC")
	return s.queryPosts(ctx, b)
}

func (s *sqliteStore) GetPost(ctx context.Context, id string) (domain.Post, error) {
	posts, err := s.queryPosts(ctx, sq.Select(postColumns).From("posts").Where(sq.Eq{"id": id}).Limit(1))
	if err != nil {
		return domain.Post{}, err
	}
	if len(posts) == 0 {
		return domain.Post{}, ErrNotFound
	}
	return posts[0], nil
}

func (s *sqliteStore) UpsertPost(ctx context.Context, p domain.Post) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	media, err := encodeJSON(p.Media)
	if err != nil {
		return fmt.Errorf("encode media: %w", err)
	}
	query, args, err := sq.Insert("posts").
		Columns("id", "user_id", "content", "schedule_at", "status", "attempts", "last_error", "posted_at", "media", "created_at", "updated_at").
		Values(p.ID, p.UserID, p.Content, p.ScheduleAt.UnixMilli(), string(p.Status), p.Attempts,
			nullStr(p.LastError), nullMillis(p.PostedAt), media, p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli()).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, content=excluded.content, schedule_at=excluded.schedule_at,
			status=excluded.status, attempts=excluded.attempts, last_error=excluded.last_error,
			posted_at=excluded.posted_at, media=excluded.media, updated_at=excluded.updated_at`).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *sqliteStore) UpdatePostState(ctx context.Context, p domain.Post, expectAttempts int) error {
	return s.execConditional(ctx, sq.Update("posts").
		Set("status", string(p.Status)).
		Set("attempts", p.Attempts).
		Set("last_error", nullStr(p.LastError)).
		Set("posted_at", nullMillis(p.PostedAt)).
		Set("updated_at", stamp(p.UpdatedAt).UnixMilli()).
		Where(sq.Eq{
			"id":       p.ID,
			"status":   string(domain.StatusPending),
			"attempts": expectAttempts,
		}))
}

func (s *sqliteStore) UpdatePendingPost(ctx context.Context, p domain.Post) error {
	media, err := encodeJSON(p.Media)
	if err != nil {
		return fmt.Errorf("encode media: %w", err)
	}
	return s.execConditional(ctx, sq.Update("posts").
		Set("content", p.Content).
		Set("schedule_at", p.ScheduleAt.UnixMilli()).
		Set("media", media).
		Set("updated_at", stamp(p.UpdatedAt).UnixMilli()).
		Where(sq.Eq{"id": p.ID, "status": string(domain.StatusPending)}))
}

func (s *sqliteStore) execConditional(ctx context.Context, b sq.UpdateBuilder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

func (s *sqliteStore) DeletePost(ctx context.Context, id string) error {
	query, args, err := sq.Delete("posts").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) queryPosts(ctx context.Context, b sq.SelectBuilder) ([]domain.Post, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Post, 0)
	for rows.Next() {
		var (
			p          domain.Post
			status     string
			lastErr    sql.NullString
			postedAt   sql.NullInt64
			media      sql.NullString
			scheduleAt int64
			created    int64
			updated    int64
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Content, &scheduleAt, &status, &p.Attempts,
			&lastErr, &postedAt, &media, &created, &updated); err != nil {
			return nil, err
		}
		p.Status = domain.Status(status)
		p.ScheduleAt = time.UnixMilli(scheduleAt)
		p.LastError = lastErr.String
		p.PostedAt = millisPtr(postedAt)
		p.CreatedAt = time.UnixMilli(created)
		p.UpdatedAt = time.UnixMilli(updated)
		if media.Valid && media.String != "" {
			if err := json.Unmarshal([]byte(media.String), &p.Media); err != nil {
				s.log.Warn("bad media column", logx.String("post_id", p.ID), logx.Err(err))
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- users ----

func (s *sqliteStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	return s.queryUser(ctx, sq.Eq{"id": id})
}

func (s *sqliteStore) GetUserByPlatformID(ctx context.Context, platformID string) (domain.User, error) {
	return s.queryUser(ctx, sq.Eq{"platform_id": platformID})
}

func (s *sqliteStore) UpsertUser(ctx context.Context, u domain.User) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	query, args, err := sq.Insert("users").
		Columns("id", "platform_id", "first_name", "last_name", "author_urn", "access_token", "refresh_token",
			"token_expires_at", "scopes", "created_at", "updated_at").
		Values(u.ID, u.PlatformID, nullStr(u.FirstName), nullStr(u.LastName), u.AuthorURN, u.AccessToken, u.RefreshToken,
			nullMillis(u.TokenExpiresAt), nullStr(u.Scopes), u.CreatedAt.UnixMilli(), u.UpdatedAt.UnixMilli()).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			platform_id=excluded.platform_id, first_name=excluded.first_name, last_name=excluded.last_name,
			author_urn=excluded.author_urn, access_token=excluded.access_token, refresh_token=excluded.refresh_token,
			token_expires_at=excluded.token_expires_at, scopes=excluded.scopes, updated_at=excluded.updated_at`).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *sqliteStore) queryUser(ctx context.Context, where sq.Eq) (domain.User, error) {
	query, args, err := sq.Select(userColumns).From("users").Where(where).Limit(1).ToSql()
	if err != nil {
		return domain.User{}, err
	}
	var (
		u                  domain.User
		first, last, scope sql.NullString
		expires            sql.NullInt64
		created, updated   int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &u.PlatformID, &first, &last, &u.AuthorURN,
		&u.AccessToken, &u.RefreshToken, &expires, &scope, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	u.FirstName = first.String
	u.LastName = last.String
	u.Scopes = scope.String
	u.TokenExpiresAt = millisPtr(expires)
	u.CreatedAt = time.UnixMilli(created)
	u.UpdatedAt = time.UnixMilli(updated)
	return u, nil
}

// ---- audit ----

func (s *sqliteStore) Append(ctx context.Context, e domain.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	meta, err := encodeJSON(e.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	query, args, err := sq.Insert("audit").
		Columns("user_id", "post_id", "level", "message", "meta", "created_at").
		Values(nullStr(e.UserID), nullStr(e.PostID), string(e.Level), e.Message, meta, e.CreatedAt.UnixMilli()).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, q AuditQuery) ([]domain.AuditEntry, error) {
	b := sq.Select("id, user_id, post_id, level, message, meta, created_at").From("audit").OrderBy("id ASC")
	if q.UserID != "" {
		b = b.Where(sq.Eq{"user_id": q.UserID})
	}
	if q.PostID != "" {
		b = b.Where(sq.Eq{"post_id": q.PostID})
	}
	if q.Level != "" {
		b = b.Where(sq.Eq{"level": string(q.Level)})
	}
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			e              domain.AuditEntry
			userID, postID sql.NullString
			level          string
			meta           sql.NullString
			created        int64
		)
		if err := rows.Scan(&e.ID, &userID, &postID, &level, &e.Message, &meta, &created); err != nil {
			return nil, err
		}
		e.UserID = userID.String
		e.PostID = postID.String
		e.Level = domain.Level(level)
		e.CreatedAt = time.UnixMilli(created)
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &e.Meta)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeJSON(v any) (any, error) {
	switch t := v.(type) {
	case []domain.Media:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
