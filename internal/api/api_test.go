package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"postpilot/internal/domain"
	"postpilot/internal/platform"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type stubClient struct {
	token      platform.Token
	profile    platform.Profile
	exchangeEr error
}

func (s *stubClient) AuthorizeURL(state string) string {
	return "https://auth.example/authorize?state=" + url.QueryEscape(state)
}
func (s *stubClient) ExchangeCode(ctx context.Context, code string) (platform.Token, error) {
	return s.token, s.exchangeEr
}
func (s *stubClient) FetchProfile(ctx context.Context, accessToken string) (platform.Profile, error) {
	return s.profile, nil
}
func (s *stubClient) Refresh(ctx context.Context, refreshToken string) (platform.Token, error) {
	return platform.Token{}, errors.New("not used")
}
func (s *stubClient) Publish(ctx context.Context, req platform.PublishRequest) (platform.Result, error) {
	return nil, errors.New("not used")
}

func newTestServer(t *testing.T, client platform.Client) (*Server, storage.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	if client == nil {
		client = &stubClient{}
	}
	s, err := New(Config{JWTSecret: "test-secret"}, store, client, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return s, store
}

func authedUser(t *testing.T, s *Server, store storage.Store, id string) string {
	t.Helper()
	if err := store.UpsertUser(context.Background(), domain.User{ID: id, AuthorURN: "urn:li:person:" + id}); err != nil {
		t.Fatal(err)
	}
	tok, err := s.issueToken(id)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func do(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresSecret(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, storage.NewMemory(), &stubClient{}, logx.Nop()); err == nil {
		t.Fatal("expected error without jwt secret")
	}
}

func TestPostsRequireAuth(t *testing.T) {
	s, store := newTestServer(t, nil)
	if rec := do(s, http.MethodGet, "/api/posts", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/api/posts", "garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", rec.Code)
	}
	// A valid token for a user that no longer exists.
	tok, _ := s.issueToken("ghost")
	if rec := do(s, http.MethodGet, "/api/posts", tok, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user = %d", rec.Code)
	}

	other, err := New(Config{JWTSecret: "other"}, store, &stubClient{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	forged := authedUser(t, other, store, "u1")
	if rec := do(s, http.MethodGet, "/api/posts", forged, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign signature = %d", rec.Code)
	}
}

func TestExpiredToken(t *testing.T) {
	s, store := newTestServer(t, nil)
	tok := authedUser(t, s, store, "u1")
	s.now = func() time.Time { return time.Now().Add(DefaultTokenTTL + time.Hour) }
	if _, err := s.parseToken(tok); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestCreateAndListPosts(t *testing.T) {
	s, store := newTestServer(t, nil)
	tok := authedUser(t, s, store, "u1")
	when := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	if rec := do(s, http.MethodPost, "/api/posts", tok, map[string]any{"content": "hi"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing scheduleDate = %d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/api/posts", tok, map[string]any{"scheduleDate": when}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing content = %d", rec.Code)
	}

	for i, content := range []string{"first", "second"} {
		rec := do(s, http.MethodPost, "/api/posts", tok, map[string]any{
			"content":      content,
			"scheduleDate": when.Add(time.Duration(i) * time.Hour),
			"media":        []domain.Media{{AssetURN: "urn:li:image:1"}},
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
		}
		var p domain.Post
		if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
			t.Fatal(err)
		}
		if p.ID == "" || p.UserID != "u1" || p.Status != domain.StatusPending || len(p.Media) != 1 {
			t.Fatalf("created = %+v", p)
		}
	}

	rec := do(s, http.MethodGet, "/api/posts", tok, nil)
	var posts []domain.Post
	if err := json.Unmarshal(rec.Body.Bytes(), &posts); err != nil {
		t.Fatal(err)
	}
	if len(posts) != 2 || posts[0].Content != "second" {
		t.Fatalf("list = %+v", posts)
	}
}

func TestUpdateAndDeleteGuards(t *testing.T) {
	s, store := newTestServer(t, nil)
	owner := authedUser(t, s, store, "u1")
	intruder := authedUser(t, s, store, "u2")
	ctx := context.Background()
	at := time.Now().Add(time.Hour).UTC()

	_ = store.UpsertPost(ctx, domain.Post{ID: "p1", UserID: "u1", Content: "draft", ScheduleAt: at, Status: domain.StatusPending})
	_ = store.UpsertPost(ctx, domain.Post{ID: "done", UserID: "u1", Content: "sent", ScheduleAt: at, Status: domain.StatusPosted})

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"missing", http.MethodPut, "/api/posts/nope", owner, map[string]any{"content": "x"}, http.StatusNotFound},
		{"not owner", http.MethodPut, "/api/posts/p1", intruder, map[string]any{"content": "x"}, http.StatusForbidden},
		{"not pending", http.MethodPut, "/api/posts/done", owner, map[string]any{"content": "x"}, http.StatusConflict},
		{"empty content", http.MethodPut, "/api/posts/p1", owner, map[string]any{"content": " "}, http.StatusBadRequest},
		{"edit", http.MethodPut, "/api/posts/p1", owner, map[string]any{"content": "final"}, http.StatusOK},
		{"delete not owner", http.MethodDelete, "/api/posts/p1", intruder, nil, http.StatusForbidden},
		{"delete not pending", http.MethodDelete, "/api/posts/done", owner, nil, http.StatusConflict},
		{"delete", http.MethodDelete, "/api/posts/p1", owner, nil, http.StatusOK},
		{"delete again", http.MethodDelete, "/api/posts/p1", owner, nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := do(s, tc.method, tc.path, tc.token, tc.body)
		if rec.Code != tc.want {
			t.Fatalf("%s: status %d, want %d (%s)", tc.name, rec.Code, tc.want, rec.Body.String())
		}
		if tc.name == "edit" {
			p, err := store.GetPost(ctx, "p1")
			if err != nil || p.Content != "final" || !p.ScheduleAt.Equal(at) {
				t.Fatalf("after edit = %+v, %v", p, err)
			}
		}
	}
}

func TestOAuthHandshake(t *testing.T) {
	client := &stubClient{
		token:   platform.Token{AccessToken: "at-1", ExpiresIn: 3600, Scope: "w_member_social"},
		profile: platform.Profile{ID: "abc", FirstName: "Ada", LastName: "L"},
	}
	s, store := newTestServer(t, client)

	rec := do(s, http.MethodGet, "/api/auth/linkedin", "", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("login = %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookie {
			cookie = c
		}
	}
	if state == "" || cookie == nil || cookie.Value != state || !cookie.HttpOnly {
		t.Fatalf("state %q cookie %+v", state, cookie)
	}

	callback := func(q string, withCookie bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/linkedin/callback?"+q, nil)
		if withCookie {
			req.AddCookie(&http.Cookie{Name: stateCookie, Value: state})
		}
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec
	}
	if rec := callback("state="+state, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing code = %d", rec.Code)
	}
	if rec := callback("code=c&state=other", true); rec.Code != http.StatusBadRequest {
		t.Fatalf("state mismatch = %d", rec.Code)
	}
	if rec := callback("code=c&state="+state, false); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing cookie = %d", rec.Code)
	}

	rec = callback("code=c&state="+state, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback = %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Token == "" {
		t.Fatalf("body = %s", rec.Body.String())
	}
	claims, err := s.parseToken(body.Token)
	if err != nil {
		t.Fatal(err)
	}
	u, err := store.GetUser(context.Background(), claims.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if u.PlatformID != "abc" || u.AuthorURN != "urn:li:person:abc" || u.AccessToken != "at-1" || u.TokenExpiresAt == nil {
		t.Fatalf("user = %+v", u)
	}
	if strings.Contains(rec.Body.String(), "at-1") {
		t.Fatal("access token leaked in response")
	}

	// Second login keeps the user id and the stored refresh token.
	u.RefreshToken = "rt-keep"
	_ = store.UpsertUser(context.Background(), u)
	client.token = platform.Token{AccessToken: "at-2", ExpiresIn: 3600}
	if rec := callback("code=c2&state="+state, true); rec.Code != http.StatusOK {
		t.Fatalf("second callback = %d", rec.Code)
	}
	u2, _ := store.GetUserByPlatformID(context.Background(), "abc")
	if u2.ID != u.ID || u2.RefreshToken != "rt-keep" || u2.AccessToken != "at-2" || u2.Scopes != "w_member_social" {
		t.Fatalf("re-authorized user = %+v", u2)
	}

	client.exchangeEr = &platform.RemoteError{Op: "exchange", StatusCode: 400}
	if rec := callback("code=bad&state="+state, true); rec.Code != http.StatusBadGateway {
		t.Fatalf("upstream failure = %d", rec.Code)
	}
}

// interleavedStore runs hook once, right after the first GetPost, to stand in
// for a dispatch cycle writing between the handler's read and its write.
type interleavedStore struct {
	storage.Store
	once sync.Once
	hook func()
}

func (s *interleavedStore) GetPost(ctx context.Context, id string) (domain.Post, error) {
	p, err := s.Store.GetPost(ctx, id)
	s.once.Do(s.hook)
	return p, err
}

func TestUpdateKeepsConcurrentDispatchState(t *testing.T) {
	ctx := context.Background()
	at := time.Now().Add(-time.Minute).UTC()
	cases := []struct {
		name     string
		dispatch func(p *domain.Post)
		want     int
		check    func(t *testing.T, p domain.Post)
	}{
		{
			name:     "attempt counted",
			dispatch: func(p *domain.Post) { p.RecordAttempt("timeout", at) },
			want:     http.StatusOK,
			check: func(t *testing.T, p domain.Post) {
				if p.Content != "final" || p.Attempts != 1 || p.LastError != "timeout" {
					t.Fatalf("post = %+v", p)
				}
			},
		},
		{
			name:     "posted",
			dispatch: func(p *domain.Post) { p.MarkPosted(at) },
			want:     http.StatusConflict,
			check: func(t *testing.T, p domain.Post) {
				if p.Content != "draft" || p.Status != domain.StatusPosted {
					t.Fatalf("post = %+v", p)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			base := storage.NewMemory()
			t.Cleanup(func() { _ = base.Close() })
			_ = base.UpsertPost(ctx, domain.Post{ID: "p1", UserID: "u1", Content: "draft", ScheduleAt: at, Status: domain.StatusPending})

			store := &interleavedStore{Store: base}
			store.hook = func() {
				p, err := base.GetPost(ctx, "p1")
				if err != nil {
					return
				}
				prev := p.Attempts
				tc.dispatch(&p)
				_ = base.UpdatePostState(ctx, p, prev)
			}
			s, err := New(Config{JWTSecret: "test-secret"}, store, &stubClient{}, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			tok := authedUser(t, s, base, "u1")

			rec := do(s, http.MethodPut, "/api/posts/p1", tok, map[string]any{"content": "final"})
			if rec.Code != tc.want {
				t.Fatalf("status %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
			p, err := base.GetPost(ctx, "p1")
			if err != nil {
				t.Fatal(err)
			}
			tc.check(t, p)
		})
	}
}
