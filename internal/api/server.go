// Package api is the user-facing HTTP surface: the OAuth handshake that
// stores a user's platform credential, and CRUD on the user's pending posts.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"postpilot/internal/platform"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

const (
	DefaultAddr     = ":4000"
	DefaultTokenTTL = 30 * 24 * time.Hour
)

type Config struct {
	Enabled   bool
	Addr      string
	JWTSecret string
	TokenTTL  time.Duration
	// CookieSecure marks the OAuth state cookie Secure (HTTPS deployments).
	CookieSecure bool
}

// Store is the persistence the API needs.
type Store interface {
	storage.PostStore
	storage.CredentialStore
}

type Server struct {
	cfg    Config
	store  Store
	client platform.Client
	log    logx.Logger
	now    func() time.Time

	router *gin.Engine
}

func New(cfg Config, store Store, client platform.Client, log logx.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("api: jwt secret required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:    cfg,
		store:  store,
		client: client,
		log:    log.With(logx.String("comp", "api")),
		now:    time.Now,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	auth := r.Group("/api/auth")
	auth.GET("/linkedin", s.handleLogin)
	auth.GET("/linkedin/callback", s.handleCallback)

	posts := r.Group("/api/posts", s.requireAuth())
	posts.POST("", s.handleCreatePost)
	posts.GET("", s.handleListPosts)
	posts.PUT("/:id", s.handleUpdatePost)
	posts.DELETE("/:id", s.handleDeletePost)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	}()

	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("dur", time.Since(start)),
		}
		if uid := c.GetString(ctxUserID); uid != "" {
			fields = append(fields, logx.String("user_id", uid))
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}

func abortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
