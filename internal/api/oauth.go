package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"postpilot/internal/domain"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

const (
	stateCookie    = "postpilot_oauth_state"
	stateCookieTTL = 10 * time.Minute
)

func (s *Server) handleLogin(c *gin.Context) {
	state := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(stateCookie, state, int(stateCookieTTL/time.Second), "/api/auth", "", s.cfg.CookieSecure, true)
	c.Redirect(http.StatusFound, s.client.AuthorizeURL(state))
}

func (s *Server) handleCallback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		abortError(c, http.StatusBadRequest, "missing code")
		return
	}
	want, err := c.Cookie(stateCookie)
	if err != nil || want == "" || want != c.Query("state") {
		abortError(c, http.StatusBadRequest, "state mismatch")
		return
	}
	c.SetCookie(stateCookie, "", -1, "/api/auth", "", s.cfg.CookieSecure, true)

	ctx := c.Request.Context()
	tok, err := s.client.ExchangeCode(ctx, code)
	if err != nil {
		s.log.Warn("code exchange failed", logx.Err(err))
		abortError(c, http.StatusBadGateway, "authentication failed")
		return
	}
	profile, err := s.client.FetchProfile(ctx, tok.AccessToken)
	if err != nil {
		s.log.Warn("profile fetch failed", logx.Err(err))
		abortError(c, http.StatusBadGateway, "authentication failed")
		return
	}

	now := s.now()
	user, err := s.store.GetUserByPlatformID(ctx, profile.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		user = domain.User{ID: uuid.NewString(), PlatformID: profile.ID, CreatedAt: now}
	case err != nil:
		s.log.Error("user lookup failed", logx.Err(err))
		abortError(c, http.StatusInternalServerError, "internal error")
		return
	}
	user.FirstName = profile.FirstName
	user.LastName = profile.LastName
	user.AuthorURN = profile.AuthorURN()
	if tok.Scope != "" {
		user.Scopes = tok.Scope
	}
	user.ApplyToken(tok.AccessToken, tok.Lifetime(), tok.RefreshToken, now)
	if err := s.store.UpsertUser(ctx, user); err != nil {
		s.log.Error("user upsert failed", logx.Err(err))
		abortError(c, http.StatusInternalServerError, "internal error")
		return
	}

	session, err := s.issueToken(user.ID)
	if err != nil {
		s.log.Error("token signing failed", logx.Err(err))
		abortError(c, http.StatusInternalServerError, "internal error")
		return
	}
	s.log.Info("user authorized", logx.String("user_id", user.ID), logx.String("author", user.AuthorURN))
	c.JSON(http.StatusOK, gin.H{"token": session, "user": user})
}
