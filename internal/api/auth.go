package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

const ctxUserID = "user_id"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the session token payload.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func (s *Server) issueToken(userID string) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
}

func (s *Server) parseToken(raw string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// requireAuth accepts "Authorization: Bearer <jwt>" for an existing user.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			abortError(c, http.StatusUnauthorized, "no token")
			return
		}
		claims, err := s.parseToken(strings.TrimSpace(raw))
		if err != nil {
			abortError(c, http.StatusUnauthorized, err.Error())
			return
		}
		if _, err := s.store.GetUser(c.Request.Context(), claims.UserID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				abortError(c, http.StatusUnauthorized, "user not found")
				return
			}
			s.log.Error("auth user lookup failed", logx.String("user_id", claims.UserID), logx.Err(err))
			abortError(c, http.StatusInternalServerError, "internal error")
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Next()
	}
}
