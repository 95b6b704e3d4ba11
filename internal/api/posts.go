package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"postpilot/internal/domain"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type createPostRequest struct {
	Content      string         `json:"content" binding:"required"`
	ScheduleDate time.Time      `json:"scheduleDate" binding:"required"`
	Media        []domain.Media `json:"media"`
}

type updatePostRequest struct {
	Content      *string         `json:"content"`
	ScheduleDate *time.Time      `json:"scheduleDate"`
	Media        *[]domain.Media `json:"media"`
}

func (s *Server) handleCreatePost(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" || req.ScheduleDate.IsZero() {
		abortError(c, http.StatusBadRequest, "content and scheduleDate required")
		return
	}
	now := s.now()
	p := domain.Post{
		ID:         uuid.NewString(),
		UserID:     c.GetString(ctxUserID),
		Content:    req.Content,
		ScheduleAt: req.ScheduleDate,
		Status:     domain.StatusPending,
		Media:      req.Media,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.Media == nil {
		p.Media = []domain.Media{}
	}
	if err := s.store.UpsertPost(c.Request.Context(), p); err != nil {
		s.internalError(c, "create post", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListPosts(c *gin.Context) {
	posts, err := s.store.ListByUser(c.Request.Context(), c.GetString(ctxUserID))
	if err != nil {
		s.internalError(c, "list posts", err)
		return
	}
	c.JSON(http.StatusOK, posts)
}

func (s *Server) handleUpdatePost(c *gin.Context) {
	p, ok := s.editablePost(c)
	if !ok {
		return
	}
	var req updatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Content != nil {
		if strings.TrimSpace(*req.Content) == "" {
			abortError(c, http.StatusBadRequest, "content must not be empty")
			return
		}
		p.Content = *req.Content
	}
	if req.ScheduleDate != nil {
		p.ScheduleAt = *req.ScheduleDate
	}
	if req.Media != nil {
		p.Media = *req.Media
	}
	p.UpdatedAt = s.now()
	ctx := c.Request.Context()
	switch err := s.store.UpdatePendingPost(ctx, p); {
	case errors.Is(err, storage.ErrStale):
		abortError(c, http.StatusConflict, "post is no longer editable")
		return
	case err != nil:
		s.internalError(c, "update post", err)
		return
	}
	// Dispatch may have counted an attempt meanwhile.
	if cur, err := s.store.GetPost(ctx, p.ID); err == nil {
		p = cur
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleDeletePost(c *gin.Context) {
	p, ok := s.editablePost(c)
	if !ok {
		return
	}
	if err := s.store.DeletePost(c.Request.Context(), p.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.internalError(c, "delete post", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// editablePost loads :id and checks that the caller owns it and it is
// still pending. It writes the error response itself.
func (s *Server) editablePost(c *gin.Context) (domain.Post, bool) {
	p, err := s.store.GetPost(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		abortError(c, http.StatusNotFound, "post not found")
		return domain.Post{}, false
	}
	if err != nil {
		s.internalError(c, "get post", err)
		return domain.Post{}, false
	}
	if p.UserID != c.GetString(ctxUserID) {
		abortError(c, http.StatusForbidden, "not allowed")
		return domain.Post{}, false
	}
	if !p.Editable() {
		abortError(c, http.StatusConflict, "only pending posts can be changed")
		return domain.Post{}, false
	}
	return p, true
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.log.Error(op+" failed", logx.Err(err))
	abortError(c, http.StatusInternalServerError, "internal error")
}
