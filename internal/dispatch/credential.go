package dispatch

import (
	"context"
	"errors"

	"postpilot/internal/domain"
	"postpilot/internal/platform"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// EnsureValid returns u with an access token that stays valid for longer
// than the refresh threshold, refreshing and persisting it when needed.
//
// Refreshes for one user are serialized; a caller that waited on the lock
// sees the token the previous holder stored and skips its own refresh.
func (e *Engine) EnsureValid(ctx context.Context, u domain.User) (domain.User, error) {
	threshold := e.Config().RefreshThreshold
	if !u.NeedsRefresh(e.now(), threshold) {
		return u, nil
	}

	unlock := e.locks.Lock(u.ID)
	defer unlock()

	cur, err := e.store.GetUser(ctx, u.ID)
	switch {
	case err == nil:
		u = cur
	case !errors.Is(err, storage.ErrNotFound):
		e.log.Debug("credential re-read failed, using caller copy", logx.String("user_id", u.ID), logx.Err(err))
	}
	now := e.now()
	if !u.NeedsRefresh(now, threshold) {
		return u, nil
	}
	if !u.CanRefresh() {
		return u, &domain.DispatchError{
			Kind:   domain.KindNoRefreshAvailable,
			Detail: domain.ErrNoRefreshAvailable.Error(),
			Err:    domain.ErrNoRefreshAvailable,
		}
	}

	tok, err := e.client.Refresh(ctx, u.RefreshToken)
	if err != nil {
		detail := err.Error()
		var re *platform.RemoteError
		if errors.As(err, &re) {
			detail = re.Detail()
		}
		return u, &domain.DispatchError{Kind: domain.KindRefreshFailed, Detail: detail, Err: err}
	}

	now = e.now()
	u.ApplyToken(tok.AccessToken, tok.Lifetime(), tok.RefreshToken, now)
	wctx, cancel := writeContext(ctx)
	defer cancel()
	if err := e.store.UpsertUser(wctx, u); err != nil {
		// The new token is still good for this cycle.
		e.log.Error("persist refreshed credential failed", logx.String("user_id", u.ID), logx.Err(err))
	} else {
		e.log.Info("credential refreshed", logx.String("user_id", u.ID), logx.Duration("lifetime", tok.Lifetime()))
	}
	return u, nil
}
