package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/notifier"
	"postpilot/internal/platform"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type Engine struct {
	mu  sync.RWMutex
	cfg Config

	store    Store
	client   platform.Client
	notifier Notifier
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	running atomic.Bool
	locks   *keyedMutex
}

type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an engine. notify and bus may be nil.
func New(cfg Config, store Store, client platform.Client, notify Notifier, log logx.Logger, bus eventbus.Bus, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:      cfg.normalize(),
		store:    store,
		client:   client,
		notifier: notify,
		log:      log.With(logx.String("comp", "dispatch")),
		bus:      bus,
		now:      time.Now,
		locks:    newKeyedMutex(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Apply swaps the policy. A cycle in progress keeps the config it started with.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.normalize()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Running reports whether a cycle is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

// RunCycle processes every due post once. Per-post failures are folded into
// the post record and the report; the returned error is only set when the
// cycle could not run at all.
func (e *Engine) RunCycle(ctx context.Context) (rep CycleReport, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleRunning
	}
	defer e.running.Store(false)

	cfg := e.Config()
	rep.Started = e.now()
	defer func() {
		if r := recover(); r != nil {
			rep.Panicked = true
			err = fmt.Errorf("dispatch cycle panic: %v", r)
			e.log.Error("dispatch.cycle.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		rep.Finished = e.now()
		rep.Duration = rep.Finished.Sub(rep.Started)
		e.finishCycle(rep, err)
	}()

	posts, err := e.store.FindDue(ctx, storage.DueQuery{
		Now:         rep.Started,
		MaxAttempts: cfg.MaxAttempts,
		Limit:       cfg.BatchSize,
	})
	if err != nil {
		return rep, fmt.Errorf("find due posts: %w", err)
	}
	rep.Selected = len(posts)
	if len(posts) == 0 {
		return rep, nil
	}

	var (
		g     errgroup.Group
		repMu sync.Mutex
	)
	g.SetLimit(cfg.Concurrency)
	for _, p := range posts {
		g.Go(func() error {
			o, storeErr := e.processPost(ctx, cfg, p)
			repMu.Lock()
			rep.add(o, storeErr)
			repMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep, nil
}

func (e *Engine) finishCycle(rep CycleReport, err error) {
	if err != nil {
		rep.Error = err.Error()
	}
	fields := []logx.Field{
		logx.Int("selected", rep.Selected),
		logx.Int("posted", rep.Posted),
		logx.Int("failed", rep.Failed),
		logx.Int("abandoned", rep.Abandoned),
		logx.Int("orphaned", rep.Orphaned),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("dur", rep.Duration),
	}
	switch {
	case err != nil:
		e.log.Error("dispatch cycle failed", append(fields, logx.Err(err))...)
	case rep.Selected > 0:
		e.log.Info("dispatch cycle finished", fields...)
	default:
		e.log.Debug("dispatch cycle finished", fields...)
	}
	e.publish(EventCycle, rep)
}

// processPost handles one post. It never panics and never returns the
// post's failure; the outcome is what the report counts.
//
// The selected copy may be stale by the time its turn comes, so the post is
// read again and dropped unless it is still due.
func (e *Engine) processPost(ctx context.Context, cfg Config, p domain.Post) (o outcome, storeErr bool) {
	log := e.log.With(logx.String("post_id", p.ID), logx.String("user_id", p.UserID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("post.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			derr := &domain.DispatchError{Kind: domain.KindUnknown, Detail: fmt.Sprintf("panic: %v", r)}
			o, storeErr = e.recordFailure(ctx, cfg, log, p, derr)
		}
	}()

	fresh, err := e.store.GetPost(ctx, p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("post removed before dispatch")
		return outcomeSkipped, false
	}
	if err != nil {
		log.Warn("post reload failed", logx.Err(err))
		return outcomeNone, true
	}
	if !fresh.Due(e.now(), cfg.MaxAttempts) {
		log.Debug("post no longer due", logx.String("status", string(fresh.Status)))
		return outcomeSkipped, false
	}
	p = fresh

	user, err := e.store.GetUser(ctx, p.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return e.recordOrphan(ctx, log, p)
	}
	if err != nil {
		// The post is left as is and picked up again next cycle.
		log.Warn("owner lookup failed", logx.Err(err))
		return outcomeNone, true
	}

	user, err = e.EnsureValid(ctx, user)
	if err != nil {
		derr := asDispatchError(err, domain.KindRefreshFailed)
		derr.Detail = "token refresh failed: " + derr.Detail
		return e.recordFailure(ctx, cfg, log, p, derr)
	}

	res, err := e.client.Publish(ctx, platform.PublishRequest{
		AccessToken: user.AccessToken,
		AuthorURN:   user.AuthorURN,
		Commentary:  p.Content,
		Media:       mediaRefs(p.Media),
	})
	if err != nil {
		return e.recordFailure(ctx, cfg, log, p, publishError(err))
	}
	return e.recordPosted(ctx, log, p, res)
}

func (e *Engine) recordPosted(ctx context.Context, log logx.Logger, p domain.Post, res platform.Result) (outcome, bool) {
	now := e.now()
	prev := p.Attempts
	p.MarkPosted(now)
	wctx, cancel := writeContext(ctx)
	defer cancel()

	storeErr := false
	switch err := e.store.UpdatePostState(wctx, p, prev); {
	case errors.Is(err, storage.ErrStale):
		// Already live on the platform; only the record is gone or moved on.
		log.Warn("post changed while publishing, state not saved")
	case err != nil:
		log.Error("persist posted state failed", logx.Err(err))
		storeErr = true
	}
	entry := domain.AuditEntry{
		UserID:    p.UserID,
		PostID:    p.ID,
		Level:     domain.LevelInfo,
		Message:   "posted",
		Meta:      map[string]any(res),
		CreatedAt: now,
	}
	if err := e.store.Append(wctx, entry); err != nil {
		log.Warn("audit append failed", logx.Err(err))
	}
	log.Info("post published", logx.Any("result_id", res["id"]))
	e.publish(EventPosted, PostEvent{PostID: p.ID, UserID: p.UserID, Status: string(p.Status), Attempts: p.Attempts, At: now})
	return outcomePosted, storeErr
}

func (e *Engine) recordOrphan(ctx context.Context, log logx.Logger, p domain.Post) (outcome, bool) {
	now := e.now()
	prev := p.Attempts
	p.MarkFailed(domain.ErrNoAssociatedUser.Error(), now)
	wctx, cancel := writeContext(ctx)
	defer cancel()

	storeErr := false
	switch err := e.store.UpdatePostState(wctx, p, prev); {
	case errors.Is(err, storage.ErrStale):
		log.Debug("orphaned post changed meanwhile, skipped")
		return outcomeSkipped, false
	case err != nil:
		log.Error("persist orphaned post failed", logx.Err(err))
		storeErr = true
	}
	log.Warn("post has no owner, marked failed")
	e.publish(EventFailed, PostEvent{
		PostID:   p.ID,
		UserID:   p.UserID,
		Status:   string(p.Status),
		Attempts: p.Attempts,
		Kind:     domain.KindDataIntegrity.String(),
		Error:    p.LastError,
		At:       now,
	})
	return outcomeOrphaned, storeErr
}

func (e *Engine) recordFailure(ctx context.Context, cfg Config, log logx.Logger, p domain.Post, derr *domain.DispatchError) (outcome, bool) {
	now := e.now()
	prev := p.Attempts
	p.RecordAttempt(derr.Detail, now)
	o := outcomeRetrying
	if p.Attempts >= cfg.MaxAttempts {
		o = outcomeAbandoned
		if cfg.FailExhausted {
			p.MarkFailed(derr.Detail, now)
		}
	}
	wctx, cancel := writeContext(ctx)
	defer cancel()

	storeErr := false
	switch err := e.store.UpdatePostState(wctx, p, prev); {
	case errors.Is(err, storage.ErrStale):
		log.Debug("post changed while publishing, failure dropped", logx.String("error", derr.Detail))
		return outcomeSkipped, false
	case err != nil:
		log.Error("persist failed attempt failed", logx.Err(err))
		storeErr = true
	}
	status := statusCode(derr)
	log.Warn("post publish failed",
		logx.String("kind", derr.Kind.String()),
		logx.Int("attempts", p.Attempts),
		logx.Bool("exhausted", o == outcomeAbandoned),
		logx.String("error", derr.Detail),
	)
	if e.notifier != nil {
		e.notifier.NotifyFailure(wctx, notifier.Failure{
			UserID:     p.UserID,
			PostID:     p.ID,
			Kind:       derr.Kind.String(),
			StatusCode: status,
			Detail:     derr.Detail,
			At:         now,
		})
	}
	e.publish(EventFailed, PostEvent{
		PostID:     p.ID,
		UserID:     p.UserID,
		Status:     string(p.Status),
		Attempts:   p.Attempts,
		Kind:       derr.Kind.String(),
		StatusCode: status,
		Error:      derr.Detail,
		At:         now,
	})
	return o, storeErr
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}

func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func mediaRefs(media []domain.Media) []platform.MediaRef {
	if len(media) == 0 {
		return nil
	}
	out := make([]platform.MediaRef, 0, len(media))
	for _, m := range media {
		out = append(out, platform.MediaRef{ID: m.AssetURN, Title: m.Title})
	}
	return out
}

// publishError classifies a publish failure. The detail prefers the remote
// response body.
func publishError(err error) *domain.DispatchError {
	var re *platform.RemoteError
	if errors.As(err, &re) {
		kind := domain.KindRemote
		if re.Timeout {
			kind = domain.KindTimeout
		}
		de := &domain.DispatchError{Kind: kind, Detail: re.Detail(), Err: err}
		if re.StatusCode != 0 {
			de.Meta = map[string]any{"status_code": re.StatusCode}
		}
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.DispatchError{Kind: domain.KindTimeout, Detail: err.Error(), Err: err}
	}
	return &domain.DispatchError{Kind: domain.KindRemote, Detail: err.Error(), Err: err}
}

// asDispatchError returns err's DispatchError, or wraps err with fallback.
// The result is a copy the caller may modify.
func asDispatchError(err error, fallback domain.Kind) *domain.DispatchError {
	var de *domain.DispatchError
	if errors.As(err, &de) {
		cp := *de
		return &cp
	}
	return &domain.DispatchError{Kind: fallback, Detail: err.Error(), Err: err}
}

func statusCode(de *domain.DispatchError) int {
	var re *platform.RemoteError
	if errors.As(de, &re) {
		return re.StatusCode
	}
	if v, ok := de.Meta["status_code"].(int); ok {
		return v
	}
	return 0
}
