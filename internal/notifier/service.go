package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const auditTimeout = 5 * time.Second

// Service implements the alert pipeline:
// queue + worker pool + rate limit + retry, one delivery per sink.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	audit storage.AuditLog

	cfg     Config
	limiter *rate.Limiter
	sinks   []Sink

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Failure
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

// New builds the service. audit and bus may be nil.
func New(cfg Config, audit storage.AuditLog, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		audit: audit,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Sinks returns the names of the configured sinks.
func (s *Service) Sinks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sinks))
	for _, sk := range s.sinks {
		out = append(out, sk.Name())
	}
	return out
}

// Apply swaps rate limits, retry policy and sinks. Queue size and worker
// count take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.sinks = s.buildSinks(cfg)
}

func (s *Service) buildSinks(cfg Config) []Sink {
	var out []Sink
	if strings.TrimSpace(cfg.Webhook.URL) != "" {
		out = append(out, NewWebhookSink(cfg.Webhook))
	}
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		ts, err := NewTelegramSink(cfg.Telegram)
		if err != nil {
			s.log.Warn("telegram sink disabled", logx.Err(err))
		} else {
			out = append(out, ts)
		}
	}
	return out
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Failure, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	// Alert failures should not take down the whole app.
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Any("sinks", s.Sinks()))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers can drain.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// NotifyFailure records the failure in the audit log and queues an alert for
// every sink. It never fails the caller; problems are logged.
func (s *Service) NotifyFailure(ctx context.Context, f Failure) {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.At.IsZero() {
		f.At = time.Now()
	}
	s.log.Error("post failed",
		logx.String("post_id", f.PostID),
		logx.String("user_id", f.UserID),
		logx.String("kind", f.Kind),
		logx.String("error", f.Detail),
	)

	func() {
		defer s.recoverPanic("enqueue", f)
		if err := s.enqueue(ctx, f); err != nil && !errors.Is(err, ErrDisabled) {
			s.log.Warn("alert not queued", logx.String("post_id", f.PostID), logx.Err(err))
		}
	}()

	func() {
		defer s.recoverPanic("audit", f)
		s.writeAudit(ctx, f)
	}()
}

func (s *Service) recoverPanic(stage string, f Failure) {
	if r := recover(); r != nil {
		s.log.Error("notifier panicked",
			logx.String("stage", stage),
			logx.String("post_id", f.PostID),
			logx.Any("panic", r),
			logx.Stack(string(debug.Stack())),
		)
	}
}

func (s *Service) writeAudit(ctx context.Context, f Failure) {
	if s.audit == nil {
		return
	}
	meta := map[string]any{}
	if f.Kind != "" {
		meta["kind"] = f.Kind
	}
	if f.StatusCode != 0 {
		meta["status_code"] = f.StatusCode
	}
	// Detached from the cycle deadline so a late failure is still recorded.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	err := s.audit.Append(actx, domain.AuditEntry{
		UserID:    f.UserID,
		PostID:    f.PostID,
		Level:     domain.LevelError,
		Message:   f.Detail,
		Meta:      meta,
		CreatedAt: f.At,
	})
	if err != nil {
		s.log.Warn("audit append failed", logx.String("post_id", f.PostID), logx.Err(err))
	}
}

func (s *Service) enqueue(ctx context.Context, f Failure) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if len(s.sinks) == 0 {
		s.mu.Unlock()
		return nil
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- f:
		s.publish(EventQueued, AlertEvent{PostID: f.PostID, UserID: f.UserID, At: time.Now()})
		return nil
	default:
		s.publish(EventDropped, AlertEvent{PostID: f.PostID, UserID: f.UserID, At: time.Now(), Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, ev AlertEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Failure) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-q:
			if !ok {
				return
			}
			s.mu.Lock()
			sinks := append([]Sink(nil), s.sinks...)
			s.mu.Unlock()
			for _, sk := range sinks {
				s.sendWithRetry(ctx, sk, f)
			}
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, sk Sink, f Failure) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(runCtx, sinkTimeout(cfg))
		err := sk.Send(callCtx, f)
		cancel()
		if err == nil {
			s.publish(EventSent, AlertEvent{Sink: sk.Name(), PostID: f.PostID, UserID: f.UserID, At: time.Now()})
			return
		}
		lastErr = err
		s.log.Debug("alert send failed",
			logx.String("sink", sk.Name()),
			logx.Err(err),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
		)

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	if lastErr != nil {
		s.log.Warn("alert delivery failed",
			logx.String("sink", sk.Name()),
			logx.String("post_id", f.PostID),
			logx.Err(lastErr),
		)
		s.publish(EventFailed, AlertEvent{Sink: sk.Name(), PostID: f.PostID, UserID: f.UserID, At: time.Now(), Error: lastErr.Error()})
	}
}

func sinkTimeout(cfg Config) time.Duration {
	if cfg.Webhook.Timeout > 0 {
		return cfg.Webhook.Timeout
	}
	return 10 * time.Second
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
