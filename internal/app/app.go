package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"

	"postpilot/internal/api"
	"postpilot/internal/config"
	"postpilot/internal/dispatch"
	"postpilot/internal/eventbus"
	"postpilot/internal/metrics"
	"postpilot/internal/notifier"
	"postpilot/internal/ops"
	"postpilot/internal/platform"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/storage"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/scheduler"
	logx "postpilot/pkg/logx"
)

// App wires the dispatcher, its trigger and the HTTP surfaces around one
// store and one config file.
type App struct {
	cfgm   *config.Manager
	getenv func(string) string

	rtMu sync.Mutex
	rt   config.Runtime

	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	client   platform.Client
	engine   *engine.Service
	sched    *scheduler.Service
	dispatch *dispatch.Engine
	notif    *notifier.Service
	metrics  *metrics.Metrics
	ops      *ops.Service
	api      *api.Server

	cycles cycleTracker
}

type Option func(*App)

// WithGetenv replaces os.Getenv for secret overrides.
func WithGetenv(fn func(string) string) Option {
	return func(a *App) { a.getenv = fn }
}

// WithClient replaces the HTTP platform client.
func WithClient(c platform.Client) Option {
	return func(a *App) { a.client = c }
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{getenv: os.Getenv}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rt, err := config.Resolve(cfg, a.getenv)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a.rt = rt

	a.logs, a.log = logx.New(rt.Logging)
	log := a.log
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	a.store, err = storage.Open(rt.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = a.logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", rt.Storage.Driver))

	if a.client == nil {
		a.client = platform.New(rt.Platform, nil, log)
	}
	a.notif = notifier.New(rt.Notifier, a.store, log, a.bus)
	a.dispatch = dispatch.New(rt.Dispatch, a.store, a.client, a.notif, log, a.bus)
	a.engine = engine.New(rt.TaskEngine, log, a.bus)
	a.sched = scheduler.New(rt.Scheduler, a.engine, log)
	if err := a.registerDispatch(rt); err != nil {
		_ = a.store.Close()
		_ = a.logs.Close()
		return nil, err
	}

	a.metrics = metrics.New()
	a.ops = ops.New(rt.Ops, a.metrics.Handler(), a.health, log)

	if rt.API.Enabled {
		a.api, err = api.New(rt.API, a.store, a.client, log)
		if err != nil {
			_ = a.store.Close()
			_ = a.logs.Close()
			return nil, fmt.Errorf("api: %w", err)
		}
	}
	return a, nil
}

// Done is closed once the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Dispatcher() *dispatch.Engine { return a.dispatch }

func (a *App) Store() storage.Store { return a.store }

func (a *App) runtime() config.Runtime {
	a.rtMu.Lock()
	defer a.rtMu.Unlock()
	return a.rt
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg, a.getenv)
	})

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go("eventbus.log", func(c context.Context) error {
		a.logEvents(c)
		return nil
	})

	if a.notif.Enabled() {
		a.notif.Start(c)
	}
	a.engine.Start(c)
	if a.sched.Enabled() {
		a.sched.Start(c)
	}
	a.ops.Start(c)
	if a.api != nil {
		a.sup.Go("api", a.api.Run)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	rt := a.runtime()
	a.log.Info("app started",
		logx.String("schedule", rt.ScheduleSpec),
		logx.String("timezone", rt.Scheduler.Timezone),
		logx.Bool("api", a.api != nil),
		logx.Bool("ops", rt.Ops.Enabled),
	)
	return nil
}

// RunOnce runs a single dispatch cycle without the scheduler or servers.
// Failure alerts queued during the cycle are flushed before it returns.
func (a *App) RunOnce(ctx context.Context) (dispatch.CycleReport, error) {
	if a.notif.Enabled() {
		a.notif.Start(ctx)
	}
	rt := a.runtime()
	cctx, cancel := context.WithTimeout(ctx, rt.CycleTimeout)
	rep, err := a.dispatch.RunCycle(cctx)
	cancel()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopStepNotifier)
	a.notif.Stop(stopCtx)
	cancel()
	if cerr := a.store.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	_ = a.logs.Close()
	return rep, err
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}
