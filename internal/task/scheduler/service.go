package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/task/engine"
	logx "postpilot/pkg/logx"
)

// enqueueWarnEvery limits repeated enqueue warnings for the same schedule.
const enqueueWarnEvery = time.Minute

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "scheduler")),
		engine:      eng,
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the timezone schedules are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	loc, _ := loadLocation(s.cfg.Timezone)
	return loc
}

// Apply swaps the config. A running cron restarts when the timezone changes
// or the service gets disabled.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if !cfg.Enabled {
		s.stopLocked()
		return
	}
	if prev.Timezone != cfg.Timezone {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return
	}
	s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
	s.log.Info("scheduler stopped")
}

// AddSchedule registers job under name, replacing any schedule with the same
// name. schedule accepts every form ParseSchedule does. When the service is
// not running the definition is kept and registered on Start.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   &engine.RunState{},
	})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Time("next", s.c.Entry(d.entryID).Next))
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, Running: d.state.Running()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	return snap
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) startLocked() {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
	}
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.String("spec", s.defs[i].spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	// Stop returns at once; running jobs only enqueue so nothing to wait for.
	s.c.Stop()
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
}

func (s *Service) restartLocked() {
	s.stopLocked()
	s.startLocked()
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	id, err := s.c.AddFunc(def.spec, func() {
		s.fire(def)
	})
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// fire hands one run to the engine. The engine owns overlap, timeout and retry.
func (s *Service) fire(d scheduleDef) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
		State:   d.state,
	})
	if err != nil {
		s.reportEnqueueError(d.name, err)
	}
}

func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule skipped, previous run still active", logx.String("name", name))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	warn := now.Sub(last) >= enqueueWarnEvery
	if warn {
		s.lastEnqWarn[name] = now
	}
	s.enqMu.Unlock()
	if warn {
		s.log.Warn("schedule enqueue failed", logx.String("name", name), logx.Err(err))
	} else {
		s.log.Debug("schedule enqueue failed", logx.String("name", name), logx.Err(err))
	}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local, err
	}
	return loc, nil
}
