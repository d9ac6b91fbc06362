package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rcbot/internal/task/engine"
	"rcbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

type Service struct {
	log    logx.Logger
	cfg    Config
	engine Enqueuer
	parser cron.Parser

	mu   sync.Mutex
	loc  *time.Location
	c    *cron.Cron
	defs map[string]*scheduleDef

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	return &Service{
		log:    log,
		cfg:    cfg,
		engine: eng,
		// SecondOptional accepts both 5- and 6-field specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:     map[string]*scheduleDef{},
		lastWarn: map[string]time.Time{},
	}
}

// Add registers (or replaces) the schedule called name. schedule is anything
// ParseSchedule accepts. Registration before Start is kept and activated by
// Start.
func (s *Service) Add(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job Job) error {
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
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: ps, timeout: timeout, opt: opt, job: job}
	s.defs[name] = d
	if s.c != nil {
		s.registerLocked(d)
	}
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.location()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering. Definitions survive for a later Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.c != nil, Timezone: s.location().String()}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec.String(), Timeout: d.timeout, Spread: d.spread}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}

func (s *Service) registerLocked(d *scheduleDef) {
	name, timeout, opt, run := d.name, d.timeout, d.opt, d.job
	job := cron.FuncJob(func() {
		err := s.engine.Enqueue(engine.Task{Name: name, Timeout: timeout, Opt: opt, Run: run})
		s.reportEnqueueError(name, err)
	})

	switch d.spec.Kind {
	case SpecInterval:
		sched, spread := intervalWithSpread(d.spec.Every, time.Now().In(s.loc))
		d.spread = spread
		d.entryID = s.c.Schedule(sched, job)
	default:
		id, err := s.c.AddJob(d.spec.Cron, job)
		if err != nil {
			s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", d.spec.Cron), logx.Err(err))
			return
		}
		d.entryID = id
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", d.spec.String()), logx.Duration("spread", d.spread))
}

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) location() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
