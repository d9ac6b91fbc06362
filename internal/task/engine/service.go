package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rcbot/internal/eventbus"
	rtsup "rcbot/internal/runtime/supervisor"
	"rcbot/pkg/logx"
)

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	q      chan queued
	stopCh chan struct{}
	sup    *rtsup.Supervisor

	stateMu sync.Mutex
	states  map[string]*runState

	hmu     sync.Mutex
	history []HistoryItem

	skipped atomic.Uint64
	dropped atomic.Uint64
}

type queued struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *runState // nil unless overlap-gated
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: make(map[string]*runState),
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.q = make(chan queued, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	queue, stopCh := s.q, s.stopCh
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			return nil
		})
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop signals the workers and waits for in-flight tasks until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup := s.sup
	s.q, s.stopCh, s.sup = nil, nil, nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("task engine stop", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Enqueue queues t without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	now := time.Now()
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	qt := queued{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(s.cfg)}

	if qt.opt.Overlap == OverlapSkipIfRunning {
		st := s.stateFor(t.Name)
		if !st.tryAcquire() {
			s.skipped.Add(1)
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskSkipped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"}})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
		qt.state = st
	}

	select {
	case q <- qt:
		return nil
	default:
		if qt.state != nil {
			qt.state.release()
		}
		s.dropped.Add(1)
		s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Workers: s.cfg.Workers,
		Running: q != nil,
		Skipped: s.skipped.Load(),
		Dropped: s.dropped.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(name string) *runState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &runState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = s.history[over:]
	}
	s.hmu.Unlock()
}
