package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rcbot/internal/eventbus"
	rtsup "rcbot/internal/runtime/supervisor"
	"rcbot/internal/storage"
	"rcbot/internal/transport"
	"rcbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	// ErrDeduped: the line repeats one sent within the dedup window.
	ErrDeduped = errors.New("notifier: duplicate suppressed")
)

const historySize = 300

type job struct {
	n   transport.Notification
	key string
}

// Service is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus
	store  storage.Store

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	dedup   *deduper
	queue   chan job
	sup     *rtsup.Supervisor

	// enqueues in flight; Stop waits for them before closing the queue.
	sendWG sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{sender: sender, log: log, bus: bus, store: store}
	s.Apply(cfg)
	return s
}

// Apply swaps pacing, retry and dedup settings. The queue size takes effect
// on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.Burst)
	}
	if s.dedup == nil || prev.DedupWindow != cfg.DedupWindow || prev.DedupMaxEntries != cfg.DedupMaxEntries || prev.PersistDedup != cfg.PersistDedup {
		var st storage.Store
		if cfg.PersistDedup {
			st = s.store
		}
		s.dedup = newDeduper(cfg.DedupWindow, cfg.DedupMaxEntries, st)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	q := make(chan job, s.cfg.QueueSize)
	s.queue = q
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("notifier.worker", func(c context.Context) error {
		s.worker(c, q)
		return nil
	})
	s.log.Debug("notifier started", logx.Int("queue", s.cfg.QueueSize))
}

// Stop refuses new notifications and drains the queue until ctx is done,
// after which pending lines are abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
	if q == nil {
		return
	}
	s.sendWG.Wait()
	close(q)

	done := make(chan struct{})
	go func() {
		_ = sup.Wait(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notifier stop timed out", logx.Int("abandoned", len(q)))
	}
}

// Notify enqueues n. A line repeated within the dedup window returns
// ErrDeduped; with DedupWindow 0 (the default) every line is queued.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	q, dd := s.queue, s.dedup
	if q == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	now := time.Now()
	key := dedupKey(n)
	ev := NotificationEvent{Channel: n.Channel, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, At: now}
	if !dd.allow(ctx, key, now) {
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifierDeduped, Time: now, Data: ev})
		return ErrDeduped
	}

	select {
	case q <- job{n: n, key: key}:
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifierQueued, Time: now, Data: ev})
		return nil
	default:
		ev.Error = ErrQueueFull.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifierDropped, Time: now, Data: ev})
		return ErrQueueFull
	}
}

// Snapshot returns recently sent lines, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) worker(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	ev := NotificationEvent{Channel: j.n.Channel, ChatID: j.n.Target.ChatID, ThreadID: j.n.Target.ThreadID, Key: j.key}
	var err error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err = lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err = s.sender.SendText(cctx, j.n.Target, j.n.Text, j.n.Options)
		cancel()
		if err == nil {
			ev.At = time.Now()
			s.remember(HistoryItem{At: ev.At, Channel: j.n.Channel, Text: j.n.Text})
			s.bus.Publish(eventbus.Event{Type: eventbus.NotifierSent, Time: ev.At, Data: ev})
			return
		}
		s.log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt))
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	ev.At, ev.Error = time.Now(), err.Error()
	s.log.Warn("notification failed", logx.String("channel", j.n.Channel), logx.Int64("chat_id", j.n.Target.ChatID), logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: eventbus.NotifierFailed, Time: ev.At, Data: ev})
}

func (s *Service) remember(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if over := len(s.history) - historySize; over > 0 {
		s.history = s.history[over:]
	}
	s.hmu.Unlock()
}

// retryDelay is RetryBase doubled per attempt, capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
