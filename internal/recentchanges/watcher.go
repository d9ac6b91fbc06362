package recentchanges

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"rcbot/pkg/logx"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultInitialBackoff      = 30 * time.Minute
	DefaultMaxHold             = 2 * time.Hour
	DefaultMaxSubjectsPerCycle = 5
	DefaultEvictAfter          = 24 * time.Hour
	DefaultFetchTimeout        = 30 * time.Second
)

// Fetcher returns the changes newer than since (nil: everything the feed
// offers). Implementations must return an error rather than partial data.
type Fetcher interface {
	Fetch(ctx context.Context, since *time.Time) ([]Change, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, since *time.Time) ([]Change, error)

func (f FetcherFunc) Fetch(ctx context.Context, since *time.Time) ([]Change, error) {
	return f(ctx, since)
}

type Config struct {
	Name                string
	InitialBackoff      time.Duration
	MaxHold             time.Duration
	MaxSubjectsPerCycle int
	EvictAfter          time.Duration
	FetchTimeout        time.Duration
	Formatter           Formatter
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxHold <= 0 {
		c.MaxHold = DefaultMaxHold
	}
	if c.MaxSubjectsPerCycle <= 0 {
		c.MaxSubjectsPerCycle = DefaultMaxSubjectsPerCycle
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = DefaultEvictAfter
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Formatter.CommentLimit <= 0 {
		c.Formatter.CommentLimit = DefaultCommentLimit
	}
	return c
}

type Option func(*Watcher)

func WithClock(c clock.Clock) Option { return func(w *Watcher) { w.clock = c } }

func WithLogger(l logx.Logger) Option { return func(w *Watcher) { w.log = l } }

func WithMetrics(m *Metrics) Option { return func(w *Watcher) { w.metrics = m } }

type subjectState struct {
	pending []Change
	posted  time.Time // zero: never announced
}

func (s *subjectState) newest() time.Time {
	var t time.Time
	for _, c := range s.pending {
		if c.Timestamp.After(t) {
			t = c.Timestamp
		}
	}
	return t
}

// Stats is a point-in-time view of a watcher's state.
type Stats struct {
	Feed            string    `json:"feed"`
	Tracked         int       `json:"tracked"`
	PendingSubjects int       `json:"pending_subjects"`
	PendingChanges  int       `json:"pending_changes"`
	Cursor          time.Time `json:"cursor"`
	LastCycle       time.Time `json:"last_cycle"`
	Cycles          uint64    `json:"cycles"`
	FetchFailures   uint64    `json:"fetch_failures"`
}

// Watcher aggregates one feed. Refresh and Prime serialize on an internal
// mutex.
type Watcher struct {
	cfg     Config
	policy  Policy
	fetch   Fetcher
	clock   clock.Clock
	log     logx.Logger
	metrics *Metrics

	mu        sync.Mutex
	subjects  map[SubjectKey]*subjectState
	newest    time.Time
	lastCycle time.Time
	cycles    uint64
	failures  uint64
}

func New(cfg Config, fetch Fetcher, opts ...Option) *Watcher {
	cfg = cfg.withDefaults()
	w := &Watcher{
		cfg:      cfg,
		policy:   Policy{InitialBackoff: cfg.InitialBackoff, MaxHold: cfg.MaxHold},
		fetch:    fetch,
		clock:    clock.WallClock,
		log:      logx.Nop(),
		subjects: make(map[SubjectKey]*subjectState),
	}
	for _, o := range opts {
		if o != nil {
			o(w)
		}
	}
	w.log = w.log.With(logx.String("feed", cfg.Name))
	return w
}

func (w *Watcher) Name() string { return w.cfg.Name }

// Refresh runs one polling and announcement cycle and returns the lines to
// deliver, in order.
//
// A failed fetch yields no lines and no error, leaving the state as it was.
// Pages whose changes cannot be formatted keep their pending changes; their
// errors are joined into the returned error while the lines of every other
// page are still returned.
func (w *Watcher) Refresh(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refreshLocked(ctx)
}

// Prime runs one cycle and discards its lines, so that a freshly started
// watcher does not announce history. It returns how many lines were dropped.
func (w *Watcher) Prime(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lines, err := w.refreshLocked(ctx)
	w.log.Info("primed", logx.Int("discarded", len(lines)), logx.Int("tracked", len(w.subjects)))
	return len(lines), err
}

func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Stats{
		Feed:          w.cfg.Name,
		Tracked:       len(w.subjects),
		Cursor:        w.newest,
		LastCycle:     w.lastCycle,
		Cycles:        w.cycles,
		FetchFailures: w.failures,
	}
	for _, s := range w.subjects {
		if n := len(s.pending); n > 0 {
			st.PendingSubjects++
			st.PendingChanges += n
		}
	}
	return st
}

func (w *Watcher) cursor() *time.Time {
	if w.newest.IsZero() {
		return nil
	}
	t := w.newest
	return &t
}

func (w *Watcher) refreshLocked(ctx context.Context) ([]string, error) {
	log := w.log.With(logx.String("cycle", uuid.NewString()))
	w.cycles++

	fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	start := w.clock.Now()
	changes, err := w.fetch.Fetch(fctx, w.cursor())
	cancel()
	w.metrics.observeFetch(w.cfg.Name, w.clock.Now().Sub(start))
	if err != nil {
		w.failures++
		w.metrics.refreshed(w.cfg.Name, ResultFetchError)
		log.Warn("fetch failed", logx.Err(err))
		return nil, nil
	}

	now := w.clock.Now()
	w.lastCycle = now
	w.ingest(changes)

	ready := w.readySubjects(now)

	var lines []string
	dropped := 0
	if over := len(ready) - w.cfg.MaxSubjectsPerCycle; over > 0 {
		lines = append(lines, fmt.Sprintf("%d edits not shown", over))
		for _, k := range ready[:over] {
			s := w.subjects[k]
			s.pending = nil
			s.posted = now
		}
		ready = ready[over:]
		dropped = over
	}

	var errs []error
	for _, k := range ready {
		s := w.subjects[k]
		line, err := w.cfg.Formatter.Format(s.pending, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("subject %s: %w", k, err))
			continue
		}
		lines = append(lines, line)
		s.pending = nil
		s.posted = now
	}

	evicted := w.prune(now)

	result := ResultOK
	if len(errs) > 0 {
		result = ResultFormatError
	}
	w.metrics.refreshed(w.cfg.Name, result)
	w.metrics.cycle(w.cfg.Name, len(changes), len(lines), dropped, evicted, len(w.subjects))

	log.Debug("refresh done",
		logx.Int("fetched", len(changes)),
		logx.Int("ready", len(ready)+dropped),
		logx.Int("lines", len(lines)),
		logx.Int("dropped", dropped),
		logx.Int("evicted", evicted),
		logx.Int("tracked", len(w.subjects)),
	)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		log.Error("unformattable changes", logx.Err(err))
		return lines, err
	}
	return lines, nil
}

func (w *Watcher) ingest(changes []Change) {
	for _, c := range changes {
		c.Timestamp = c.Timestamp.UTC()
		k := c.Subject()
		s, ok := w.subjects[k]
		if !ok {
			s = &subjectState{}
			w.subjects[k] = s
		}
		s.pending = append(s.pending, c)
		if c.Timestamp.After(w.newest) {
			w.newest = c.Timestamp
		}
	}
}

// readySubjects returns the pages the policy lets through, ordered from the
// least to the most recently active. Pending lists are sorted as a side
// effect.
func (w *Watcher) readySubjects(now time.Time) []SubjectKey {
	type entry struct {
		key    SubjectKey
		newest time.Time
	}
	active := make([]entry, 0, len(w.subjects))
	for k, s := range w.subjects {
		if len(s.pending) == 0 {
			continue
		}
		active = append(active, entry{key: k, newest: s.newest()})
	}
	sort.Slice(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if !a.newest.Equal(b.newest) {
			return a.newest.Before(b.newest)
		}
		if a.key.Namespace != b.key.Namespace {
			return a.key.Namespace < b.key.Namespace
		}
		return a.key.Title < b.key.Title
	})

	var ready []SubjectKey
	for _, e := range active {
		s := w.subjects[e.key]
		sort.SliceStable(s.pending, func(i, j int) bool {
			return s.pending[i].Timestamp.Before(s.pending[j].Timestamp)
		})
		if w.policy.Ready(now, s.posted, e.newest) {
			ready = append(ready, e.key)
		}
	}
	return ready
}

func (w *Watcher) prune(now time.Time) int {
	n := 0
	for k, s := range w.subjects {
		if len(s.pending) == 0 && now.Sub(s.posted) > w.cfg.EvictAfter {
			delete(w.subjects, k)
			n++
		}
	}
	return n
}
