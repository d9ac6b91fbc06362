package config

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"

	"rcbot/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	validateTimeout  = 5 * time.Second
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// Validator vets a freshly parsed config before it replaces the live one.
type Validator func(ctx context.Context, cfg *Config) error

// Manager owns the live config of one file: it loads, validates and commits
// it, then watches the file and republishes accepted edits to subscribers.
type Manager struct {
	path  string
	clock clock.Clock

	mu      sync.RWMutex
	cfg     *Config
	digest  uint64
	log     logx.Logger
	vet     Validator
	subs    map[int]chan *Config
	nextSub int
}

type ManagerOption func(*Manager)

func WithClock(c clock.Clock) ManagerOption { return func(m *Manager) { m.clock = c } }

func WithValidator(v Validator) ManagerOption { return func(m *Manager) { m.vet = v } }

func NewManager(path string, opts ...ManagerOption) *Manager {
	m := &Manager{
		path:  path,
		clock: clock.WallClock,
		log:   logx.Nop(),
		vet:   func(_ context.Context, cfg *Config) error { return Validate(cfg) },
		subs:  make(map[int]chan *Config),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

func (m *Manager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// Parse reads and decodes the file without validating or committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Load parses, validates and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if m.vet != nil {
		if err := m.vet(context.Background(), cfg); err != nil {
			return nil, err
		}
	}
	m.commit(cfg, digest(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config, d uint64) {
	m.mu.Lock()
	m.cfg, m.digest = cfg, d
	m.mu.Unlock()
}

// Subscribe returns a channel receiving every committed reload. When the
// channel is full the oldest pending config is replaced, so a slow reader
// always ends up with the newest one.
func (m *Manager) Subscribe(buffer int) (<-chan *Config, func()) {
	ch := make(chan *Config, max(buffer, 1))
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload commits and publishes the file when it decodes, validates and
// differs from the live config.
func (m *Manager) reload(ctx context.Context) {
	log := m.logger().With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	d := digest(cfg)
	m.mu.RLock()
	same := d != 0 && d == m.digest
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged")
		return
	}
	if m.vet != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.vet(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return
		}
	}
	m.commit(cfg, d)
	m.publish(cfg)
	log.Debug("config committed", logx.Int64("digest", int64(d)))
}

// Watch reloads on file changes until ctx is done. The directory is watched
// rather than the file so editors that replace the file are followed. A
// failed watcher is rebuilt after a jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	backoff := watchBackoffBase

	var (
		tmu   sync.Mutex
		timer clock.Timer
	)
	poke := func() {
		tmu.Lock()
		defer tmu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = m.clock.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
	}
	defer func() {
		tmu.Lock()
		if timer != nil {
			timer.Stop()
		}
		tmu.Unlock()
	}()

	for {
		err := m.watchDir(ctx, dir, name, poke, func() { backoff = watchBackoffBase })
		if ctx.Err() != nil {
			return nil
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(2*backoff, watchBackoffMax)
		m.logger().Warn("config watcher down", logx.String("dir", dir), logx.Err(err), logx.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(wait):
		}
	}
}

// watchDir runs one fsnotify watcher until ctx ends or the watcher fails.
func (m *Manager) watchDir(ctx context.Context, dir, name string, changed, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	healthy()
	log := m.logger()
	log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("error channel closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				log.Warn("config watch overflow; reloading", logx.Err(err))
				changed()
			case err != nil:
				log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// digest fingerprints the decoded config so whitespace-only edits and repeated
// write events do not republish.
func digest(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
