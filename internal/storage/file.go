package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"rcbot/pkg/logx"
)

const (
	recentPerFeed = 200
	compactEvery  = 1000
)

// fileStore keeps three files next to <prefix>:
//   - <prefix>.announce.jsonl       append-only announcement journal
//   - <prefix>.dedup.snapshot.json  dedup map, rewritten on compaction
//   - <prefix>.dedup.journal.jsonl  dedup writes since the last snapshot
type fileStore struct {
	log logx.Logger

	mu          sync.Mutex
	announce    *os.File
	recent      map[string][]Announcement
	snapPath    string
	journal     *os.File
	dedup       map[string]int64 // unix milli
	dedupWrites int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	s := &fileStore{
		log:      log,
		recent:   map[string][]Announcement{},
		snapPath: prefix + ".dedup.snapshot.json",
		dedup:    map[string]int64{},
	}

	annPath := prefix + ".announce.jsonl"
	if err := s.loadAnnouncements(annPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("announcement journal unreadable", logx.String("path", annPath), logx.Err(err))
	}
	if err := loadDedupSnapshot(s.snapPath, s.dedup); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup snapshot unreadable; starting without it", logx.String("path", s.snapPath), logx.Err(err))
	}
	journalPath := prefix + ".dedup.journal.jsonl"
	skipped, err := replayDedupJournal(journalPath, s.dedup)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}
	if skipped > 0 {
		log.Warn("dedup journal has malformed records", logx.String("path", journalPath), logx.Int("skipped", skipped))
	}
	pruneExpiredDedup(s.dedup, time.Now())

	if s.announce, err = os.OpenFile(annPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.announce.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.announce != nil {
		errs = append(errs, s.announce.Close())
		s.announce = nil
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAnnouncement(_ context.Context, a Announcement) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.announce == nil {
		return errors.New("announcement journal closed")
	}
	if err := json.NewEncoder(s.announce).Encode(a); err != nil {
		return err
	}
	s.remember(a)
	return nil
}

func (s *fileStore) RecentAnnouncements(_ context.Context, feed string, n int) ([]Announcement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.recent[feed]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	return append([]Announcement(nil), list...), nil
}

func (s *fileStore) remember(a Announcement) {
	list := append(s.recent[a.Feed], a)
	if over := len(list) - recentPerFeed; over > 0 {
		list = list[over:]
	}
	s.recent[a.Feed] = list
}

func (s *fileStore) loadAnnouncements(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var a Announcement
		if json.Unmarshal(sc.Bytes(), &a) == nil {
			s.remember(a)
		}
	}
	return sc.Err()
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.journal).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup, time.Now())
	tmp := s.snapPath + ".tmp"
	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayDedupJournal applies journal records to out and returns how many
// lines it could not decode.
func replayDedupJournal(path string, out map[string]int64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var r dedupRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil || r.Key == "" {
			skipped++
			continue
		}
		out[r.Key] = r.Until
	}
	return skipped, sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	ms := now.UnixMilli()
	for k, v := range m {
		if v < ms {
			delete(m, k)
		}
	}
}
