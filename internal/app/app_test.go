package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcbot/internal/config"
	"rcbot/internal/eventbus"
	"rcbot/internal/notifier"
	"rcbot/internal/recentchanges"
	"rcbot/internal/storage"
	"rcbot/internal/task/engine"
	"rcbot/internal/task/scheduler"
	"rcbot/internal/transport"
	"rcbot/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	chats []transport.ChatTarget
}

func (r *recordingSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	r.chats = append(r.chats, to)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(r.sent)}, nil
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func intp(v int) *int { return &v }

func edit(title string, rev int64, at time.Time) recentchanges.Change {
	return recentchanges.Change{
		Kind: recentchanges.KindEdit, Title: title, User: "Alice", Timestamp: at,
		OldLen: intp(100), NewLen: intp(120), RevID: rev, OldRevID: rev - 1,
	}
}

type harness struct {
	app    *App
	feed   *feed
	sender *recordingSender
	store  storage.Store
	clock  *testclock.Clock
	events <-chan eventbus.Event
}

func newHarness(t *testing.T, changes ...recentchanges.Change) *harness {
	t.Helper()
	return newHarnessWith(t, notifier.Config{RatePerSec: 1000, Burst: 100}, changes...)
}

func newHarnessWith(t *testing.T, ncfg notifier.Config, changes ...recentchanges.Change) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "rcbot")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	snd := &recordingSender{}
	notif := notifier.New(ncfg, snd, logx.Nop(), bus, nil)
	notif.Start(context.Background())

	fetch := recentchanges.FetcherFunc(func(context.Context, *time.Time) ([]recentchanges.Change, error) {
		return changes, nil
	})
	clk := testclock.NewClock(time.Now().UTC())
	fc := config.Feed{Name: "wiki", Interval: time.Minute, FetchTimeout: time.Second, ChatID: -100, ThreadID: 4}
	w := recentchanges.New(recentchanges.Config{
		Name:      fc.Name,
		Formatter: recentchanges.Formatter{LinkURL: "https://wiki.example.org/index.php"},
	}, fetch, recentchanges.WithClock(clk))

	a := &App{log: logx.Nop(), bus: bus, store: st, notif: notif, clock: clk}
	f := &feed{cfg: fc, w: w, target: transport.ChatTarget{ChatID: fc.ChatID, ThreadID: fc.ThreadID}}
	a.feeds = []*feed{f}
	return &harness{app: a, feed: f, sender: snd, store: st, clock: clk, events: events}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.app.notif.Stop(ctx)
}

func (h *harness) eventsOf(typ string) []eventbus.Event {
	var out []eventbus.Event
	for len(h.events) > 0 {
		if e := <-h.events; e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestJobDeliversAndJournals(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	h := newHarness(t, edit("Foo", 12, now.Add(-time.Minute)), edit("Bar", 20, now.Add(-2*time.Minute)))

	require.NoError(t, h.app.job(h.feed)(context.Background()))
	h.drain(t)

	sent := h.sender.texts()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0]+sent[1], "diff=12&oldid=11")
	for _, to := range h.sender.chats {
		assert.Equal(t, transport.ChatTarget{ChatID: -100, ThreadID: 4}, to)
	}

	journal, err := h.store.RecentAnnouncements(context.Background(), "wiki", 10)
	require.NoError(t, err)
	require.Len(t, journal, 2)
	assert.Equal(t, sent, []string{journal[0].Text, journal[1].Text})
	assert.Equal(t, int64(-100), journal[0].ChatID)

	cycles := h.eventsOf(eventbus.FeedCycle)
	require.Len(t, cycles, 1)
	assert.Equal(t, eventbus.FeedCycleData{Feed: "wiki", Lines: 2}, cycles[0].Data)
}

func TestJobFormatFaultIsNotRetried(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	odd := edit("Weird", 5, now.Add(-time.Minute))
	odd.Kind = "teleport"
	h := newHarness(t, odd, edit("Fine", 9, now.Add(-time.Minute)))

	err := h.app.job(h.feed)(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))
	h.drain(t)

	// The good page is still announced.
	require.Len(t, h.sender.texts(), 1)
	assert.Contains(t, h.sender.texts()[0], "Fine")
	faults := h.eventsOf(eventbus.FeedFault)
	require.Len(t, faults, 1)
	assert.Contains(t, faults[0].Data.(eventbus.FeedFaultData).Error, "Weird")
}

func TestPrimeDiscardsHistory(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	h := newHarness(t, edit("Old", 3, now.Add(-time.Hour)))
	h.feed.cfg.Prime = true

	require.NoError(t, h.app.prime(context.Background()))
	h.drain(t)
	assert.Empty(t, h.sender.texts())

	primed := h.eventsOf(eventbus.FeedPrimed)
	require.Len(t, primed, 1)
	assert.Equal(t, eventbus.FeedCycleData{Feed: "wiki", Lines: 1}, primed[0].Data)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	defer h.drain(t)

	h.app.started = h.clock.Now()
	assert.NoError(t, h.app.health(), "within the startup grace")

	h.app.started = h.clock.Now().Add(-time.Hour)
	assert.ErrorContains(t, h.app.health(), "feed wiki")

	require.NoError(t, h.app.job(h.feed)(context.Background()))
	assert.NoError(t, h.app.health())
}

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Telegram: config.TelegramConfig{DefaultChatID: 9}}
	cfg.Logging.Telegram.ThreadID = 2

	assert.Equal(t, transport.ChatTarget{ChatID: 9, ThreadID: 2}, logTarget(cfg))
	cfg.Logging.Telegram.ChatID = 11
	assert.Equal(t, int64(11), logTarget(cfg).ChatID)

	assert.Zero(t, mapNotifier(cfg).DedupWindow, "feed lines repeat across cycles; dedup is opt-in")
	assert.Equal(t, storage.Config{}, mapStorage(cfg))
	assert.Equal(t, 15*time.Second, mapTelegram(cfg).RequestTimeout)

	cfg.Notifier = &config.NotifierConfig{RatePerSec: 2, DedupWindow: "5m", RetryBase: "bogus"}
	n := mapNotifier(cfg)
	assert.Equal(t, 5*time.Minute, n.DedupWindow)
	assert.Equal(t, time.Duration(0), n.RetryBase)
	assert.InDelta(t, 2.0, n.RatePerSec, 1e-9)
}

func TestRunOnce(t *testing.T) {
	t.Parallel()
	ts := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"query": {"recentchanges": [
		  {"type": "edit", "ns": 0, "title": "Foo", "revid": 12, "old_revid": 11,
		   "user": "A", "oldlen": 120, "newlen": 110, "timestamp": %q, "comment": "tidy"}
		]}}`, ts)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "rcbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feeds:\n  - name: wiki\n    url: "+srv.URL+"\n"), 0o600))

	var out bytes.Buffer
	require.NoError(t, RunOnce(context.Background(), path, "", false, &out, logx.Nop()))
	assert.Contains(t, out.String(), "Foo")
	assert.Contains(t, out.String(), srv.URL+"/index.php?diff=12&oldid=11")

	err := RunOnce(context.Background(), path, "other", false, &out, logx.Nop())
	assert.ErrorContains(t, err, "other")
}

func TestStatusDocument(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	h := newHarness(t, edit("Foo", 12, now.Add(-time.Minute)))
	h.app.engine = engine.New(engine.Config{Workers: 1, QueueSize: 4}, logx.Nop(), h.app.bus)
	h.app.sched = scheduler.New(scheduler.Config{}, h.app.engine, logx.Nop())

	require.NoError(t, h.app.job(h.feed)(context.Background()))
	h.drain(t)

	st, ok := h.app.status().(Status)
	require.True(t, ok)
	assert.True(t, st.Healthy, st.Problem)
	require.Len(t, st.Feeds, 1)
	assert.Equal(t, uint64(1), st.Feeds[0].Cycles)
	require.Len(t, st.Recent, 1)
	assert.Contains(t, st.Recent[0].Text, "Foo")
	assert.Nil(t, st.Goroutines)
	assert.False(t, st.Engine.Running)
}

func TestDeliverRepeatsLinesAcrossCycles(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	at := h.clock.Now()

	h.app.deliver(context.Background(), h.feed, []string{"2 edits not shown"})
	h.clock.Advance(time.Minute)
	h.app.deliver(context.Background(), h.feed, []string{"2 edits not shown"})
	h.drain(t)

	assert.Equal(t, []string{"2 edits not shown", "2 edits not shown"}, h.sender.texts())

	journal, err := h.store.RecentAnnouncements(context.Background(), "wiki", 10)
	require.NoError(t, err)
	require.Len(t, journal, 2)
	assert.True(t, journal[0].At.Equal(at))
	assert.True(t, journal[1].At.Equal(at.Add(time.Minute)))

	cycles := h.eventsOf(eventbus.FeedCycle)
	require.Len(t, cycles, 2)
	for _, e := range cycles {
		assert.Equal(t, 1, e.Data.(eventbus.FeedCycleData).Lines)
		assert.False(t, e.Time.Before(at))
	}
}

func TestDeliverSkipsSuppressedDuplicates(t *testing.T) {
	t.Parallel()
	h := newHarnessWith(t, notifier.Config{RatePerSec: 1000, Burst: 100, DedupWindow: time.Hour})

	h.app.deliver(context.Background(), h.feed, []string{"Foo moved"})
	h.app.deliver(context.Background(), h.feed, []string{"Foo moved"})
	h.drain(t)

	assert.Equal(t, []string{"Foo moved"}, h.sender.texts())
	journal, err := h.store.RecentAnnouncements(context.Background(), "wiki", 10)
	require.NoError(t, err)
	assert.Len(t, journal, 1)

	cycles := h.eventsOf(eventbus.FeedCycle)
	require.Len(t, cycles, 2)
	assert.Equal(t, 1, cycles[0].Data.(eventbus.FeedCycleData).Lines)
	assert.Equal(t, 0, cycles[1].Data.(eventbus.FeedCycleData).Lines)
}
