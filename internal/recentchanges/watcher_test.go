package recentchanges

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	mu      sync.Mutex
	next    []Change
	err     error
	cursors []*time.Time
}

func (f *fakeFeed) Fetch(_ context.Context, since *time.Time) ([]Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, since)
	if f.err != nil {
		return nil, f.err
	}
	out := f.next
	f.next = nil
	return out, nil
}

func (f *fakeFeed) push(cs ...Change) {
	f.mu.Lock()
	f.next = append(f.next, cs...)
	f.mu.Unlock()
}

func (f *fakeFeed) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func edit(title, user string, at time.Time, rev int64) Change {
	return Change{Kind: KindEdit, Title: title, User: user, Timestamp: at, RevID: rev, OldRevID: rev - 1}
}

func newTestWatcher(t *testing.T, cfg Config) (*Watcher, *fakeFeed, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(t0)
	feed := &fakeFeed{}
	cfg.Name = "test"
	cfg.Formatter.LinkURL = "L"
	return New(cfg, feed, WithClock(clk)), feed, clk
}

func TestRefreshAnnouncesNewSubjectImmediately(t *testing.T) {
	t.Parallel()
	w, feed, _ := newTestWatcher(t, Config{})

	feed.push(
		edit("Foo", "A", t0.Add(-5*time.Minute), 11),
		edit("Foo", "B", t0.Add(-10*time.Minute), 10),
	)
	lines, err := w.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "Foo edited by B, A 5 minutes ago -- L?diff=11&oldid=9", lines[0])

	st := w.Stats()
	assert.Equal(t, 1, st.Tracked)
	assert.Zero(t, st.PendingSubjects)
	assert.Equal(t, t0.Add(-5*time.Minute), st.Cursor)
}

func TestRefreshCursor(t *testing.T) {
	t.Parallel()
	w, feed, _ := newTestWatcher(t, Config{})

	_, err := w.Refresh(context.Background())
	require.NoError(t, err)
	feed.push(edit("Foo", "A", t0.Add(-time.Minute), 1), edit("Bar", "A", t0.Add(-3*time.Minute), 2))
	_, err = w.Refresh(context.Background())
	require.NoError(t, err)
	_, err = w.Refresh(context.Background())
	require.NoError(t, err)

	require.Len(t, feed.cursors, 3)
	assert.Nil(t, feed.cursors[0])
	assert.Nil(t, feed.cursors[1])
	require.NotNil(t, feed.cursors[2])
	assert.Equal(t, t0.Add(-time.Minute), *feed.cursors[2])
}

func TestRefreshHoldsBusySubject(t *testing.T) {
	t.Parallel()
	w, feed, clk := newTestWatcher(t, Config{InitialBackoff: 30 * time.Minute, MaxHold: 2 * time.Hour})
	ctx := context.Background()

	feed.push(edit("Foo", "A", t0.Add(-time.Minute), 1))
	lines, err := w.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	clk.Advance(35 * time.Minute)
	feed.push(edit("Foo", "B", clk.Now(), 2))
	lines, err = w.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)

	// posted 45m ago, newest change 10m old: hold is 18m45s.
	clk.Advance(10 * time.Minute)
	lines, err = w.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)

	// past max hold, fresh activity no longer delays the announcement.
	clk.Advance(85 * time.Minute)
	feed.push(edit("Foo", "C", clk.Now(), 3))
	lines, err = w.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "Foo edited by B, C just now -- L?diff=3&oldid=1", lines[0])
}

func TestRefreshCapDropsOldestReady(t *testing.T) {
	t.Parallel()
	w, feed, _ := newTestWatcher(t, Config{MaxSubjectsPerCycle: 5})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		// P0 is the oldest activity, P6 the newest.
		feed.push(edit(fmt.Sprintf("P%d", i), "A", t0.Add(time.Duration(i-10)*time.Minute), int64(i+1)))
	}
	lines, err := w.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 6)
	assert.Equal(t, "2 edits not shown", lines[0])
	for i, line := range lines[1:] {
		assert.Contains(t, line, fmt.Sprintf("P%d edited by A", i+2))
	}

	st := w.Stats()
	assert.Equal(t, 7, st.Tracked)
	assert.Zero(t, st.PendingSubjects)

	lines, err = w.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestRefreshCapBoundary(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 3, 4} {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()
			w, feed, _ := newTestWatcher(t, Config{MaxSubjectsPerCycle: 3})
			for i := 0; i < n; i++ {
				feed.push(edit(fmt.Sprintf("P%d", i), "A", t0.Add(time.Duration(-i)*time.Minute), int64(i+1)))
			}
			lines, err := w.Refresh(context.Background())
			require.NoError(t, err)
			shown := min(n, 3)
			if n > 3 {
				require.Len(t, lines, shown+1)
				assert.Equal(t, fmt.Sprintf("%d edits not shown", n-3), lines[0])
			} else {
				require.Len(t, lines, shown)
			}
		})
	}
}

func TestRefreshEviction(t *testing.T) {
	t.Parallel()
	w, feed, clk := newTestWatcher(t, Config{EvictAfter: 24 * time.Hour})
	ctx := context.Background()

	feed.push(edit("Foo", "A", t0, 1))
	_, err := w.Refresh(ctx)
	require.NoError(t, err)

	clk.Advance(24 * time.Hour)
	_, err = w.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Stats().Tracked, "retained at exactly the quiet period")

	clk.Advance(time.Second)
	_, err = w.Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, w.Stats().Tracked)
}

func TestRefreshPendingSubjectIsNotEvicted(t *testing.T) {
	t.Parallel()
	w, feed, clk := newTestWatcher(t, Config{EvictAfter: time.Hour, InitialBackoff: 3 * time.Hour, MaxHold: 10 * time.Hour})
	ctx := context.Background()

	feed.push(edit("Foo", "A", t0, 1))
	_, err := w.Refresh(ctx)
	require.NoError(t, err)

	clk.Advance(90 * time.Minute)
	feed.push(edit("Foo", "B", clk.Now(), 2))
	lines, err := w.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)
	st := w.Stats()
	assert.Equal(t, 1, st.Tracked)
	assert.Equal(t, 1, st.PendingChanges)
}

func TestRefreshFetchFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	w, feed, clk := newTestWatcher(t, Config{})
	ctx := context.Background()

	feed.push(edit("Foo", "A", t0, 1))
	_, err := w.Refresh(ctx)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	feed.push(edit("Foo", "B", clk.Now(), 2))
	_, err = w.Refresh(ctx)
	require.NoError(t, err)
	before := w.Stats()

	feed.fail(errors.New("connection refused"))
	clk.Advance(48 * time.Hour)
	lines, err := w.Refresh(ctx)
	require.NoError(t, err)
	assert.Nil(t, lines)

	after := w.Stats()
	assert.Equal(t, before.Tracked, after.Tracked)
	assert.Equal(t, before.PendingChanges, after.PendingChanges)
	assert.Equal(t, before.Cursor, after.Cursor)
	assert.Equal(t, before.LastCycle, after.LastCycle)
	assert.Equal(t, uint64(1), after.FetchFailures)
}

func TestRefreshFetchTimeout(t *testing.T) {
	t.Parallel()
	blocking := FetcherFunc(func(ctx context.Context, _ *time.Time) ([]Change, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w := New(Config{Name: "slow", FetchTimeout: 10 * time.Millisecond}, blocking)
	lines, err := w.Refresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, lines)
	assert.Equal(t, uint64(1), w.Stats().FetchFailures)
}

func TestRefreshIsolatesUnknownEvents(t *testing.T) {
	t.Parallel()
	w, feed, clk := newTestWatcher(t, Config{})
	ctx := context.Background()

	feed.push(
		edit("Good", "A", t0, 1),
		Change{Kind: KindLog, LogType: "patrol", LogAction: "patrol", Title: "Odd", User: "B", Timestamp: t0},
	)
	lines, err := w.Refresh(ctx)
	require.Error(t, err)
	assert.True(t, IsUnknownEvent(err))
	assert.Contains(t, err.Error(), "0:Odd")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Good edited by A")

	st := w.Stats()
	assert.Equal(t, 1, st.PendingSubjects)
	assert.Equal(t, 1, st.PendingChanges)

	// Still reported on the next cycle instead of being lost.
	clk.Advance(time.Minute)
	_, err = w.Refresh(ctx)
	require.Error(t, err)
	assert.True(t, IsUnknownEvent(err))
}

func TestPrimeDiscardsHistory(t *testing.T) {
	t.Parallel()
	w, feed, clk := newTestWatcher(t, Config{})
	ctx := context.Background()

	feed.push(edit("Foo", "A", t0.Add(-time.Hour), 1), edit("Bar", "A", t0.Add(-2*time.Hour), 2))
	n, err := w.Prime(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	clk.Advance(time.Minute)
	lines, err := w.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestRefreshMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	feed := &fakeFeed{}
	w := New(Config{Name: "wiki"}, feed, WithClock(testclock.NewClock(t0)), WithMetrics(m))
	feed.push(edit("Foo", "A", t0, 1))
	_, err = w.Refresh(context.Background())
	require.NoError(t, err)
	feed.fail(errors.New("boom"))
	_, err = w.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("wiki", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("wiki", ResultFetchError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingested.WithLabelValues("wiki")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tracked.WithLabelValues("wiki")))
}
