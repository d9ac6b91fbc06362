package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcbot/internal/eventbus"
	"rcbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		unsub()
	})
	return s, events
}

func waitFor(t *testing.T, events <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	s, events := startEngine(t, Config{Workers: 1})

	var ran atomic.Bool
	require.NoError(t, s.Enqueue(Task{Name: "feed.a", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}}))
	e := waitFor(t, events, eventbus.TaskSuccess)
	assert.Equal(t, "feed.a", e.Data.(TaskEvent).Name)
	assert.True(t, ran.Load())

	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Snapshot().History[0].Attempts)
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s, events := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	task := Task{
		Name: "feed.slow",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			<-release
			return nil
		},
	}
	require.NoError(t, s.Enqueue(task))
	waitFor(t, events, eventbus.TaskStarted)
	assert.ErrorIs(t, s.Enqueue(task), ErrOverlapSkip)

	close(release)
	waitFor(t, events, eventbus.TaskSuccess)
	require.Eventually(t, func() bool { return s.Enqueue(task) == nil }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), s.Snapshot().Skipped)
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	s, events := startEngine(t, Config{Workers: 1, RetryMax: 3})

	var calls atomic.Int32
	require.NoError(t, s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}))
	e := waitFor(t, events, eventbus.TaskSuccess)
	assert.Equal(t, 3, e.Data.(TaskEvent).Attempts)
}

func TestNoRetryFailsOnce(t *testing.T) {
	t.Parallel()
	s, events := startEngine(t, Config{Workers: 1, RetryMax: 5})

	var calls atomic.Int32
	permanent := errors.New("unknown event")
	require.NoError(t, s.Enqueue(Task{
		Name: "feed.bad",
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return NoRetry(permanent)
		},
	}))
	e := waitFor(t, events, eventbus.TaskFailed)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, permanent.Error(), e.Data.(TaskEvent).Error)
}

func TestTaskPanicIsFailure(t *testing.T) {
	t.Parallel()
	s, events := startEngine(t, Config{Workers: 1})
	require.NoError(t, s.Enqueue(Task{Name: "boom", Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		panic("bad")
	}}))
	e := waitFor(t, events, eventbus.TaskFailed)
	assert.Contains(t, e.Data.(TaskEvent).Error, "panic: bad")
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	s, events := startEngine(t, Config{Workers: 1})
	require.NoError(t, s.Enqueue(Task{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Opt:     TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	e := waitFor(t, events, eventbus.TaskFailed)
	assert.Contains(t, e.Data.(TaskEvent).Error, "deadline exceeded")
}

func TestEnqueueStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)
	assert.Error(t, s.Enqueue(Task{Name: "x"}))
}

func TestNoRetryHelpers(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NoRetry(nil))
	base := errors.New("x")
	err := NoRetry(base)
	assert.True(t, IsNoRetry(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsNoRetry(base))
}

func TestBackoffDelayBounded(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		d := backoffDelay(opt, attempt)
		assert.LessOrEqual(t, d, time.Second)
		assert.Greater(t, d, time.Duration(0))
	}
}
