package notifier

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcbot/internal/eventbus"
	"rcbot/internal/storage"
	"rcbot/internal/transport"
	"rcbot/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	failures int
	texts    []string
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return transport.MessageRef{}, errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func fastConfig() Config {
	return Config{RatePerSec: 1000, Burst: 1000, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func line(text string) transport.Notification {
	return transport.Notification{Channel: "wiki", Target: transport.ChatTarget{ChatID: 7}, Text: text}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNotifyPreservesOrder(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := New(fastConfig(), snd, logx.Nop(), nil, nil)
	s.Start(context.Background())

	var want []string
	for i := 0; i < 50; i++ {
		text := fmt.Sprintf("line %02d", i)
		want = append(want, text)
		require.NoError(t, s.Notify(context.Background(), line(text)))
	}
	stop(t, s)
	assert.Equal(t, want, snd.sent())
	assert.Len(t, s.Snapshot(), 50)
}

func TestNotifyRetriesTransportErrors(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{failures: 2}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(fastConfig(), snd, logx.Nop(), bus, nil)
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), line("hello")))
	stop(t, s)

	assert.Equal(t, []string{"hello"}, snd.sent())
	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.ElementsMatch(t, []string{eventbus.NotifierQueued, eventbus.NotifierSent}, types)
}

func TestNotifyGivesUp(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{failures: 100}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	cfg := fastConfig()
	cfg.RetryMax = 1
	s := New(cfg, snd, logx.Nop(), bus, nil)
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), line("doomed")))
	stop(t, s)

	assert.Empty(t, snd.sent())
	var failed *NotificationEvent
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.NotifierFailed {
			ev := e.Data.(NotificationEvent)
			failed = &ev
		}
	}
	require.NotNil(t, failed)
	assert.Contains(t, failed.Error, "502")
}

func TestNotifyDedup(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	s := New(cfg, snd, logx.Nop(), nil, nil)
	s.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, s.Notify(ctx, line("same")))
	assert.ErrorIs(t, s.Notify(ctx, line("same")), ErrDeduped)
	other := line("same")
	other.Target.ThreadID = 3
	require.NoError(t, s.Notify(ctx, other))
	stop(t, s)

	assert.Equal(t, []string{"same", "same"}, snd.sent())
}

func TestNotifyPersistentDedup(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "rcbot")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	cfg.PersistDedup = true

	first := &fakeSender{}
	s := New(cfg, first, logx.Nop(), nil, st)
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), line("once")))
	stop(t, s)

	// A fresh service (a restart) still sees the window through storage.
	second := &fakeSender{}
	s = New(cfg, second, logx.Nop(), nil, st)
	s.Start(context.Background())
	assert.ErrorIs(t, s.Notify(context.Background(), line("once")), ErrDeduped)
	stop(t, s)

	assert.Equal(t, []string{"once"}, first.sent())
	assert.Empty(t, second.sent())
}

func TestNotifyRepeatsWithoutDedupWindow(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := New(fastConfig(), snd, logx.Nop(), nil, nil)
	s.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, s.Notify(ctx, line("2 edits not shown")))
	require.NoError(t, s.Notify(ctx, line("2 edits not shown")))
	stop(t, s)

	assert.Equal(t, []string{"2 edits not shown", "2 edits not shown"}, snd.sent())
}

func TestNotifyStopped(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), &fakeSender{}, logx.Nop(), nil, nil)
	assert.ErrorIs(t, s.Notify(context.Background(), line("x")), ErrStopped)
}

func TestNotifyQueueFull(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	snd := senderFunc(func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	cfg := fastConfig()
	cfg.QueueSize = 1
	s := New(cfg, snd, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer stop(t, s)
	defer close(block)

	var full bool
	for i := 0; i < 10 && !full; i++ {
		full = errors.Is(s.Notify(context.Background(), line(fmt.Sprint(i))), ErrQueueFull)
	}
	assert.True(t, full)
}

type senderFunc func(ctx context.Context) error

func (f senderFunc) SendText(ctx context.Context, _ transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, f(ctx)
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}
