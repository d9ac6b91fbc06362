package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"rcbot/internal/transport"
)

const (
	sinkQueue       = 256
	sinkSendTimeout = 10 * time.Second
	sinkMaxText     = 3500
	sinkMaxValue    = 600
)

// telegramSink forwards log lines at or above minLevel to an operator chat.
// Writes never block: lines over the rate limit or a full queue are counted
// and the count is reported with the next forwarded line.
type telegramSink struct {
	sender transport.Sender
	queue  chan sinkItem

	mu       sync.Mutex
	target   transport.ChatTarget
	limiter  *rate.Limiter
	minLevel Level

	suppressed atomic.Int64

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type sinkItem struct {
	to   transport.ChatTarget
	text string
}

func newTelegramSink(sender transport.Sender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		queue:    make(chan sinkItem, sinkQueue),
		limiter:  rate.NewLimiter(1, 1),
		minLevel: LevelWarn,
		done:     make(chan struct{}),
	}
}

func (t *telegramSink) setTarget(to transport.ChatTarget) {
	t.mu.Lock()
	t.target = to
	t.mu.Unlock()
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	rps := max(cfg.RatePerSec, 1)
	t.mu.Lock()
	t.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	t.limiter.SetLimit(rate.Limit(rps))
	t.limiter.SetBurst(rps)
	t.mu.Unlock()
	if cfg.Enabled {
		t.start()
	}
}

func (t *telegramSink) start() {
	t.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()
		go t.run(ctx)
	})
}

func (t *telegramSink) close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-t.done
	}
}

func (t *telegramSink) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-t.queue:
			sctx, cancel := context.WithTimeout(ctx, sinkSendTimeout)
			_, _ = t.sender.SendText(sctx, it.to, it.text, &transport.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.NoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, lim, floor := t.target, t.limiter, t.minLevel
	t.mu.Unlock()

	if to.ChatID == 0 || level < floor || level == zerolog.NoLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		t.suppressed.Add(1)
		return len(p), nil
	}
	text := formatTelegramJSON(p)
	if n := t.suppressed.Swap(0); n > 0 {
		text += fmt.Sprintf("\n(%d earlier lines suppressed)", n)
	}
	select {
	case t.queue <- sinkItem{to: to, text: text}:
	default:
		t.suppressed.Add(1)
	}
	return len(p), nil
}

// formatTelegramJSON renders one zerolog JSON line as "[LEVEL] message"
// followed by the remaining keys sorted. Non-JSON input is passed through.
func formatTelegramJSON(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, sinkMaxText)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(m, zerolog.LevelFieldName)
	delete(m, zerolog.MessageFieldName)
	delete(m, zerolog.TimestampFieldName)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), sinkMaxValue))
	}
	return clip(b.String(), sinkMaxText)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
