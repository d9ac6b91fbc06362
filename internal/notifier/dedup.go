package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"rcbot/internal/storage"
	"rcbot/internal/transport"
)

func dedupKey(n transport.Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%016x", h.Sum64())
}

// deduper suppresses repeats within a window. Memory is an expiring LRU; a
// store, when present, is consulted on a miss and written on every allow.
type deduper struct {
	window time.Duration
	cache  *expirable.LRU[string, time.Time]
	store  storage.Store
}

func newDeduper(window time.Duration, size int, store storage.Store) *deduper {
	if window <= 0 {
		return nil
	}
	return &deduper{
		window: window,
		cache:  expirable.NewLRU[string, time.Time](size, nil, window),
		store:  store,
	}
}

// allow reports whether key may be sent now and, if so, opens a new window.
func (d *deduper) allow(ctx context.Context, key string, now time.Time) bool {
	if d == nil {
		return true
	}
	if until, ok := d.cache.Get(key); ok && now.Before(until) {
		return false
	}
	if d.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := d.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			d.cache.Add(key, until)
			return false
		}
	}
	until := now.Add(d.window)
	d.cache.Add(key, until)
	if d.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		_ = d.store.PutDedup(cctx, key, until)
		cancel()
	}
	return true
}
