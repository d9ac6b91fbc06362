package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"rcbot/internal/config"
	"rcbot/internal/eventbus"
	"rcbot/internal/notifier"
	"rcbot/internal/recentchanges"
	"rcbot/internal/storage"
	"rcbot/internal/task/engine"
	"rcbot/internal/transport"
	"rcbot/pkg/logx"
)

// Requests to one wiki are spaced at least this far apart.
const feedRequestSpacing = time.Second

// primeParallel bounds concurrent startup fetches.
const primeParallel = 4

type feed struct {
	cfg    config.Feed
	w      *recentchanges.Watcher
	target transport.ChatTarget
}

func (f *feed) scheduleName() string { return "feed." + f.cfg.Name }

// NewWatcher builds the MediaWiki client and watcher for one feed.
func NewWatcher(f config.Feed, hc *http.Client, clk clock.Clock, log logx.Logger, m *recentchanges.Metrics) (*recentchanges.Watcher, error) {
	client, err := recentchanges.NewClient(recentchanges.ClientConfig{
		BaseURL:     f.URL,
		Namespaces:  f.Namespaces,
		Limit:       f.Limit,
		UserAgent:   f.UserAgent,
		MinInterval: feedRequestSpacing,
	}, hc, log)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", f.Name, err)
	}
	return recentchanges.New(recentchanges.Config{
		Name:                f.Name,
		InitialBackoff:      f.InitialBackoff,
		MaxHold:             f.MaxHold,
		MaxSubjectsPerCycle: f.MaxSubjectsPerCycle,
		EvictAfter:          f.EvictAfter,
		FetchTimeout:        f.FetchTimeout,
		Formatter: recentchanges.Formatter{
			LinkURL:      f.LinkURL,
			CommentLimit: f.CommentLimit,
		},
	}, client,
		recentchanges.WithClock(clk),
		recentchanges.WithLogger(log),
		recentchanges.WithMetrics(m),
	), nil
}

// job is the scheduled task body for f: one cycle, delivered in order.
// Format faults are not retried; the next cycle tries those pages again.
func (a *App) job(f *feed) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		lines, err := f.w.Refresh(ctx)
		a.deliver(ctx, f, lines)
		if err != nil {
			a.bus.Publish(eventbus.Event{
				Type: eventbus.FeedFault,
				Time: a.now(),
				Data: eventbus.FeedFaultData{Feed: f.cfg.Name, Error: err.Error()},
			})
			return engine.NoRetry(err)
		}
		return nil
	}
}

func (a *App) deliver(ctx context.Context, f *feed, lines []string) {
	queued := 0
	for _, line := range lines {
		n := transport.Notification{
			Channel: f.cfg.Name,
			Target:  f.target,
			Text:    line,
			Options: &transport.SendOptions{DisablePreview: true},
		}
		switch err := a.notif.Notify(ctx, n); {
		case errors.Is(err, notifier.ErrDeduped):
			a.log.Debug("line suppressed as duplicate", logx.String("feed", f.cfg.Name))
			continue
		case err != nil:
			a.log.Warn("line not queued", logx.String("feed", f.cfg.Name), logx.Err(err))
			continue
		}
		queued++
		if a.store == nil {
			continue
		}
		if err := a.store.AppendAnnouncement(ctx, storage.Announcement{
			At:       a.now(),
			Feed:     f.cfg.Name,
			ChatID:   f.target.ChatID,
			ThreadID: f.target.ThreadID,
			Text:     line,
		}); err != nil {
			a.log.Warn("announcement not journaled", logx.String("feed", f.cfg.Name), logx.Err(err))
		}
	}
	a.bus.Publish(eventbus.Event{
		Type: eventbus.FeedCycle,
		Time: a.now(),
		Data: eventbus.FeedCycleData{Feed: f.cfg.Name, Lines: queued},
	})
}

// prime runs the startup cycle of every feed that asks for it, concurrently.
// A failure is logged; the feed still starts.
func (a *App) prime(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(primeParallel)
	for _, f := range a.feeds {
		if !f.cfg.Prime {
			continue
		}
		g.Go(func() error {
			n, err := f.w.Prime(gctx)
			if err != nil {
				a.log.Warn("prime left unformattable pages pending", logx.String("feed", f.cfg.Name), logx.Err(err))
			}
			a.bus.Publish(eventbus.Event{
				Type: eventbus.FeedPrimed,
				Time: a.now(),
				Data: eventbus.FeedCycleData{Feed: f.cfg.Name, Lines: n},
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) schedule() error {
	for _, f := range a.feeds {
		err := a.sched.Add(f.scheduleName(), "interval:"+f.cfg.Interval.String(),
			f.cfg.FetchTimeout+30*time.Second,
			engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
			a.job(f),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// health fails when the app supervisor recorded an error or a feed has gone
// several intervals without a successful fetch.
func (a *App) health() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	now := a.now()
	for _, f := range a.feeds {
		grace := 3*f.cfg.Interval + f.cfg.FetchTimeout
		if now.Sub(a.started) < grace {
			continue
		}
		last := f.w.Stats().LastCycle
		if last.IsZero() || now.Sub(last) > grace {
			return fmt.Errorf("feed %s: no successful fetch since %s", f.cfg.Name, last.Format(time.RFC3339))
		}
	}
	return nil
}
