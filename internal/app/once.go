package app

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/juju/clock"

	"rcbot/internal/config"
	"rcbot/pkg/logx"
)

// RunOnce runs a single cycle of one feed and writes its lines to out, one
// per line. With prime, a discarded priming cycle runs first. An empty name
// selects the only configured feed.
func RunOnce(ctx context.Context, cfgPath, name string, prime bool, out io.Writer, log logx.Logger) error {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	if name == "" {
		if len(cfg.Feeds) != 1 {
			return fmt.Errorf("--feed is required when %d feeds are configured", len(cfg.Feeds))
		}
		name = cfg.Feeds[0].Name
	}
	f, err := cfg.Feed(name)
	if err != nil {
		return err
	}
	w, err := NewWatcher(f, &http.Client{}, clock.WallClock, log.With(logx.String("feed", f.Name)), nil)
	if err != nil {
		return err
	}
	if prime {
		if _, err := w.Prime(ctx); err != nil {
			log.Warn("prime left unformattable pages pending", logx.Err(err))
		}
	}
	lines, err := w.Refresh(ctx)
	for _, l := range lines {
		if _, werr := fmt.Fprintln(out, l); werr != nil {
			return werr
		}
	}
	return err
}
