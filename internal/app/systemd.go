package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"rcbot/pkg/logx"
)

// sdNotifier speaks the sd_notify protocol when running under systemd.
// Outside systemd every call is a no-op.
type sdNotifier struct {
	enabled bool
	log     logx.Logger
}

func (n sdNotifier) notify(state string) {
	if !n.enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n sdNotifier) ready()    { n.notify(daemon.SdNotifyReady) }
func (n sdNotifier) stopping() { n.notify(daemon.SdNotifyStopping) }

// watchdog pings at half the unit's WatchdogSec while failed reports nil.
func (n sdNotifier) watchdog(failed func() error) func(context.Context) {
	return func(ctx context.Context) {
		if !n.enabled {
			return
		}
		interval, err := daemon.SdWatchdogEnabled(false)
		if err != nil || interval <= 0 {
			return
		}
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := failed(); err != nil {
					n.log.Warn("withholding watchdog ping", logx.Err(err))
					continue
				}
				n.notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}
