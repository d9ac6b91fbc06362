package config

import (
	"reflect"
	"sort"
	"strings"

	"rcbot/pkg/logx"
)

// Sections applied live on reload. Every other changed section only takes
// effect after a restart.
var hotSections = map[string]bool{"logging": true, "notifier": true, "http": true}

// SummarizeConfigChange returns the changed top-level sections, safe fields
// for logging (never secrets) and the names of feeds that were added,
// removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.APIURL) != strings.TrimSpace(newCfg.Telegram.APIURL) ||
		oldCfg.Telegram.DefaultChatID != newCfg.Telegram.DefaultChatID ||
		strings.TrimSpace(oldCfg.Telegram.RequestTimeout) != strings.TrimSpace(newCfg.Telegram.RequestTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Int64("telegram.default_chat_id", newCfg.Telegram.DefaultChatID),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	oTE, nTE := deref(oldCfg.TaskEngine), deref(newCfg.TaskEngine)
	if oTE != nTE {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	oN, nN := deref(oldCfg.Notifier), deref(newCfg.Notifier)
	if oN != nN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.queue_size", nN.QueueSize),
			logx.Any("notifier.rate_per_sec", nN.RatePerSec),
			logx.Int("notifier.retry_max", nN.RetryMax),
			logx.String("notifier.dedup_window", strings.TrimSpace(nN.DedupWindow)),
			logx.Bool("notifier.persist_dedup", nN.PersistDedup),
		)
	}

	oS, nS := deref(oldCfg.Storage), deref(newCfg.Storage)
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Systemd.NotifyEnabled() != newCfg.Systemd.NotifyEnabled() {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.NotifyEnabled()))
	}

	feeds := diffFeeds(oldCfg.Feeds, newCfg.Feeds)
	if len(feeds) > 0 {
		changed = append(changed, "feeds")
		attrs = append(attrs,
			logx.Int("feeds.changed_count", len(feeds)),
			logx.String("feeds.changed", strings.Join(feeds, ",")),
		)
	}

	sort.Strings(changed)
	return changed, attrs, feeds
}

// RestartRequired filters sections down to those not applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

func diffFeeds(oldF, newF []FeedConfig) []string {
	byName := func(in []FeedConfig) map[string]FeedConfig {
		m := make(map[string]FeedConfig, len(in))
		for _, f := range in {
			m[strings.TrimSpace(f.Name)] = f
		}
		return m
	}
	om, nm := byName(oldF), byName(newF)

	var out []string
	for name, o := range om {
		if n, ok := nm[name]; !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range nm {
		if _, ok := om[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
