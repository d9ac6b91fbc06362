package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks everything that can be checked without I/O. It is the
// default reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if cfg.Telegram.RequestTimeout != "" {
		if _, err := ParseDurationField("telegram.request_timeout", cfg.Telegram.RequestTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if te := cfg.TaskEngine; te != nil {
		if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if n := cfg.Notifier; n != nil {
		for field, raw := range map[string]string{
			"retry_base":      n.RetryBase,
			"retry_max_delay": n.RetryMaxDelay,
			"send_timeout":    n.SendTimeout,
			"dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField("notifier."+field, raw); err != nil {
				errs = append(errs, err)
			}
		}
		if n.RatePerSec < 0 {
			errs = append(errs, errors.New("notifier.rate_per_sec: must be >= 0"))
		}
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, errors.New("storage.path: required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	for field, raw := range map[string]string{
		"read_timeout":  cfg.HTTP.ReadTimeout,
		"write_timeout": cfg.HTTP.WriteTimeout,
		"idle_timeout":  cfg.HTTP.IdleTimeout,
	} {
		if _, err := ParseDurationField("http."+field, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if len(cfg.Feeds) == 0 {
		errs = append(errs, errors.New("feeds: at least one feed is required"))
	} else if feeds, err := cfg.ResolveFeeds(); err != nil {
		errs = append(errs, err)
	} else {
		for _, f := range feeds {
			if f.ChatID == 0 {
				errs = append(errs, fmt.Errorf("feeds[%s].chat_id: no chat_id and no telegram.default_chat_id", f.Name))
			}
		}
	}
	return errors.Join(errs...)
}
