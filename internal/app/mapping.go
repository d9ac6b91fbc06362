package app

import (
	"strings"
	"time"

	"rcbot/internal/config"
	"rcbot/internal/notifier"
	"rcbot/internal/observability/httpserver"
	"rcbot/internal/storage"
	"rcbot/internal/task/engine"
	"rcbot/internal/transport"
	"rcbot/internal/transport/telegram"
	"rcbot/pkg/logx"
)

// The mappers below run on configs Validate has accepted, so duration parse
// failures fall back to defaults instead of erroring.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func logTarget(cfg *config.Config) transport.ChatTarget {
	chat := cfg.Logging.Telegram.ChatID
	if chat == 0 {
		chat = cfg.Telegram.DefaultChatID
	}
	return transport.ChatTarget{ChatID: chat, ThreadID: cfg.Logging.Telegram.ThreadID}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		APIURL:         cfg.Telegram.APIURL,
		RequestTimeout: config.DurationOr(cfg.Telegram.RequestTimeout, 15*time.Second),
	}
}

func mapTaskEngine(cfg *config.Config) engine.Config {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: config.DurationOr(te.DefaultTimeout, 0),
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}
}

func mapNotifier(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{RetryMax: 3}
	}
	return notifier.Config{
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		Burst:           n.Burst,
		RetryMax:        n.RetryMax,
		RetryBase:       config.DurationOr(n.RetryBase, 0),
		RetryMaxDelay:   config.DurationOr(n.RetryMaxDelay, 0),
		SendTimeout:     config.DurationOr(n.SendTimeout, 0),
		DedupWindow:     config.DurationOr(n.DedupWindow, 0),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	s := cfg.Storage
	if s == nil {
		return storage.Config{}
	}
	return storage.Config{
		Driver:      strings.TrimSpace(s.Driver),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: config.DurationOr(s.BusyTimeout, time.Second),
	}
}

func mapHTTP(cfg *config.Config) httpserver.Config {
	h := cfg.HTTP
	return httpserver.Config{
		Enabled:              h.Enabled,
		Addr:                 h.Addr,
		Token:                h.Token,
		AllowInsecure:        h.AllowInsecure,
		Pprof:                h.Pprof,
		ReadTimeout:          config.DurationOr(h.ReadTimeout, 10*time.Second),
		WriteTimeout:         config.DurationOr(h.WriteTimeout, 0),
		IdleTimeout:          config.DurationOr(h.IdleTimeout, 60*time.Second),
		MutexProfileFraction: h.MutexProfileFraction,
		BlockProfileRate:     h.BlockProfileRate,
	}
}
