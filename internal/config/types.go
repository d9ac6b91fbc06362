package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "30s", "2h").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Scheduler controls triggering; execution lives under task_engine.
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	HTTP     HTTPConfig      `json:"http"`
	Systemd  SystemdConfig   `json:"systemd"`

	Feeds []FeedConfig `json:"feeds"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL overrides https://api.telegram.org (local bot-api servers).
	APIURL string `json:"api_url,omitempty"`
	// DefaultChatID receives feeds that set no chat_id.
	DefaultChatID  int64  `json:"default_chat_id"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled bool `json:"enabled"`
	// ChatID 0 falls back to telegram.default_chat_id.
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name for cron expressions; empty means Local.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async delivery pipeline. An omitted section
// uses runtime defaults.
type NotifierConfig struct {
	QueueSize       int     `json:"queue_size"`
	RatePerSec      float64 `json:"rate_per_sec"`
	Burst           int     `json:"burst,omitempty"`
	RetryMax        int     `json:"retry_max"`
	RetryBase       string  `json:"retry_base"`
	RetryMaxDelay   string  `json:"retry_max_delay"`
	SendTimeout     string  `json:"send_timeout,omitempty"`
	DedupWindow     string  `json:"dedup_window"`
	DedupMaxEntries int     `json:"dedup_max_entries"`
	PersistDedup    bool    `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./rcbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls the /metrics, /healthz and pprof server.
//
// Prefer a loopback Addr. A non-loopback Addr needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type SystemdConfig struct {
	// Notify defaults to true when omitted.
	Notify *bool `json:"notify,omitempty"`
}

func (c SystemdConfig) NotifyEnabled() bool { return c.Notify == nil || *c.Notify }

// FeedConfig is one watched wiki. See Feed for the resolved form.
type FeedConfig struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	LinkURL string `json:"link_url,omitempty"`

	Namespaces []int `json:"namespaces,omitempty"`
	Limit      int   `json:"limit,omitempty"`

	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int   `json:"thread_id,omitempty"`

	Interval            string `json:"interval,omitempty"`
	FetchTimeout        string `json:"fetch_timeout,omitempty"`
	InitialBackoff      string `json:"initial_backoff,omitempty"`
	MaxHold             string `json:"max_hold,omitempty"`
	MaxSubjectsPerCycle int    `json:"max_subjects_per_cycle,omitempty"`
	EvictAfter          string `json:"evict_after,omitempty"`
	CommentLimit        int    `json:"comment_limit,omitempty"`

	Prime     *bool  `json:"prime,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}
