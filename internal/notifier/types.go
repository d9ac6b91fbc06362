package notifier

import "time"

type Config struct {
	QueueSize     int
	RatePerSec    float64
	Burst         int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// DedupWindow <= 0 disables dedup.
	DedupWindow     time.Duration
	DedupMaxEntries int
	// PersistDedup mirrors dedup windows into storage so they survive restarts.
	PersistDedup bool
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
}

// NotificationEvent is the Data of notifier.* bus events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
