package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rcbot/pkg/logx"
)

type Store interface {
	AppendAnnouncement(ctx context.Context, a Announcement) error
	// RecentAnnouncements returns up to n of the newest announcements for
	// feed, oldest first.
	RecentAnnouncements(ctx context.Context, feed string, n int) ([]Announcement, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open returns the configured store, or (nil, nil) when storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return nil, nil
	case "file":
		st, err := openFile(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
