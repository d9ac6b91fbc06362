package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"rcbot/internal/task/engine"
)

type Config struct {
	// Timezone is an IANA name used for cron expressions; empty means Local.
	Timezone string
}

// Enqueuer accepts triggered tasks; *engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	opt     engine.TaskOptions
	job     Job
	entryID cron.EntryID
	spread  time.Duration
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Spread  time.Duration `json:"spread,omitempty"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
