package app

import (
	"time"

	"rcbot/internal/notifier"
	"rcbot/internal/recentchanges"
	"rcbot/internal/runtime/supervisor"
	"rcbot/internal/task/engine"
	"rcbot/internal/task/scheduler"
)

// recentLines caps the delivery history shown on /status.
const recentLines = 20

// Status is the document behind /status.
type Status struct {
	Started    time.Time              `json:"started"`
	Healthy    bool                   `json:"healthy"`
	Problem    string                 `json:"problem,omitempty"`
	Feeds      []recentchanges.Stats  `json:"feeds"`
	Engine     engine.Snapshot        `json:"engine"`
	Scheduler  scheduler.Snapshot     `json:"scheduler"`
	Goroutines *supervisor.Snapshot   `json:"goroutines,omitempty"`
	Recent     []notifier.HistoryItem `json:"recent"`
}

func (a *App) status() any {
	st := Status{
		Started:   a.started,
		Healthy:   true,
		Engine:    a.engine.Snapshot(),
		Scheduler: a.sched.Snapshot(),
	}
	if err := a.health(); err != nil {
		st.Healthy, st.Problem = false, err.Error()
	}
	for _, f := range a.feeds {
		st.Feeds = append(st.Feeds, f.w.Stats())
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Goroutines = &snap
	}
	recent := a.notif.Snapshot()
	if len(recent) > recentLines {
		recent = recent[len(recent)-recentLines:]
	}
	st.Recent = recent
	return st
}
