package recentchanges

import (
	"math"
	"time"
)

// Hold returns the quiet period a page must observe before it may be
// announced again, elapsed after its previous announcement.
//
// It falls linearly from initialBackoff at elapsed=0 to zero at
// elapsed=maxHold and keeps falling below zero afterwards, so a page that
// has been edited continuously for longer than maxHold is announced on the
// next cycle regardless of its latest activity.
func Hold(initialBackoff, maxHold, elapsed time.Duration) time.Duration {
	if maxHold <= 0 {
		return time.Duration(math.MinInt64)
	}
	b := initialBackoff.Seconds()
	slope := (0 - b) / maxHold.Seconds()
	secs := b + slope*elapsed.Seconds()
	return time.Duration(secs * float64(time.Second))
}

// Policy decides when a page with pending changes is ready.
type Policy struct {
	InitialBackoff time.Duration
	MaxHold        time.Duration
}

// Ready reports whether a page last announced at posted (zero: never) whose
// newest pending change happened at newest should be announced at now.
func (p Policy) Ready(now, posted, newest time.Time) bool {
	if posted.IsZero() {
		return true
	}
	return Hold(p.InitialBackoff, p.MaxHold, now.Sub(posted)) < now.Sub(newest)
}
