package recentchanges

import (
	"fmt"
	"time"
)

// Kind is the recent-changes event type.
type Kind string

const (
	KindNew        Kind = "new"
	KindLog        Kind = "log"
	KindEdit       Kind = "edit"
	KindCategorize Kind = "categorize"
)

// SubjectKey identifies a page: changes are grouped by it.
type SubjectKey struct {
	Namespace int
	Title     string
}

func (k SubjectKey) String() string { return fmt.Sprintf("%d:%s", k.Namespace, k.Title) }

// Change is one entry of list=recentchanges.
//
// OldLen/NewLen are nil when the feed omitted sizes. RevID and OldRevID are
// zero for non-revisioned events such as log entries.
type Change struct {
	Kind      Kind      `json:"type"`
	Namespace int       `json:"ns"`
	Title     string    `json:"title"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
	OldLen    *int      `json:"oldlen,omitempty"`
	NewLen    *int      `json:"newlen,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	RevID     int64     `json:"revid,omitempty"`
	OldRevID  int64     `json:"old_revid,omitempty"`
	LogType   string    `json:"logtype,omitempty"`
	LogAction string    `json:"logaction,omitempty"`
}

func (c Change) Subject() SubjectKey { return SubjectKey{Namespace: c.Namespace, Title: c.Title} }

// SizeDelta returns newlen-oldlen and whether both sizes were present.
func (c Change) SizeDelta() (int, bool) {
	if c.OldLen == nil || c.NewLen == nil {
		return 0, false
	}
	return *c.NewLen - *c.OldLen, true
}

func (c Change) describe() string {
	if c.Kind == KindLog {
		return fmt.Sprintf("%s event (logtype=%q logaction=%q)", c.Kind, c.LogType, c.LogAction)
	}
	return fmt.Sprintf("%q event", c.Kind)
}
