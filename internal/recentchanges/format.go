package recentchanges

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"
)

// DefaultCommentLimit is the comment length Formatter truncates to.
const DefaultCommentLimit = 30

const ellipsis = "…"

// Formatter renders the pending changes of one page as a single line.
type Formatter struct {
	// LinkURL is the page script URL, e.g. https://wiki.example.org/index.php.
	LinkURL      string
	CommentLimit int
}

// Format renders changes, which must be non-empty, belong to one page and be
// sorted ascending by timestamp. It fails with an errors.NotImplemented error
// when a change has no known verb.
func (f Formatter) Format(changes []Change, now time.Time) (string, error) {
	if len(changes) == 0 {
		return "", errors.New("format: no changes")
	}
	first := changes[0]
	last := changes[len(changes)-1]

	limit := f.CommentLimit
	if limit <= 0 {
		limit = DefaultCommentLimit
	}

	parts := make([]string, 0, len(changes))
	prev := ""
	for _, c := range changes {
		v, err := Verb(c)
		if err != nil {
			return "", err
		}
		past := PastTense(v)

		var b strings.Builder
		if past != prev {
			b.WriteString(past)
			b.WriteString(" by ")
			prev = past
		}
		b.WriteString(c.User)
		if d, ok := c.SizeDelta(); ok {
			fmt.Fprintf(&b, " (%+d", d)
			if c.Comment != "" {
				b.WriteString(", ")
				b.WriteString(Trunc(c.Comment, limit))
			}
			b.WriteString(")")
		}
		parts = append(parts, b.String())
	}

	var s strings.Builder
	s.WriteString(last.Title)
	s.WriteString(" ")
	s.WriteString(strings.Join(parts, ", "))
	s.WriteString(" ")
	s.WriteString(Ago(now.Sub(last.Timestamp)))
	s.WriteString(" -- ")
	if last.RevID != 0 {
		fmt.Fprintf(&s, "%s?diff=%d&oldid=%d", f.LinkURL, last.RevID, first.OldRevID)
	} else {
		fmt.Fprintf(&s, "%s?title=%s", f.LinkURL, escapeTitle(last.Title))
	}
	return s.String(), nil
}

// Trunc shortens s to whole words fitting in maxLen runes and appends an
// ellipsis when any word was dropped. The first word is always kept, even
// when it alone is longer than maxLen.
func Trunc(s string, maxLen int) string {
	words := strings.Split(s, " ")
	n := 1
	length := utf8.RuneCountInString(words[0])
	for n < len(words) {
		next := length + 1 + utf8.RuneCountInString(words[n])
		if next > maxLen {
			break
		}
		length = next
		n++
	}
	out := strings.Join(words[:n], " ")
	if n < len(words) {
		out += " " + ellipsis
	}
	return out
}

// Ago renders d in the coarsest whole unit among weeks, days, hours and
// minutes. Durations under a minute, and negative ones, are "just now".
func Ago(d time.Duration) string {
	units := []struct {
		name string
		size time.Duration
	}{
		{"week", 7 * 24 * time.Hour},
		{"day", 24 * time.Hour},
		{"hour", time.Hour},
		{"minute", time.Minute},
	}
	for _, u := range units {
		if n := int64(d / u.size); n > 0 {
			return fmt.Sprintf("%d %s%s ago", n, u.name, plural(n))
		}
	}
	return "just now"
}

func plural(n int64) string {
	if n != 1 {
		return "s"
	}
	return ""
}

// escapeTitle percent-encodes a title for a query string, keeping "/" and
// using %20 for spaces.
func escapeTitle(title string) string {
	s := url.QueryEscape(title)
	s = strings.ReplaceAll(s, "+", "%20")
	return strings.ReplaceAll(s, "%2F", "/")
}
