package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Feed defaults.
const (
	DefaultFeedInterval   = 60 * time.Second
	DefaultFetchTimeout   = 30 * time.Second
	DefaultInitialBackoff = 30 * time.Minute
	DefaultMaxHold        = 2 * time.Hour
	DefaultMaxSubjects    = 5
	DefaultEvictAfter     = 24 * time.Hour
	DefaultFeedLimit      = 500
	DefaultUserAgent      = "rcbot/1.0 (MediaWiki recent changes announcer)"
	maxFeedLimit          = 500
	minFeedInterval       = time.Second
	linkScript            = "/index.php"
)

var defaultNamespaces = []int{0, 6}

// Feed is a FeedConfig with defaults applied and durations parsed.
type Feed struct {
	Name       string
	URL        string // script path; the API is URL + "/api.php"
	LinkURL    string
	Namespaces []int
	Limit      int

	ChatID   int64
	ThreadID int

	Interval            time.Duration
	FetchTimeout        time.Duration
	InitialBackoff      time.Duration
	MaxHold             time.Duration
	MaxSubjectsPerCycle int
	EvictAfter          time.Duration
	CommentLimit        int

	Prime     bool
	UserAgent string
}

// Resolve validates f and applies defaults. defaultChat is
// telegram.default_chat_id.
func (f FeedConfig) Resolve(defaultChat int64) (Feed, error) {
	path := "feeds[" + f.Name + "]"
	out := Feed{
		Name:                strings.TrimSpace(f.Name),
		Namespaces:          f.Namespaces,
		Limit:               f.Limit,
		ChatID:              f.ChatID,
		ThreadID:            f.ThreadID,
		MaxSubjectsPerCycle: f.MaxSubjectsPerCycle,
		CommentLimit:        f.CommentLimit,
		Prime:               f.Prime == nil || *f.Prime,
		UserAgent:           strings.TrimSpace(f.UserAgent),
	}
	if out.Name == "" {
		return Feed{}, fmt.Errorf("feeds: name is required")
	}

	base := strings.TrimRight(strings.TrimSpace(f.URL), "/")
	u, err := url.Parse(base)
	if base == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Feed{}, fmt.Errorf("%s.url: absolute http(s) URL required, got %q", path, f.URL)
	}
	out.URL = base
	out.LinkURL = strings.TrimSpace(f.LinkURL)
	if out.LinkURL == "" {
		out.LinkURL = base + linkScript
	}

	if len(out.Namespaces) == 0 {
		out.Namespaces = append([]int(nil), defaultNamespaces...)
	}
	switch {
	case out.Limit == 0:
		out.Limit = DefaultFeedLimit
	case out.Limit < 0 || out.Limit > maxFeedLimit:
		return Feed{}, fmt.Errorf("%s.limit: must be 1..%d", path, maxFeedLimit)
	}
	if out.ChatID == 0 {
		out.ChatID = defaultChat
	}
	if out.MaxSubjectsPerCycle < 0 {
		return Feed{}, fmt.Errorf("%s.max_subjects_per_cycle: must be >= 0", path)
	}
	if out.MaxSubjectsPerCycle == 0 {
		out.MaxSubjectsPerCycle = DefaultMaxSubjects
	}
	if out.CommentLimit < 0 {
		return Feed{}, fmt.Errorf("%s.comment_limit: must be >= 0", path)
	}
	if out.UserAgent == "" {
		out.UserAgent = DefaultUserAgent
	}

	for _, d := range []struct {
		field string
		raw   string
		def   time.Duration
		dst   *time.Duration
	}{
		{"interval", f.Interval, DefaultFeedInterval, &out.Interval},
		{"fetch_timeout", f.FetchTimeout, DefaultFetchTimeout, &out.FetchTimeout},
		{"initial_backoff", f.InitialBackoff, DefaultInitialBackoff, &out.InitialBackoff},
		{"max_hold", f.MaxHold, DefaultMaxHold, &out.MaxHold},
		{"evict_after", f.EvictAfter, DefaultEvictAfter, &out.EvictAfter},
	} {
		if *d.dst, err = ParseDurationOrDefault(path+"."+d.field, d.raw, d.def); err != nil {
			return Feed{}, err
		}
	}
	if out.Interval < minFeedInterval {
		return Feed{}, fmt.Errorf("%s.interval: must be >= %s", path, minFeedInterval)
	}
	return out, nil
}

// ResolveFeeds resolves every feed and rejects duplicate names.
func (c *Config) ResolveFeeds() ([]Feed, error) {
	seen := make(map[string]bool, len(c.Feeds))
	out := make([]Feed, 0, len(c.Feeds))
	for _, fc := range c.Feeds {
		f, err := fc.Resolve(c.Telegram.DefaultChatID)
		if err != nil {
			return nil, err
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("feeds: duplicate name %q", f.Name)
		}
		seen[f.Name] = true
		out = append(out, f)
	}
	return out, nil
}

// Feed returns the resolved feed called name.
func (c *Config) Feed(name string) (Feed, error) {
	feeds, err := c.ResolveFeeds()
	if err != nil {
		return Feed{}, err
	}
	for _, f := range feeds {
		if f.Name == name {
			return f, nil
		}
	}
	return Feed{}, fmt.Errorf("feeds: no feed named %q", name)
}
