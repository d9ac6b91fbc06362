package recentchanges

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"rcbot/pkg/logx"
)

const (
	// MaxLimit is the largest rclimit the API serves to ordinary clients.
	MaxLimit         = 500
	defaultUserAgent = "rcbot/1.0 (MediaWiki recent changes announcer)"
	maxResponseBytes = 16 << 20
)

// DefaultNamespaces are articles (0) and files (6).
var DefaultNamespaces = []int{0, 6}

// ClientConfig configures a MediaWiki recent-changes Client.
type ClientConfig struct {
	// BaseURL is the wiki script path; the API is BaseURL + "/api.php".
	BaseURL    string
	Namespaces []int
	Limit      int
	UserAgent  string
	// MinInterval spaces consecutive requests. Zero disables pacing.
	MinInterval time.Duration
}

// Client fetches list=recentchanges from the MediaWiki action API.
type Client struct {
	cfg     ClientConfig
	api     string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg ClientConfig, hc *http.Client, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.NotValidf("empty feed url")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errors.Annotatef(err, "feed url %q", base)
	}
	if len(cfg.Namespaces) == 0 {
		cfg.Namespaces = DefaultNamespaces
	}
	if cfg.Limit <= 0 || cfg.Limit > MaxLimit {
		cfg.Limit = MaxLimit
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if hc == nil {
		hc = &http.Client{}
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return &Client{
		cfg:     cfg,
		api:     base + "/api.php",
		http:    hc,
		limiter: lim,
		log:     log,
	}, nil
}

// Query returns the query string for one fetch.
func (c *Client) Query(since *time.Time) url.Values {
	ns := make([]string, 0, len(c.cfg.Namespaces))
	for _, n := range c.cfg.Namespaces {
		ns = append(ns, strconv.Itoa(n))
	}
	q := url.Values{}
	q.Set("action", "query")
	q.Set("list", "recentchanges")
	q.Set("rcdir", "older")
	q.Set("format", "json")
	q.Set("rcprop", "user|comment|timestamp|sizes|title|flags|ids|loginfo")
	q.Set("continue", "")
	q.Set("rclimit", strconv.Itoa(c.cfg.Limit))
	q.Set("rcnamespace", strings.Join(ns, "|"))
	if since != nil {
		// Changes sharing the cursor's second are skipped; the API has no
		// finer bound.
		q.Set("rcend", strconv.FormatInt(since.Unix()+1, 10))
	}
	return q
}

type apiResponse struct {
	Error *struct {
		Code string `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
	Query *struct {
		RecentChanges *[]Change `json:"recentchanges"`
	} `json:"query"`
}

// Fetch implements Fetcher.
func (c *Client) Fetch(ctx context.Context, since *time.Time) ([]Change, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Annotate(err, "rate limit")
	}
	u := c.api + "?" + c.Query(since).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Annotate(err, "build request")
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "get %s", c.api)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("get %s: status %s", c.api, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Annotate(err, "read response")
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Annotate(err, "decode response")
	}
	if out.Error != nil {
		return nil, errors.Errorf("api error %s: %s", out.Error.Code, out.Error.Info)
	}
	if out.Query == nil || out.Query.RecentChanges == nil {
		return nil, errors.NotFoundf("query.recentchanges in response")
	}
	changes := *out.Query.RecentChanges
	c.log.Debug("feed fetched",
		logx.String("size", humanize.Bytes(uint64(len(body)))),
		logx.Int("changes", len(changes)),
		logx.Bool("cursor", since != nil),
	)
	return changes, nil
}
