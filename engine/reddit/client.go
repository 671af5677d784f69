package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/QuestFinder/quest-crawler/engine/crawl"
	"github.com/QuestFinder/quest-crawler/engine/thread"
	"github.com/QuestFinder/quest-crawler/pkg/fn"
	"github.com/QuestFinder/quest-crawler/pkg/metrics"
	"github.com/QuestFinder/quest-crawler/pkg/resilience"
)

// Config controls the upstream client.
type Config struct {
	// BaseURL is the site root (default https://www.reddit.com). Overridden
	// in tests to point at a local server.
	BaseURL string
	// Timeout bounds one HTTP round trip (default 30s).
	Timeout time.Duration
	// PageLimit is how many posts one search page asks for (default 100).
	PageLimit int
	// CommentLimit is how many comments one thread fetch asks for (default 500).
	CommentLimit int
	// Sort and TimeRange shape the search listing (defaults "relevance", "all").
	Sort      string
	TimeRange string
	// Profiles are the request identities to rotate through; defaults to
	// DefaultProfiles.
	Profiles []Profile

	Fetch   crawl.FetcherOpts
	Breaker resilience.BreakerOpts
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Client fetches search listings and comment trees. It satisfies both
// crawl.Transport (one governed HTTP attempt) and crawl.Source (typed pages
// and trees on top of the fetcher's retry machinery).
type Client struct {
	baseURL      string
	pageLimit    int
	commentLimit int
	sort         string
	timeRange    string

	http     *http.Client
	fetcher  *crawl.Fetcher
	breaker  *resilience.Breaker
	profiles []Profile
	log      *slog.Logger
	reg      *metrics.Registry
}

// NewClient creates a Client whose every request passes through gov.
func NewClient(cfg Config, gov *crawl.Governor) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.reddit.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.CommentLimit <= 0 {
		cfg.CommentLimit = 500
	}
	if cfg.Sort == "" {
		cfg.Sort = "relevance"
	}
	if cfg.TimeRange == "" {
		cfg.TimeRange = "all"
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = DefaultProfiles()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Fetch.Logger == nil {
		cfg.Fetch.Logger = cfg.Logger
	}

	c := &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		pageLimit:    cfg.PageLimit,
		commentLimit: cfg.CommentLimit,
		sort:         cfg.Sort,
		timeRange:    cfg.TimeRange,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker:  resilience.NewBreaker(cfg.Breaker),
		profiles: cfg.Profiles,
		log:      cfg.Logger,
		reg:      cfg.Metrics,
	}
	c.fetcher = crawl.NewFetcher(c, gov, cfg.Fetch)
	return c
}

// Profiles implements crawl.Transport.
func (c *Client) Profiles() int { return len(c.profiles) }

// Get implements crawl.Transport: one HTTP attempt under the given request
// identity, decoding the body into out. The circuit breaker only counts
// transport errors and 5xx responses as failures; 4xx responses mean the
// upstream is healthy and answering.
func (c *Client) Get(ctx context.Context, ref string, profile int, out any) (crawl.RateInfo, error) {
	start := time.Now()
	result := resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[*http.Response] {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return fn.Err[*http.Response](err)
		}
		c.profiles[profile].apply(req)
		req.Header.Set("Referer", c.baseURL+"/")
		resp, err := c.http.Do(req)
		if err != nil {
			return fn.Err[*http.Response](err)
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return fn.Err[*http.Response](&crawl.StatusError{Code: resp.StatusCode})
		}
		return fn.Ok(resp)
	})

	resp, err := result.Unwrap()
	if err != nil {
		c.observe(start, "error")
		return crawl.UnknownRateInfo, err
	}
	defer resp.Body.Close()

	info := rateInfoFrom(resp.Header)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		outcome := "error"
		if resp.StatusCode == http.StatusTooManyRequests {
			outcome = "rate_limited"
		}
		c.observe(start, outcome)
		return info, &crawl.StatusError{Code: resp.StatusCode}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		c.log.Warn("unexpected content type, attempting parse anyway", "ref", ref, "content_type", ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.observe(start, "error")
		return info, fmt.Errorf("decode %s: %w", ref, err)
	}
	c.observe(start, "ok")
	return info, nil
}

func (c *Client) observe(start time.Time, outcome string) {
	if c.reg == nil {
		return
	}
	c.reg.Counter(metrics.WithLabels("source_requests_total", "outcome", outcome),
		"Upstream request attempts by outcome.").Inc()
	c.reg.Histogram("source_request_seconds", "Upstream request latency.", nil).Since(start)
}

// rateInfoFrom parses the upstream's rate headers. Remaining is fractional,
// Reset is an epoch timestamp, Retry-After is in seconds. Missing or garbled
// headers stay at their unknown values.
func rateInfoFrom(h http.Header) crawl.RateInfo {
	info := crawl.UnknownRateInfo
	if v := h.Get("X-Ratelimit-Remaining"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			info.Remaining = f
		}
	}
	if v := h.Get("X-Ratelimit-Reset"); v != "" {
		if secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			info.ResetAt = time.Unix(secs, 0)
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			info.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return info
}

// FetchPage implements crawl.Source: one search listing page for query,
// starting after cursor ("" for the first page).
func (c *Client) FetchPage(ctx context.Context, query, cursor string) (crawl.Page, error) {
	var lst listingResponse
	if err := c.fetcher.Fetch(ctx, c.searchURL(query, cursor), &lst); err != nil {
		return crawl.Page{}, err
	}
	pg := crawl.Page{Cursor: lst.Data.After}
	for _, child := range lst.Data.Children {
		if child.Kind != kindPost {
			continue
		}
		pg.Items = append(pg.Items, c.itemFrom(child.Data))
	}
	return pg, nil
}

// FetchTree implements crawl.Source: the full nested reply tree of one item.
// The endpoint returns two listings, the post itself and its comment forest;
// a response without the second listing means no comments.
func (c *Client) FetchTree(ctx context.Context, item thread.Item) ([]thread.ThreadNode, error) {
	var listings []listingResponse
	if err := c.fetcher.Fetch(ctx, c.treeURL(item), &listings); err != nil {
		return nil, err
	}
	if len(listings) < 2 {
		return nil, nil
	}
	return collectTree(listings[1].Data.Children, 0), nil
}

func (c *Client) searchURL(query, cursor string) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("restrict_sr", "0")
	v.Set("sort", c.sort)
	v.Set("t", c.timeRange)
	v.Set("limit", strconv.Itoa(c.pageLimit))
	v.Set("raw_json", "1")
	if cursor != "" {
		v.Set("after", cursor)
	}
	return c.baseURL + "/search.json?" + v.Encode()
}

func (c *Client) treeURL(item thread.Item) string {
	v := url.Values{}
	v.Set("limit", strconv.Itoa(c.commentLimit))
	v.Set("raw_json", "1")
	return strings.TrimSuffix(item.SourceURL, "/") + ".json?" + v.Encode()
}

func (c *Client) itemFrom(d listingData) thread.Item {
	return thread.Item{
		ID:         d.ID,
		Title:      d.Title,
		Author:     d.Author,
		Body:       d.SelfText,
		Score:      d.Score,
		CreatedAt:  time.Unix(int64(d.CreatedUTC), 0).UTC(),
		SourceURL:  c.baseURL + d.Permalink,
		Subreddit:  d.Subreddit,
		ReplyCount: d.NumComments,
	}
}
