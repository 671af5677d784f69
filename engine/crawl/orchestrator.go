// Package crawl implements the rate-governed crawler core: a shared request
// governor, a retrying page fetcher, per-query pagination drivers, fair quota
// allocation, and the final dedup/truncate pass.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/QuestFinder/quest-crawler/engine/thread"
	"github.com/QuestFinder/quest-crawler/pkg/metrics"
)

// Config controls one crawl invocation.
type Config struct {
	// Queries are the independent search strings; at least one is required.
	Queries []string
	// GlobalQuota is the target total of first-level replies across all
	// queries, or thread.NoQuota for unbounded.
	GlobalQuota int
	// Keywords filter item titles (case-insensitive substring match). Empty
	// or containing "*" means no filtering. Ignored when TitleMatch is set.
	Keywords []string
	// TitleMatch overrides the keyword predicate when non-nil.
	TitleMatch func(title string) bool
	// QueryWorkers bounds how many queries crawl concurrently (default 3);
	// kept small regardless of per-query parallelism to avoid amplifying
	// platform-wide rate pressure.
	QueryWorkers int
	// TreeWorkers bounds parallel tree fetches within one query (default 8).
	TreeWorkers int
	// InitialFanout seeds the replies-per-item estimate before any trees
	// have been observed (default 3).
	InitialFanout float64

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// ErrNoQueries is returned when a crawl is configured without queries.
var ErrNoQueries = errors.New("crawl: no queries configured")

// Result is everything one crawl collected, before finalization, plus
// accounting of what was skipped: partial failure never aborts a crawl, so
// callers see both the data and how much is missing.
type Result struct {
	Items      []thread.Item
	FirstLevel int
	Skipped    int
	Queries    []QueryStats
}

// QueryStats summarizes one query's crawl.
type QueryStats struct {
	Query      string
	Quota      int
	Items      int
	FirstLevel int
	Pages      int
	Skipped    int
}

// Crawler runs bounded-parallel pagination drivers across queries and merges
// their output.
type Crawler struct {
	src Source
	cfg Config
	log *slog.Logger
}

// New validates cfg and creates a Crawler.
func New(src Source, cfg Config) (*Crawler, error) {
	if len(cfg.Queries) == 0 {
		return nil, ErrNoQueries
	}
	if cfg.GlobalQuota < thread.NoQuota {
		return nil, fmt.Errorf("crawl: invalid global quota %d", cfg.GlobalQuota)
	}
	if cfg.QueryWorkers <= 0 {
		cfg.QueryWorkers = 3
	}
	if cfg.TreeWorkers <= 0 {
		cfg.TreeWorkers = 8
	}
	if cfg.InitialFanout <= 0 {
		cfg.InitialFanout = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TitleMatch == nil {
		cfg.TitleMatch = KeywordMatch(cfg.Keywords)
	}
	return &Crawler{src: src, cfg: cfg, log: cfg.Logger}, nil
}

// CrawlAll runs every query's driver with bounded parallelism, merges their
// items in completion order, and finalizes: dedup by item ID, then exact
// truncation to the global quota. Once the running first-level total meets
// the quota, drivers that have not started yet are skipped; in-flight
// requests always run to completion.
func (c *Crawler) CrawlAll(ctx context.Context) (Result, error) {
	quotas := Allocate(c.cfg.GlobalQuota, len(c.cfg.Queries))

	var (
		mu      sync.Mutex
		merged  []thread.Item
		global  int
		skipped int
		stats   = make([]QueryStats, len(c.cfg.Queries))
		wg      sync.WaitGroup
		sem     = make(chan struct{}, c.cfg.QueryWorkers)
	)

	quotaMet := func() bool {
		return c.cfg.GlobalQuota != thread.NoQuota && global >= c.cfg.GlobalQuota
	}

	for i, q := range c.cfg.Queries {
		wg.Add(1)
		go func(i int, query thread.Query) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			mu.Lock()
			met := quotaMet()
			mu.Unlock()
			if met {
				c.log.Info("global quota met, skipping query", "query", query.Text)
				return
			}

			d := &driver{
				src:     c.src,
				query:   query,
				match:   c.cfg.TitleMatch,
				workers: c.cfg.TreeWorkers,
				fanout:  c.cfg.InitialFanout,
				log:     c.log,
			}
			res := d.run(ctx)
			first := thread.FirstLevel(res.items)

			mu.Lock()
			merged = append(merged, res.items...)
			global += first
			skipped += res.skipped
			stats[i] = QueryStats{
				Query:      query.Text,
				Quota:      query.Quota,
				Items:      len(res.items),
				FirstLevel: first,
				Pages:      res.pages,
				Skipped:    res.skipped,
			}
			mu.Unlock()

			c.log.Info("query crawl finished",
				"query", query.Text, "items", len(res.items), "first_level", first,
				"pages", res.pages, "skipped", res.skipped)
		}(i, thread.Query{Text: q, Quota: quotas[i]})
	}
	wg.Wait()

	items := Finalize(merged, c.cfg.GlobalQuota)
	out := Result{
		Items:      items,
		FirstLevel: thread.FirstLevel(items),
		Skipped:    skipped,
		Queries:    stats,
	}

	if m := c.cfg.Metrics; m != nil {
		m.Counter("crawl_items_total", "Items in final crawl output.").Add(int64(len(out.Items)))
		m.Counter("crawl_first_level_replies_total", "First-level replies in final crawl output.").Add(int64(out.FirstLevel))
		m.Counter("crawl_skipped_units_total", "Pages and trees skipped after fetch failure.").Add(int64(out.Skipped))
	}
	c.log.Info("crawl finished",
		"items", len(out.Items), "first_level", out.FirstLevel, "skipped", out.Skipped)
	return out, ctx.Err()
}

// KeywordMatch builds the default title predicate: case-insensitive
// substring match against any keyword. An empty list or a "*" entry
// disables filtering.
func KeywordMatch(keywords []string) func(string) bool {
	var cleaned []string
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "*" {
			return func(string) bool { return true }
		}
		if k != "" {
			cleaned = append(cleaned, strings.ToLower(k))
		}
	}
	if len(cleaned) == 0 {
		return func(string) bool { return true }
	}
	return func(title string) bool {
		title = strings.ToLower(title)
		for _, k := range cleaned {
			if strings.Contains(title, k) {
				return true
			}
		}
		return false
	}
}
