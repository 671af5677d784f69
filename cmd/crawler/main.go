// Command crawler runs one crawl task: search queries against the upstream
// source, collect matching threads with their full reply trees under a global
// first-level reply quota, save the result as a task file, and optionally
// publish entries to NATS and import them into Postgres.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/QuestFinder/quest-crawler/engine/crawl"
	"github.com/QuestFinder/quest-crawler/engine/reddit"
	"github.com/QuestFinder/quest-crawler/engine/store"
	"github.com/QuestFinder/quest-crawler/engine/thread"
	"github.com/QuestFinder/quest-crawler/pkg/fn"
	"github.com/QuestFinder/quest-crawler/pkg/metrics"
	"github.com/QuestFinder/quest-crawler/pkg/natsutil"
)

func main() {
	var (
		taskID      = flag.String("task", "", "task ID (default: a freshly minted one)")
		seedsPath   = flag.String("seeds", "seeds.txt", "file with one search query per line")
		keywordPath = flag.String("keywords", "", "file with title keywords, one per line (empty or '*' line disables filtering)")
		quota       = flag.Int("quota", thread.NoQuota, "global first-level reply quota across all queries (-1 = unbounded)")
		baseURL     = flag.String("base-url", "", "source base URL (default: the public site)")
		minInterval = flag.Duration("min-interval", 500*time.Millisecond, "minimum spacing between requests")
		maxInflight = flag.Int("max-inflight", 3, "maximum concurrently outstanding requests")
		attempts    = flag.Int("attempts", 3, "attempt budget per fetch")
		queryWork   = flag.Int("query-workers", 3, "queries crawled concurrently")
		treeWork    = flag.Int("tree-workers", 8, "parallel tree fetches per query")
		dataDir     = flag.String("data-dir", "data", "directory for task files")
		natsURL     = flag.String("nats-url", "", "NATS server URL (empty: skip publishing)")
		natsSubject = flag.String("nats-subject", "crawl.entries", "NATS subject for entries")
		pgDSN       = flag.String("pg-dsn", "", "Postgres DSN for entry import (empty: skip import)")
		metricsAddr = flag.String("metrics-addr", "", "address for the /metrics endpoint (empty: disabled)")
		timeout     = flag.Duration("timeout", 0, "overall crawl deadline (0 = none)")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	queries, err := readLines(*seedsPath)
	if err != nil {
		log.Fatalf("load seeds: %v", err)
	}
	if len(queries) == 0 {
		log.Fatalf("no queries in %s", *seedsPath)
	}
	var keywords []string
	if *keywordPath != "" {
		if keywords, err = readLines(*keywordPath); err != nil {
			log.Fatalf("load keywords: %v", err)
		}
	}

	fs, err := store.NewFileStore(*dataDir, logger)
	if err != nil {
		log.Fatalf("open data dir: %v", err)
	}
	id := *taskID
	if id == "" {
		id = store.NewTaskID()
	} else if fs.Exists(id) {
		log.Fatalf("task %s already exists in %s", id, *dataDir)
	}

	reg := metrics.New()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	gov := crawl.NewGovernor(crawl.GovernorOpts{
		MinInterval: *minInterval,
		MaxInFlight: *maxInflight,
	})
	client := reddit.NewClient(reddit.Config{
		BaseURL: *baseURL,
		Fetch:   crawl.FetcherOpts{AttemptBudget: *attempts, Logger: logger},
		Logger:  logger,
		Metrics: reg,
	}, gov)

	crawler, err := crawl.New(client, crawl.Config{
		Queries:      queries,
		GlobalQuota:  *quota,
		Keywords:     keywords,
		QueryWorkers: *queryWork,
		TreeWorkers:  *treeWork,
		Logger:       logger,
		Metrics:      reg,
	})
	if err != nil {
		log.Fatalf("configure crawl: %v", err)
	}

	logger.Info("crawl starting", "task_id", id, "queries", len(queries), "quota", *quota)
	res, err := crawler.CrawlAll(ctx)
	if err != nil {
		logger.Warn("crawl interrupted, saving what was collected", "error", err)
	}

	task := store.TaskFile{
		TaskID:     id,
		CreatedAt:  time.Now().UTC(),
		Queries:    queries,
		Items:      res.Items,
		FirstLevel: res.FirstLevel,
		Skipped:    res.Skipped,
	}
	path, err := fs.Save(task)
	if err != nil {
		log.Fatalf("save task: %v", err)
	}
	fmt.Printf("task %s: %d items, %d first-level replies, %d skipped -> %s\n",
		id, len(res.Items), res.FirstLevel, res.Skipped, path)

	// Post-processing runs as a staged pipeline over the flattened entries;
	// exporters that are not configured simply are not composed in. It keeps
	// running after an interrupt so partial results still get exported.
	pipeline := fn.TracedStage("flatten", fn.MapStage(func(items []thread.Item) []store.Entry {
		return store.Entries(id, items)
	}))
	if *natsURL != "" {
		pipeline = fn.Then(pipeline, fn.TracedStage("publish", publishStage(*natsURL, *natsSubject, logger)))
	}
	if *pgDSN != "" {
		pipeline = fn.Then(pipeline, fn.TracedStage("import", importStage(*pgDSN, logger)))
	}
	if _, err := pipeline(context.WithoutCancel(ctx), res.Items).Unwrap(); err != nil {
		log.Fatalf("post-processing: %v", err)
	}
}

func publishStage(url, subject string, logger *slog.Logger) fn.Stage[[]store.Entry, []store.Entry] {
	return func(ctx context.Context, entries []store.Entry) fn.Result[[]store.Entry] {
		nc, err := nats.Connect(url)
		if err != nil {
			return fn.Errf[[]store.Entry]("connect nats: %w", err)
		}
		defer nc.Drain()

		for _, e := range entries {
			if err := natsutil.Publish(ctx, nc, subject, e); err != nil {
				return fn.Errf[[]store.Entry]("publish entry %s: %w", e.EntryID, err)
			}
		}
		logger.Info("entries published", "subject", subject, "entries", len(entries))
		return fn.Ok(entries)
	}
}

func importStage(dsn string, logger *slog.Logger) fn.Stage[[]store.Entry, []store.Entry] {
	return func(ctx context.Context, entries []store.Entry) fn.Result[[]store.Entry] {
		im, err := store.NewImporter(ctx, store.ImporterConfig{DSN: dsn, Logger: logger})
		if err != nil {
			return fn.Err[[]store.Entry](err)
		}
		defer im.Close()

		inserted, err := im.ImportEntries(ctx, entries)
		if err != nil {
			return fn.Err[[]store.Entry](err)
		}
		logger.Info("import finished", "entries", len(entries), "inserted", inserted)
		return fn.Ok(entries)
	}
}

// readLines loads non-empty, non-comment lines from path.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
