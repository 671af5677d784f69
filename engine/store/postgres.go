package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/QuestFinder/quest-crawler/pkg/fn"
)

// entryNamespace makes row UUIDs a pure function of the entry content hash.
var entryNamespace = uuid.MustParse("7f3c8a52-4b1e-4d9a-9c6f-2e8b5a1d0c34")

const entriesSchema = `
CREATE TABLE IF NOT EXISTS crawl_entries (
	id            UUID PRIMARY KEY,
	task_id       TEXT NOT NULL,
	query         TEXT,
	post_id       TEXT NOT NULL,
	post_title    TEXT,
	post_url      TEXT,
	subreddit     TEXT,
	author        TEXT,
	body          TEXT,
	score         INTEGER,
	subtree_size  INTEGER,
	created_at    TIMESTAMPTZ,
	collected_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS crawl_entries_task_idx ON crawl_entries (task_id);
`

const insertEntrySQL = `
INSERT INTO crawl_entries
	(id, task_id, query, post_id, post_title, post_url, subreddit,
	 author, body, score, subtree_size, created_at, collected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`

// ImporterConfig controls the Postgres importer.
type ImporterConfig struct {
	DSN string
	// BatchSize is how many rows go into one batch insert (default 50).
	BatchSize int
	// BatchInterval paces batch submissions (default 200ms between batches).
	BatchInterval time.Duration
	Retry         fn.RetryOpts
	Logger        *slog.Logger
}

// Importer loads flattened entries into Postgres. Inserts are idempotent:
// row IDs derive from entry content hashes and conflicts are ignored, so
// re-importing a task is safe.
type Importer struct {
	pool    *pgxpool.Pool
	batch   int
	limiter *rate.Limiter
	retry   fn.RetryOpts
	log     *slog.Logger
}

// NewImporter connects, verifies the connection, and ensures the schema.
func NewImporter(ctx context.Context, cfg ImporterConfig) (*Importer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 200 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = fn.DefaultRetry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, entriesSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &Importer{
		pool:    pool,
		batch:   cfg.BatchSize,
		limiter: rate.NewLimiter(rate.Every(cfg.BatchInterval), 1),
		retry:   cfg.Retry,
		log:     cfg.Logger,
	}, nil
}

// Close releases the connection pool.
func (im *Importer) Close() { im.pool.Close() }

// ImportEntries inserts entries in paced, retried batches and returns how
// many rows were actually new.
func (im *Importer) ImportEntries(ctx context.Context, entries []Entry) (int64, error) {
	var inserted int64
	for _, batch := range fn.Chunk(entries, im.batch) {
		if err := im.limiter.Wait(ctx); err != nil {
			return inserted, err
		}
		batch := batch
		res := fn.Retry(ctx, im.retry, func(ctx context.Context) fn.Result[int64] {
			return fn.FromPair(im.insertBatch(ctx, batch))
		})
		n, err := res.Unwrap()
		if err != nil {
			return inserted, fmt.Errorf("store: import batch: %w", err)
		}
		inserted += n
	}
	im.log.Info("entries imported", "entries", len(entries), "inserted", inserted)
	return inserted, nil
}

func (im *Importer) insertBatch(ctx context.Context, entries []Entry) (int64, error) {
	b := &pgx.Batch{}
	for _, e := range entries {
		b.Queue(insertEntrySQL,
			uuid.NewSHA1(entryNamespace, []byte(e.EntryID)),
			e.TaskID, e.Query, e.PostID, e.PostTitle, e.PostURL, e.Subreddit,
			e.Author, e.Body, e.Score, e.SubtreeSize, e.CreatedAt, e.CollectedAt)
	}
	br := im.pool.SendBatch(ctx, b)
	defer br.Close()

	var inserted int64
	for range entries {
		ct, err := br.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += ct.RowsAffected()
	}
	return inserted, nil
}
