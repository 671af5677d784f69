package crawl

import (
	"context"
	"log/slog"
	"math"

	"github.com/QuestFinder/quest-crawler/engine/thread"
	"github.com/QuestFinder/quest-crawler/pkg/fn"
)

// driver paginates one query: fetch page, filter titles, pick which items'
// trees to fetch this round, fetch them in parallel, then decide whether to
// continue. One driver per query; drivers never share mutable state beyond
// the Source's governor.
type driver struct {
	src     Source
	query   thread.Query
	match   func(title string) bool
	workers int
	fanout  float64
	log     *slog.Logger

	// running estimate of first-level replies per fetched item
	observedItems   int
	observedReplies int
}

type driverResult struct {
	items   []thread.Item
	skipped int
	pages   int
}

func (d *driver) run(ctx context.Context) driverResult {
	var res driverResult
	if d.query.Bounded() && d.query.Quota <= 0 {
		return res
	}

	var (
		cursor      string
		collected   int
		emptyStreak int
	)
	for {
		if ctx.Err() != nil {
			return res
		}

		pg, err := d.src.FetchPage(ctx, d.query.Text, cursor)
		if err != nil {
			res.skipped++
			if IsAccessDenied(err) {
				d.log.Error("page fetch denied, abandoning query", "query", d.query.Text, "error", err)
			} else {
				d.log.Warn("page fetch failed, stopping pagination", "query", d.query.Text, "error", err)
			}
			return res
		}
		res.pages++

		for i := range pg.Items {
			pg.Items[i].QuerySeed = d.query.Text
		}
		kept := fn.Filter(pg.Items, func(it thread.Item) bool { return d.match(it.Title) })
		d.log.Debug("page fetched",
			"query", d.query.Text, "page", res.pages, "items", len(pg.Items), "kept", len(kept))

		if len(kept) == 0 {
			emptyStreak++
			if emptyStreak >= 2 {
				d.log.Info("two consecutive pages without matching items, stopping", "query", d.query.Text)
				return res
			}
		} else {
			emptyStreak = 0
		}

		added, replies, skipped := d.harvestPage(ctx, kept, collected)
		res.items = append(res.items, added...)
		res.skipped += skipped
		collected += replies

		if d.query.Bounded() && collected >= d.query.Quota {
			d.log.Info("query quota satisfied", "query", d.query.Text, "replies", collected)
			return res
		}
		if pg.Cursor == "" {
			return res
		}
		cursor = pg.Cursor
	}
}

// harvestPage fetches reply trees for this page's items and returns the items
// to keep, in page order, trimmed to the query's remaining quota room.
// Items with a zero reported reply count get an empty tree without a network
// call; items whose tree fetch fails are skipped and counted.
func (d *driver) harvestPage(ctx context.Context, items []thread.Item, collected int) (out []thread.Item, added, skipped int) {
	var eligible []thread.Item
	for _, it := range items {
		if it.ReplyCount > 0 {
			eligible = append(eligible, it)
		}
	}

	fetched := make(map[string][]thread.ThreadNode, len(eligible))
	failed := make(map[string]bool)
	pageReplies := 0

	// Fetch in adaptive batches so we stop issuing tree requests once the
	// quota is close: batch size = remaining quota / estimated replies per
	// item, refined from what we have actually observed, always at least 1.
	next := 0
	for next < len(eligible) && ctx.Err() == nil {
		batch := eligible[next:]
		if d.query.Bounded() {
			remaining := d.query.Quota - collected - pageReplies
			if remaining <= 0 {
				break
			}
			if need := d.batchSize(remaining); need < len(batch) {
				batch = batch[:need]
			}
		}

		results := fn.ParMapResult(batch, d.workers, func(it thread.Item) fn.Result[[]thread.ThreadNode] {
			return fn.FromPair(d.src.FetchTree(ctx, it))
		})
		for i, r := range results {
			it := batch[i]
			nodes, err := r.Unwrap()
			if err != nil {
				skipped++
				failed[it.ID] = true
				d.log.Warn("tree fetch failed, skipping item",
					"query", d.query.Text, "item", it.ID, "error", err)
				continue
			}
			fetched[it.ID] = nodes
			pageReplies += len(nodes)
			d.observedItems++
			d.observedReplies += len(nodes)
		}
		next += len(batch)
	}

	room := -1
	if d.query.Bounded() {
		room = d.query.Quota - collected
	}
	for _, it := range items {
		if room == 0 {
			break
		}
		if failed[it.ID] {
			continue
		}
		nodes, ok := fetched[it.ID]
		switch {
		case it.ReplyCount == 0:
			it.Replies = nil
		case ok:
			it.Replies = nodes
		default:
			// eligible but never fetched: quota was already satisfied
			continue
		}
		if room > 0 && len(it.Replies) > room {
			it.Replies = it.Replies[:room]
		}
		out = append(out, it)
		added += len(it.Replies)
		if room > 0 {
			room -= len(it.Replies)
		}
	}
	return out, added, skipped
}

func (d *driver) batchSize(remaining int) int {
	est := d.fanout
	if d.observedItems > 0 {
		est = float64(d.observedReplies) / float64(d.observedItems)
	}
	if est < 1 {
		est = 1
	}
	need := int(math.Ceil(float64(remaining) / est))
	if need < 1 {
		need = 1
	}
	return need
}
