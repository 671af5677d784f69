package crawl

import (
	"github.com/QuestFinder/quest-crawler/engine/thread"
	"github.com/QuestFinder/quest-crawler/pkg/fn"
)

// Finalize deduplicates merged items by ID and truncates the result to the
// global quota. The first occurrence of an ID in merge-arrival order wins;
// that order is nondeterministic across runs because queries complete
// concurrently, and this pass preserves rather than corrects it.
//
// When quota is set and the deduped total exceeds it, items are walked in
// retained order: the item that would cross the quota keeps exactly the
// remaining room of its root replies, and everything after it is dropped.
// The output total therefore equals the quota exactly, or falls short only
// when the source was exhausted first.
func Finalize(items []thread.Item, quota int) []thread.Item {
	items = fn.UniqueBy(items, func(it thread.Item) string { return it.ID })
	if quota == thread.NoQuota {
		return items
	}

	out := make([]thread.Item, 0, len(items))
	total := 0
	for _, it := range items {
		room := quota - total
		if room <= 0 {
			break
		}
		if len(it.Replies) > room {
			it.Replies = it.Replies[:room]
		}
		out = append(out, it)
		total += len(it.Replies)
	}
	return out
}
