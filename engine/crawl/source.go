package crawl

import (
	"context"

	"github.com/QuestFinder/quest-crawler/engine/thread"
)

// Page is one listing page from the upstream source. Items carry their
// reported reply counts but no trees yet; Cursor is the opaque continuation
// token, empty when the listing is exhausted.
type Page struct {
	Items  []thread.Item
	Cursor string
}

// Source is the upstream content platform, abstracted to the shape the
// crawler needs: a paginated listing per query and a full nested reply tree
// per item. Implementations own their own rate governance via the shared
// Governor and return *FetchError for terminal fetch failures.
type Source interface {
	FetchPage(ctx context.Context, query, cursor string) (Page, error)
	FetchTree(ctx context.Context, item thread.Item) ([]thread.ThreadNode, error)
}
