// Package thread defines the domain types produced by a crawl: top-level
// items and their nested reply trees.
package thread

import "time"

// NoQuota marks a query (or a whole crawl) without a first-level reply target.
const NoQuota = -1

// Item is one top-level content unit carrying its reply tree.
type Item struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	Author     string       `json:"author"`
	Body       string       `json:"body,omitempty"`
	Score      int          `json:"score"`
	CreatedAt  time.Time    `json:"created_at"`
	SourceURL  string       `json:"source_url"`
	Subreddit  string       `json:"subreddit,omitempty"`
	QuerySeed  string       `json:"query_seed,omitempty"`
	ReplyCount int          `json:"reply_count"`
	Replies    []ThreadNode `json:"replies"`
}

// ThreadNode is one reply (or nested reply) in an item's tree.
type ThreadNode struct {
	ID          string       `json:"id"`
	Author      string       `json:"author"`
	Body        string       `json:"body"`
	Score       int          `json:"score"`
	CreatedAt   time.Time    `json:"created_at"`
	Depth       int          `json:"depth"`
	IsSubmitter bool         `json:"is_submitter,omitempty"`
	Replies     []ThreadNode `json:"replies"`
}

// Query is one search string with its assigned first-level reply quota.
// A quota of NoQuota means the query is not bounded.
type Query struct {
	Text  string `json:"text"`
	Quota int    `json:"quota"`
}

// Bounded reports whether the query carries a reply quota.
func (q Query) Bounded() bool { return q.Quota != NoQuota }

// Count returns the size of the subtree rooted at n, including n itself.
func (n ThreadNode) Count() int {
	total := 1
	for _, c := range n.Replies {
		total += c.Count()
	}
	return total
}

// CountAll returns the total number of nodes across the given trees.
func CountAll(nodes []ThreadNode) int {
	total := 0
	for _, n := range nodes {
		total += n.Count()
	}
	return total
}

// FirstLevel returns the number of root reply nodes across items. This is the
// figure crawl quotas are expressed in.
func FirstLevel(items []Item) int {
	total := 0
	for _, it := range items {
		total += len(it.Replies)
	}
	return total
}
