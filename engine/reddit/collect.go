package reddit

import (
	"time"

	"github.com/QuestFinder/quest-crawler/engine/thread"
)

// tombstones are body markers the source substitutes for removed content.
var tombstones = map[string]bool{
	"[deleted]": true,
	"[removed]": true,
}

// collectTree builds reply trees from one comment listing. Pure and
// recursive; the source delivers the whole nested tree in a single payload,
// so there are no network calls here.
//
// A tombstoned node with no surviving children is dropped. A tombstoned node
// that still has children is kept, so its subtree stays reachable under it.
// Child order is preserved as returned by the source, and depth is assigned
// top-down (roots at 0), not taken from the payload.
func collectTree(children []listingChild, depth int) []thread.ThreadNode {
	var nodes []thread.ThreadNode
	for _, child := range children {
		if child.Kind != kindComment {
			continue // "more" stubs and anything else that is not a comment
		}
		d := child.Data
		kids := collectTree(d.Replies.children(), depth+1)
		if tombstones[d.Body] && len(kids) == 0 {
			continue
		}
		nodes = append(nodes, thread.ThreadNode{
			ID:          d.ID,
			Author:      d.Author,
			Body:        d.Body,
			Score:       d.Score,
			CreatedAt:   time.Unix(int64(d.CreatedUTC), 0).UTC(),
			Depth:       depth,
			IsSubmitter: d.IsSubmitter,
			Replies:     kids,
		})
	}
	return nodes
}
