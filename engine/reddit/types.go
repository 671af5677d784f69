// Package reddit implements the crawl.Source and crawl.Transport contracts
// against Reddit's public JSON API: a paginated search listing per query and
// a full nested comment tree per post.
package reddit

import "encoding/json"

// Listing child kinds.
const (
	kindComment = "t1"
	kindPost    = "t3"
)

type listingResponse struct {
	Kind string `json:"kind"`
	Data struct {
		Children []listingChild `json:"children"`
		After    string         `json:"after"`
	} `json:"data"`
}

type listingChild struct {
	Kind string      `json:"kind"`
	Data listingData `json:"data"`
}

type listingData struct {
	ID          string  `json:"id"`
	Subreddit   string  `json:"subreddit"`
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	SelfText    string  `json:"selftext"`
	Body        string  `json:"body"`
	Permalink   string  `json:"permalink"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	IsSubmitter bool    `json:"is_submitter"`
	Replies     replies `json:"replies"`
}

// replies is either a nested listing or the empty string "" when a comment
// has no children, so it needs a custom decoder.
type replies struct {
	listing *listingResponse
}

func (r *replies) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || b[0] == '"' || string(b) == "null" {
		return nil
	}
	var lst listingResponse
	if err := json.Unmarshal(b, &lst); err != nil {
		return err
	}
	r.listing = &lst
	return nil
}

func (r replies) children() []listingChild {
	if r.listing == nil {
		return nil
	}
	return r.listing.Data.Children
}
