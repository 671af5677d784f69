package reddit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/QuestFinder/quest-crawler/engine/crawl"
	"github.com/QuestFinder/quest-crawler/engine/thread"
)

const searchPayload = `{"kind":"Listing","data":{"after":"t3_next","children":[
  {"kind":"t3","data":{"id":"p1","subreddit":"gaming","title":"Epic quest","author":"op",
    "selftext":"the body","permalink":"/r/gaming/comments/p1/epic_quest/","score":42,
    "num_comments":7,"created_utc":1700000000}},
  {"kind":"more","data":{}}
]}}`

const treePayload = `[
  {"kind":"Listing","data":{"children":[{"kind":"t3","data":{"id":"p1"}}]}},
  {"kind":"Listing","data":{"children":[
    {"kind":"t1","data":{"id":"c1","author":"alice","body":"reply","score":3,"created_utc":1700000100,
      "replies":{"kind":"Listing","data":{"children":[
        {"kind":"t1","data":{"id":"c2","author":"bob","body":"nested","replies":""}}
      ]}}}}
  ]}}
]`

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	gov := crawl.NewGovernor(crawl.GovernorOpts{MinInterval: time.Millisecond, FallbackWait: time.Millisecond})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(Config{BaseURL: srv.URL, Logger: logger}, gov)
}

func TestFetchPage(t *testing.T) {
	var gotQuery map[string]string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search.json" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		gotQuery = map[string]string{
			"q": q.Get("q"), "restrict_sr": q.Get("restrict_sr"),
			"sort": q.Get("sort"), "t": q.Get("t"),
			"limit": q.Get("limit"), "after": q.Get("after"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searchPayload))
	}))

	pg, err := c.FetchPage(context.Background(), "epic quest", "t3_prev")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	want := map[string]string{
		"q": "epic quest", "restrict_sr": "0", "sort": "relevance",
		"t": "all", "limit": "100", "after": "t3_prev",
	}
	for k, v := range want {
		if gotQuery[k] != v {
			t.Errorf("query param %s = %q, want %q", k, gotQuery[k], v)
		}
	}

	if pg.Cursor != "t3_next" {
		t.Errorf("cursor = %q, want t3_next", pg.Cursor)
	}
	if len(pg.Items) != 1 {
		t.Fatalf("items = %d, want 1 (non-post children dropped)", len(pg.Items))
	}
	it := pg.Items[0]
	if it.ID != "p1" || it.Title != "Epic quest" || it.Subreddit != "gaming" ||
		it.Author != "op" || it.Body != "the body" || it.Score != 42 || it.ReplyCount != 7 {
		t.Errorf("item mapped wrong: %+v", it)
	}
	if it.CreatedAt != time.Unix(1700000000, 0).UTC() {
		t.Errorf("created at = %v", it.CreatedAt)
	}
	if it.SourceURL == "" || it.SourceURL[len(it.SourceURL)-1] != '/' {
		t.Errorf("source URL = %q", it.SourceURL)
	}
}

func TestFetchTree(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/r/gaming/comments/p1/epic_quest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(treePayload))
	})
	c := testClient(t, mux)

	item := thread.Item{ID: "p1", SourceURL: c.baseURL + "/r/gaming/comments/p1/epic_quest/"}
	nodes, err := c.FetchTree(context.Background(), item)
	if err != nil {
		t.Fatalf("FetchTree: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "c1" || nodes[0].Depth != 0 {
		t.Fatalf("roots = %+v, want c1 at depth 0", nodes)
	}
	if len(nodes[0].Replies) != 1 || nodes[0].Replies[0].Depth != 1 {
		t.Errorf("nested = %+v, want one child at depth 1", nodes[0].Replies)
	}
}

func TestClientRotatesProfileOn429(t *testing.T) {
	primary := DefaultProfiles()[0].Headers["User-Agent"]
	var mu sync.Mutex
	var agents []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents = append(agents, r.UserAgent())
		mu.Unlock()
		if r.UserAgent() == primary {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"kind":"Listing","data":{"children":[],"after":""}}`))
	}))

	if _, err := c.FetchPage(context.Background(), "q", ""); err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(agents) != 2 {
		t.Fatalf("requests = %d, want 2", len(agents))
	}
	if agents[0] != primary || agents[1] == primary {
		t.Errorf("agents = %v, want primary then an alternate", agents)
	}
}

func TestClientAccessDenied(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.FetchPage(context.Background(), "q", "")
	if !crawl.IsAccessDenied(err) {
		t.Errorf("err = %v, want access denied", err)
	}
}

func TestRateInfoFrom(t *testing.T) {
	h := http.Header{}
	h.Set("X-Ratelimit-Remaining", "12.5")
	h.Set("X-Ratelimit-Reset", "1700000300")
	h.Set("Retry-After", "45")

	info := rateInfoFrom(h)
	if info.Remaining != 12.5 {
		t.Errorf("remaining = %v, want 12.5", info.Remaining)
	}
	if !info.ResetAt.Equal(time.Unix(1700000300, 0)) {
		t.Errorf("reset = %v, want epoch 1700000300", info.ResetAt)
	}
	if info.RetryAfter != 45*time.Second {
		t.Errorf("retry-after = %v, want 45s", info.RetryAfter)
	}

	empty := rateInfoFrom(http.Header{})
	if empty.Remaining != -1 || !empty.ResetAt.IsZero() || empty.RetryAfter != 0 {
		t.Errorf("missing headers should stay unknown, got %+v", empty)
	}

	garbled := http.Header{}
	garbled.Set("X-Ratelimit-Remaining", "lots")
	garbled.Set("X-Ratelimit-Reset", "soon")
	if got := rateInfoFrom(garbled); got.Remaining != -1 || !got.ResetAt.IsZero() {
		t.Errorf("garbled headers should stay unknown, got %+v", got)
	}
}
