// Package store persists crawl output: a file-backed task store holding one
// JSON document per crawl task, and a Postgres importer that loads flattened
// reply entries for downstream analysis.
package store

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/QuestFinder/quest-crawler/engine/thread"
	"github.com/QuestFinder/quest-crawler/pkg/fn"
)

// TaskFile is the on-disk document for one crawl task.
type TaskFile struct {
	TaskID     string        `json:"task_id"`
	CreatedAt  time.Time     `json:"created_at"`
	Queries    []string      `json:"queries"`
	Items      []thread.Item `json:"items"`
	FirstLevel int           `json:"first_level"`
	Skipped    int           `json:"skipped"`
}

// Entry is one first-level reply flattened out of its item, carrying enough
// post context to stand alone. EntryID is a content hash, so re-running a
// task produces the same IDs and downstream imports stay idempotent.
type Entry struct {
	TaskID      string            `json:"task_id"`
	EntryID     string            `json:"entry_id"`
	Query       string            `json:"query,omitempty"`
	PostID      string            `json:"post_id"`
	PostTitle   string            `json:"post_title"`
	PostURL     string            `json:"post_url"`
	Subreddit   string            `json:"subreddit,omitempty"`
	Author      string            `json:"author"`
	Body        string            `json:"body"`
	Score       int               `json:"score"`
	CreatedAt   time.Time         `json:"created_at"`
	SubtreeSize int               `json:"subtree_size"`
	Reply       thread.ThreadNode `json:"reply"`
	CollectedAt time.Time         `json:"collected_at"`
}

// NewTaskID mints a unique task identifier: a UTC timestamp plus random
// suffix, filename-safe and sortable by creation time.
func NewTaskID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("task_%s_%s", time.Now().UTC().Format("20060102T150405Z"), hex.EncodeToString(b[:]))
}

// Entries flattens items into one Entry per first-level reply.
func Entries(taskID string, items []thread.Item) []Entry {
	now := time.Now().UTC()
	return fn.FlatMap(items, func(it thread.Item) []Entry {
		return fn.Map(it.Replies, func(r thread.ThreadNode) Entry {
			return Entry{
				TaskID:      taskID,
				EntryID:     entryID(it.ID, r),
				Query:       it.QuerySeed,
				PostID:      it.ID,
				PostTitle:   it.Title,
				PostURL:     it.SourceURL,
				Subreddit:   it.Subreddit,
				Author:      r.Author,
				Body:        r.Body,
				Score:       r.Score,
				CreatedAt:   r.CreatedAt,
				SubtreeSize: r.Count(),
				Reply:       r,
				CollectedAt: now,
			}
		})
	})
}

// entryID hashes the post/reply pair plus the reply body. Edited content
// yields a new entry rather than silently shadowing the old one.
func entryID(postID string, r thread.ThreadNode) string {
	sum := md5.Sum([]byte(postID + ":" + r.ID + ":" + r.Body))
	return hex.EncodeToString(sum[:])
}

// FileStore keeps one JSON file per task under a data directory.
type FileStore struct {
	dir string
	log *slog.Logger
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string, log *slog.Logger) (*FileStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &FileStore{dir: dir, log: log}, nil
}

func (s *FileStore) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Exists reports whether a task with this ID has already been saved.
func (s *FileStore) Exists(taskID string) bool {
	_, err := os.Stat(s.path(taskID))
	return err == nil
}

// Save writes the task document atomically (temp file then rename) and
// returns its path. Saving an existing task ID is an error; task IDs are
// single-use.
func (s *FileStore) Save(task TaskFile) (string, error) {
	if task.TaskID == "" {
		return "", fmt.Errorf("store: empty task id")
	}
	if s.Exists(task.TaskID) {
		return "", fmt.Errorf("store: task %s already exists", task.TaskID)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return "", fmt.Errorf("store: marshal task %s: %w", task.TaskID, err)
	}

	dst := s.path(task.TaskID)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("store: write task %s: %w", task.TaskID, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("store: commit task %s: %w", task.TaskID, err)
	}
	s.log.Info("task saved", "task_id", task.TaskID, "path", dst, "items", len(task.Items))
	return dst, nil
}

// Load reads a previously saved task document.
func (s *FileStore) Load(taskID string) (TaskFile, error) {
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		return TaskFile{}, fmt.Errorf("store: read task %s: %w", taskID, err)
	}
	var task TaskFile
	if err := json.Unmarshal(data, &task); err != nil {
		return TaskFile{}, fmt.Errorf("store: parse task %s: %w", taskID, err)
	}
	return task, nil
}
