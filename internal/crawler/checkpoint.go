package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// CheckpointVersion is the checkpoint file format version written by this package.
const CheckpointVersion = 1

// Checkpoint is a resumable snapshot of a crawl.
type Checkpoint struct {
	Version        int            `json:"version"`
	RunID          string         `json:"run_id"`
	Timestamp      time.Time      `json:"timestamp"`
	PagesCrawled   int            `json:"pages_crawled"`
	ItemsExtracted int            `json:"items_extracted"`
	Errors         int            `json:"errors"`
	CacheHits      int            `json:"cache_hits"`
	BatchNumber    int            `json:"batch_number"`
	Seeds          []string       `json:"seeds,omitempty"`
	SeenURLs       []string       `json:"seen_urls"`
	Pending        []PendingEntry `json:"pending"`
}

// Frontier returns the scheduler state stored in the checkpoint.
func (c *Checkpoint) Frontier() FrontierState {
	return FrontierState{Seen: c.SeenURLs, Pending: c.Pending}
}

// SaveCheckpoint writes cp to path atomically: the data goes to a temporary
// file in the same directory, is synced, then renamed over path.
func SaveCheckpoint(path string, cp *Checkpoint) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint. A missing file yields an error matching
// fs.ErrNotExist; undecodable content yields ErrCheckpointCorrupt.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	if cp.Version != CheckpointVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCheckpointCorrupt, cp.Version)
	}
	if cp.PagesCrawled < 0 || cp.BatchNumber < 0 {
		return nil, fmt.Errorf("%w: negative counters", ErrCheckpointCorrupt)
	}
	return &cp, nil
}

// DeleteCheckpoint removes the checkpoint file if it exists.
func DeleteCheckpoint(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
