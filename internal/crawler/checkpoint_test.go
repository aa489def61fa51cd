package crawler

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "checkpoint.json")

	cp := &Checkpoint{
		Version:        CheckpointVersion,
		RunID:          "run-1",
		Timestamp:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PagesCrawled:   42,
		ItemsExtracted: 40,
		Errors:         2,
		CacheHits:      5,
		BatchNumber:    3,
		SeenURLs:       []string{"https://example.com", "https://example.com/a"},
		Pending: []PendingEntry{
			{URL: "https://example.com/a", Depth: 1, Priority: -1, Seq: 7,
				Metadata: map[string]any{"headers": map[string]string{"X-Token": "t"}}},
		},
	}

	if err := SaveCheckpoint(path, cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	loaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if loaded.PagesCrawled != 42 || loaded.BatchNumber != 3 || loaded.RunID != "run-1" {
		t.Errorf("Loaded counters mismatch: %+v", loaded)
	}
	if len(loaded.Pending) != 1 || loaded.Pending[0].Seq != 7 {
		t.Fatalf("Pending mismatch: %+v", loaded.Pending)
	}

	req := CrawlRequest{Metadata: loaded.Pending[0].Metadata}
	if req.Headers()["X-Token"] != "t" {
		t.Errorf("Headers lost through checkpoint: %v", loaded.Pending[0].Metadata)
	}

	// No temp files are left behind
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Expected only the checkpoint file, found %d entries", len(entries))
	}
}

func TestLoadCheckpointErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadCheckpoint(filepath.Join(dir, "missing.json"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Missing file error = %v, want fs.ErrNotExist", err)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"truncated", `{"version": 1, "pages_crawled": 4`},
		{"wrong version", `{"version": 99}`},
		{"negative pages", `{"version": 1, "pages_crawled": -1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadCheckpoint(path); !errors.Is(err, ErrCheckpointCorrupt) {
				t.Errorf("LoadCheckpoint error = %v, want ErrCheckpointCorrupt", err)
			}
		})
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	if err := SaveCheckpoint(path, &Checkpoint{Version: CheckpointVersion}); err != nil {
		t.Fatal(err)
	}

	if err := DeleteCheckpoint(path); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Error("Checkpoint still exists")
	}
	if err := DeleteCheckpoint(path); err != nil {
		t.Errorf("Deleting a missing checkpoint should succeed: %v", err)
	}
}
