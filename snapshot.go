package xdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/trickstertwo/xclock"
)

// FileSnapshotter writes ledger snapshots as indented JSON files named
// delivery_records_<unix seconds>.json under Dir.
type FileSnapshotter struct {
	Dir   string
	Clock xclock.Clock
}

// NewFileSnapshotter returns a FileSnapshotter writing under dir.
func NewFileSnapshotter(dir string, clock xclock.Clock) *FileSnapshotter {
	if clock == nil {
		clock = xclock.Default()
	}
	return &FileSnapshotter{Dir: dir, Clock: clock}
}

// Save implements Snapshotter.
func (s *FileSnapshotter) Save(ctx context.Context, records map[string]DeliveryRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Dir == "" {
		return "", fmt.Errorf("xdispatch: snapshot dir not set")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("xdispatch: create snapshot dir: %w", err)
	}
	if records == nil {
		records = map[string]DeliveryRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("xdispatch: encode snapshot: %w", err)
	}
	clock := s.Clock
	if clock == nil {
		clock = xclock.Default()
	}
	path := filepath.Join(s.Dir, fmt.Sprintf("delivery_records_%d.json", clock.Now().Unix()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("xdispatch: write snapshot: %w", err)
	}
	return path, nil
}

// LoadSnapshot reads a file written by FileSnapshotter.
func LoadSnapshot(path string) (map[string]DeliveryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]DeliveryRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("xdispatch: decode snapshot %s: %w", path, err)
	}
	return out, nil
}
