// Package replicate moves closed time windows from the hot ClickHouse tier
// to the cold tier, tracking progress in a persistent watermark file.
package replicate

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// WatermarkStore persists the per-table replication high-water mark. Every
// update rewrites the whole file through a temp-file rename so a crash
// never leaves a torn file.
type WatermarkStore struct {
	mu    sync.Mutex
	path  string
	marks map[string]time.Time
}

// watermarkFile is the on-disk JSON shape.
type watermarkFile struct {
	Watermarks map[string]string `json:"watermarks"`
	UpdatedAt  string            `json:"updated_at"`
}

// OpenWatermarks loads the store at path, starting empty if the file does
// not exist yet.
func OpenWatermarks(path string) (*WatermarkStore, error) {
	s := &WatermarkStore{path: path, marks: make(map[string]time.Time)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watermarks %s: %w", path, err)
	}

	var file watermarkFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse watermarks %s: %w", path, err)
	}
	for table, raw := range file.Watermarks {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse watermark %s=%q: %w", table, raw, err)
		}
		s.marks[table] = t.UTC()
	}
	return s, nil
}

// Get returns the watermark for table, or fallback when none is recorded.
func (s *WatermarkStore) Get(table string, fallback time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.marks[table]; ok {
		return t
	}
	return fallback
}

// Advance raises table's watermark to t and persists. Watermarks never
// regress: an older t is a no-op.
func (s *WatermarkStore) Advance(table string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.marks[table]; ok && !t.After(cur) {
		return nil
	}
	s.marks[table] = t.UTC()
	return s.persistLocked()
}

// All returns a copy of every recorded watermark.
func (s *WatermarkStore) All() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.marks))
	for k, v := range s.marks {
		out[k] = v
	}
	return out
}

func (s *WatermarkStore) persistLocked() error {
	file := watermarkFile{
		Watermarks: make(map[string]string, len(s.marks)),
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	for table, t := range s.marks {
		file.Watermarks[table] = t.UTC().Format(time.RFC3339Nano)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode watermarks: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create watermark directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write watermarks: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace watermarks: %w", err)
	}
	return nil
}
