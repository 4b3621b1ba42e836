// Package snapshot persists the live task set plus history as a single JSON
// document, written atomically (temp file + rename) on every store mutation
// and reloaded at startup by internal/recovery.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fluxforge/taskengine/internal/task"
)

// Document is the on-disk shape: UUIDs serialize as strings, timestamps as
// RFC3339 (time.Time's default json.Marshal behavior), enum fields as their
// upper-case string literals (task.Status/ScheduleKind are already string
// types, so this falls out of the struct tags in internal/task).
type Document struct {
	Live    []*task.Task `json:"live"`
	History []*task.Task `json:"history"`
}

// FileSink implements task.SnapshotWriter against a single JSON file.
type FileSink struct {
	path string
}

// NewFileSink builds a sink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Write serializes live+history and atomically replaces the snapshot file.
func (f *FileSink) Write(live, history []*task.Task) error {
	doc := Document{Live: live, History: history}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create storage dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}
	return nil
}

// Load reads the snapshot file, tolerating a missing file (fresh start) and
// unknown fields (forward-compatible reads). Returns an empty Document, not
// an error, when the file doesn't exist yet.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Document{}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("snapshot: read %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("snapshot: unmarshal %s: %w", path, err)
	}
	return doc, nil
}
