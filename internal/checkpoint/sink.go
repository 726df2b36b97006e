// Package checkpoint persists per-batch partial results so an interrupted
// run leaves its completed batches recoverable. Flushing is best-effort:
// the engines log sink failures and keep going.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"prism/internal/record"
)

// Sink receives one completed batch's surviving records, keyed by transform
// name and batch index.
type Sink interface {
	Flush(transform string, batchIndex int, records []record.Record) error
}

// Nop discards every flush. The engines use it when partial flushing is on
// but no sink was wired.
type Nop struct{}

// Flush implements Sink.
func (Nop) Flush(string, int, []record.Record) error { return nil }

// Dir writes each batch as <root>/<transform>/batch-<index>.json. Writes go
// through a temp file and rename so a reader never observes a torn batch.
type Dir struct {
	Root string
}

// Flush implements Sink.
func (d *Dir) Flush(transform string, batchIndex int, records []record.Record) error {
	dir := filepath.Join(d.Root, transform)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal batch %d: %w", batchIndex, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("batch-%d.json", batchIndex))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write batch tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		// Fallback: direct write (rename may fail on some FS).
		defer os.Remove(tmp)
		return os.WriteFile(path, data, 0o644)
	}
	return nil
}

// Read loads a previously flushed batch. Mostly used by tests and recovery
// tooling.
func (d *Dir) Read(transform string, batchIndex int) ([]record.Record, error) {
	path := filepath.Join(d.Root, transform, fmt.Sprintf("batch-%d.json", batchIndex))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch %d: %w", batchIndex, err)
	}
	var records []record.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse batch %d: %w", batchIndex, err)
	}
	return records, nil
}
