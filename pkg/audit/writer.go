// Package audit persists each search's event stream as a JSONL file,
// one JSON object per line, and reads them back for the log endpoints.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends audit records for one search. The first record of a
// file is always the metadata record, written at construction.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewWriter creates <dir>/<searchID>.jsonl and writes the metadata
// record. The directory is created if missing.
func NewWriter(dir, searchID string, metadata map[string]any) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(dir, searchID+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create audit file: %w", err)
	}
	w := &Writer{file: file, path: path}
	if err := w.Append("metadata", metadata); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// Append writes one record with the given type and fields. The type and
// an ISO-8601 timestamp are injected; a "type" or "timestamp" key in
// fields is overridden.
func (w *Writer) Append(recordType string, fields map[string]any) error {
	record := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		record[k] = v
	}
	record["type"] = recordType
	record["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("audit writer closed")
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// Path returns the file path being written.
func (w *Writer) Path() string { return w.path }

// Close flushes and closes the file. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
