// Package eventlog appends every observation to a newline-delimited JSON log.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// FileName is the log name under the output directory.
const FileName = "jobs.jsonl"

// Log is an append-only JSONL file. It is never rewritten or truncated.
type Log struct {
	path string
}

// New returns a Log writing to path, creating parent directories.
func New(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	return &Log{path: path}, nil
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

// Append writes one line per event, then flushes and fsyncs so a page's
// observations are durable before the index referencing them is committed.
func (l *Log) Append(ctx context.Context, events []crawler.Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// #nosec G304 -- path comes from configuration, not request input.
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close event log: %w", closeErr)
		}
	}()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, ev := range events {
		ev.Posting = ev.Normalized()
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event %q: %w", ev.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush event log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	return nil
}
