// Package index keeps the deduplicated id → record table and persists it
// atomically after every page.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// FileName is the index object name under the output directory.
const FileName = "index.json"

// ErrEmptyID is returned when upserting a posting without an identity.
var ErrEmptyID = errors.New("posting id is empty")

// ObjectStore reads and atomically replaces named objects.
type ObjectStore interface {
	crawler.BlobStore
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	IsNew   bool
	Changed bool
}

// Store is the in-memory index plus its backing object. Iteration order is
// first-insertion order, kept across Persist/Open cycles. Not safe for
// concurrent use; the pipeline is its single writer.
type Store struct {
	blobs   ObjectStore
	path    string
	logger  *zap.Logger
	records []crawler.JobRecord
	pos     map[string]int
}

// Open loads the index stored at path. A missing or unparsable index yields
// an empty store; other read failures are returned.
func Open(ctx context.Context, blobs ObjectStore, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(path) == "" {
		path = FileName
	}
	s := &Store{blobs: blobs, path: path, logger: logger, pos: make(map[string]int)}

	data, err := blobs.GetObject(ctx, path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("no prior index, starting empty", zap.String("path", path))
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read index: %w", err)
	}

	if err := s.load(data); err != nil {
		logger.Warn("prior index unreadable, starting empty", zap.String("path", path), zap.Error(err))
		s.records = nil
		s.pos = make(map[string]int)
		return s, nil
	}
	logger.Info("index loaded", zap.String("path", path), zap.Int("records", len(s.records)))
	return s, nil
}

// load decodes the object token by token so key order survives.
func (s *Store) load(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read opening token: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("index is not a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", tok)
		}
		var rec crawler.JobRecord
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("decode record %q: %w", key, err)
		}
		if strings.TrimSpace(key) == "" {
			continue
		}
		rec.ID = key
		rec.Posting = rec.Normalized()
		if i, ok := s.pos[key]; ok {
			s.records[i] = rec
			continue
		}
		s.pos[key] = len(s.records)
		s.records = append(s.records, rec)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read closing token: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("trailing data after index object")
	}
	return nil
}

// Upsert merges one observation. A new id is stored with created_at and
// updated_at both set to observedAt. A known id has every field except id
// and created_at replaced, and updated_at moved to observedAt (never before
// created_at).
func (s *Store) Upsert(p crawler.Posting, observedAt time.Time) (UpsertResult, error) {
	if strings.TrimSpace(p.ID) == "" {
		return UpsertResult{}, ErrEmptyID
	}
	observedAt = observedAt.UTC()
	p = p.Normalized()

	i, ok := s.pos[p.ID]
	if !ok {
		s.pos[p.ID] = len(s.records)
		s.records = append(s.records, crawler.JobRecord{Posting: p, CreatedAt: observedAt, UpdatedAt: observedAt})
		return UpsertResult{IsNew: true, Changed: true}, nil
	}
	created := s.records[i].CreatedAt
	if observedAt.Before(created) {
		observedAt = created
	}
	s.records[i] = crawler.JobRecord{Posting: p, CreatedAt: created, UpdatedAt: observedAt}
	return UpsertResult{Changed: true}, nil
}

// Get returns the record for id.
func (s *Store) Get(id string) (crawler.JobRecord, bool) {
	i, ok := s.pos[id]
	if !ok {
		return crawler.JobRecord{}, false
	}
	return s.records[i], true
}

// Len returns the number of records.
func (s *Store) Len() int {
	return len(s.records)
}

// Records returns the records in insertion order.
func (s *Store) Records() []crawler.JobRecord {
	out := make([]crawler.JobRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Path returns the object name the index persists to.
func (s *Store) Path() string {
	return s.path
}

// Persist writes the whole index and commits it atomically.
func (s *Store) Persist(ctx context.Context) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.blobs.PutObject(ctx, s.path, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	return nil
}

// Marshal renders the index as a two-space indented JSON object in
// insertion order.
func (s *Store) Marshal() ([]byte, error) {
	if len(s.records) == 0 {
		return []byte("{}\n"), nil
	}
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, rec := range s.records {
		key, err := encode(rec.ID, "")
		if err != nil {
			return nil, fmt.Errorf("encode key: %w", err)
		}
		value, err := encode(rec, "  ")
		if err != nil {
			return nil, fmt.Errorf("encode record %q: %w", rec.ID, err)
		}
		buf.WriteString("  ")
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(value)
		if i < len(s.records)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func encode(v any, prefix string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent(prefix, "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
