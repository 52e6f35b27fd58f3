// Package memory keeps blobs in process memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"
)

// BlobStore stores artifacts in-memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	// types records the content type given for each path.
	types map[string]string
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data:  make(map[string][]byte),
		types: make(map[string]string),
	}
}

// PutObject copies the content under path.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = byteData
	s.types[path] = contentType
	return "memory://" + path, nil
}

// GetObject returns a copy of the content stored under path.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", path, fs.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

// ContentType returns the content type recorded for path.
func (s *BlobStore) ContentType(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.types[path]
}

// Paths lists stored paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for p := range s.data {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
