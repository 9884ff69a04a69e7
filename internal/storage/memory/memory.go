// Package memory stores artifacts in memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Store keeps artifacts in a map and hands out pseudo URIs.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an in-memory artifact store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// PutObject copies the content and returns a memory:// URI.
func (s *Store) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns the stored content for a path.
func (s *Store) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	return data, ok
}
