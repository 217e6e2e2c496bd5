// Package memory provides an in-memory object store for tests and
// ephemeral deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/TFMV/driftlake/config"
	"github.com/TFMV/driftlake/fs"
)

func init() {
	fs.RegisterBackend("memory", func(*config.Config) (fs.ObjectStore, error) {
		return New(), nil
	})
}

// Store is an in-memory object store backed by a map
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ fs.ObjectStore = (*Store)(nil)

// New creates a new in-memory object store
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

func (s *Store) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return fmt.Errorf("failed to write %s: %w", key, fs.ErrObjectExists)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = buf
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("failed to read %s: %w", key, fs.ErrObjectNotFound)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *Store) Close() error {
	return nil
}
