package storage

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ValueStore holds the values a node keeps replicas of. Keys are the
// lowercase hex form of DHT key identifiers; values are opaque.
type ValueStore interface {
	// Put stores value under key, replacing any previous value.
	Put(key string, value []byte) error

	// Get returns the value for key, or fs.ErrNotExist.
	Get(key string) ([]byte, error)

	// Keys returns every stored key in ascending order.
	Keys() ([]string, error)
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if _, err := hex.DecodeString(key); err != nil {
		return fmt.Errorf("key %q is not hex: %w", key, err)
	}
	return nil
}

// MemoryStore is an in-memory ValueStore.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Put(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	b := make([]byte, len(value))
	copy(b, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = b
	return nil
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, fs.ErrNotExist
	}
	b := make([]byte, len(v))
	copy(b, v)
	return b, nil
}

func (s *MemoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

// FSStore is a filesystem-based ValueStore.
// Each value is stored as a file named by its hex key under baseDir.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a new FSStore rooted at baseDir.
// It ensures the directory exists.
func NewFSStore(baseDir string) (*FSStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("NewFSStore: baseDir is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("NewFSStore: mkdir: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.baseDir, key)
}

// Put writes the value atomically: temp file, then rename.
func (s *FSStore) Put(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	path := s.path(key)

	tmp, err := os.CreateTemp(s.baseDir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("Put: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("Put: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("Put: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("Put: rename: %w", err)
	}
	return nil
}

func (s *FSStore) Get(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, fs.ErrNotExist
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fs.ErrNotExist
		}
		return nil, fmt.Errorf("Get: read: %w", err)
	}
	return data, nil
}

// Keys scans baseDir. Files whose names are not hex (temp files, strays)
// are skipped.
func (s *FSStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("Keys: readdir: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if validateKey(name) != nil {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}
