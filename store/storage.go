package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound indicates no persisted data exists yet. Initialize treats it
// as a fresh first run rather than a failure.
var ErrNotFound = errors.New("store: no persisted data")

// Storage is the persistence collaborator for credential bytes. The caller
// owns serialization; Save must be atomic from the caller's point of view.
type Storage interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

// FileStorage persists credential bytes to a single file, written atomically
// via a temporary file and rename.
type FileStorage struct {
	path string
}

// NewFileStorage creates file-backed storage at path, creating parent
// directories with owner-only permissions.
func NewFileStorage(path string) (*FileStorage, error) {
	if path == "" {
		return nil, errors.New("storage path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{path: path}, nil
}

// Load reads the persisted bytes, returning ErrNotFound on first run.
func (fs *FileStorage) Load() ([]byte, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return data, nil
}

// Save writes the bytes atomically: either the whole file persists or the
// previous contents survive.
func (fs *FileStorage) Save(data []byte) error {
	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename credentials file: %w", err)
	}
	return nil
}

// MemoryStorage keeps credential bytes in memory. Used by tests and by
// callers that manage persistence elsewhere.
type MemoryStorage struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStorage creates empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Load returns the stored bytes or ErrNotFound.
func (ms *MemoryStorage) Load() ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.data == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), ms.data...), nil
}

// Save replaces the stored bytes.
func (ms *MemoryStorage) Save(data []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.data = append([]byte(nil), data...)
	return nil
}
