package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// FileStore implements Backend on the local filesystem. Each collection is
// a directory and each document a file named after its escaped id.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFile creates a filesystem backend rooted at dir.
func NewFile(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) collectionDir(c Collection) string {
	return filepath.Join(s.dir, string(c))
}

func (s *FileStore) path(c Collection, id string) string {
	return filepath.Join(s.collectionDir(c), url.PathEscape(id))
}

// Get reads one document.
func (s *FileStore) Get(_ context.Context, c Collection, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(c, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", c, id, err)
	}
	return data, nil
}

// Put writes one document atomically via a temporary file and rename.
func (s *FileStore) Put(_ context.Context, c Collection, id string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.collectionDir(c)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create collection %s: %w", c, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s/%s: %w", c, id, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s/%s: %w", c, id, err)
	}
	if err := os.Rename(tmpName, s.path(c, id)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s/%s: %w", c, id, err)
	}
	return nil
}

// Delete removes one document.
func (s *FileStore) Delete(_ context.Context, c Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(c, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s/%s: %w", c, id, err)
	}
	return nil
}

// List reads every document in c. Unreadable files are skipped.
func (s *FileStore) List(_ context.Context, c Collection) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte)
	entries, err := os.ReadDir(s.collectionDir(c))
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		id, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.collectionDir(c), entry.Name()))
		if err != nil {
			continue
		}
		out[id] = data
	}
	return out, nil
}

// Clear removes the collection directory.
func (s *FileStore) Clear(_ context.Context, c Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.collectionDir(c)); err != nil {
		return fmt.Errorf("clear %s: %w", c, err)
	}
	return nil
}

// Ping checks that the root directory is still accessible.
func (s *FileStore) Ping(_ context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("stat store directory: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
