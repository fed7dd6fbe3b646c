// Package storage persists the permission audit log.
//
// Two backends are provided: a directory of JSON files guarded by flock
// (FileAudit) and a SQLite database (SQLiteAudit). Both implement AuditStore.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage is a small JSON document store rooted at a directory. Keys are path
// segments; each document is one file.
type Storage struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*FileLock
}

// New creates a Storage rooted at basePath.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

func (s *Storage) file(key []string) string {
	return filepath.Join(append([]string{s.basePath}, key...)...) + ".json"
}

func (s *Storage) dir(key []string) string {
	return filepath.Join(append([]string{s.basePath}, key...)...)
}

// Get decodes the document at key into v.
func (s *Storage) Get(_ context.Context, key []string, v any) error {
	data, err := os.ReadFile(s.file(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", strings.Join(key, "/"), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", strings.Join(key, "/"), err)
	}
	return nil
}

// Put writes v at key atomically.
func (s *Storage) Put(_ context.Context, key []string, v any) error {
	path := s.file(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	lock := s.lock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	return writeJSON(path, v)
}

// Update reads the document at key, applies fn and writes the result, all
// under the key's lock. A missing document is ErrNotFound unless create is
// set, in which case fn starts from v as passed.
func (s *Storage) Update(_ context.Context, key []string, v any, create bool, fn func() error) error {
	path := s.file(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	lock := s.lock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err) && !create:
		return ErrNotFound
	case err != nil && !os.IsNotExist(err):
		return fmt.Errorf("read %s: %w", strings.Join(key, "/"), err)
	case err == nil:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s: %w", strings.Join(key, "/"), err)
		}
	}
	if err := fn(); err != nil {
		return err
	}
	return writeJSON(path, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Delete removes the document at key. Missing keys are not an error.
func (s *Storage) Delete(_ context.Context, key []string) error {
	path := s.file(key)
	lock := s.lock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Scan calls fn for every document directly under key. Unreadable files are skipped.
func (s *Storage) Scan(_ context.Context, key []string, fn func(name string, data json.RawMessage) error) error {
	dir := s.dir(key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if err := fn(strings.TrimSuffix(name, ".json"), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) lock(path string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[path]
	if !ok {
		l = NewFileLock(path)
		s.locks[path] = l
	}
	return l
}
