package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// FileStore keeps a namespace in one indented JSON object on disk. Every Put
// rewrites the file through a temporary file and a rename.
type FileStore struct {
	path    string
	mu      sync.Mutex
	loaded  bool
	entries map[string]json.RawMessage
}

func NewFileFactory(dir string) Factory {
	return func(namespace string) (Store, error) {
		if err := validNamespace(namespace); err != nil {
			return nil, err
		}
		return NewFileStore(filepath.Join(dir, namespace+".json")), nil
	}
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() error {
	if s.loaded {
		return nil
	}

	s.entries = make(map[string]json.RawMessage)
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache %s: %w", s.path, err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.entries); err != nil {
			return fmt.Errorf("failed to parse cache %s: %w", s.path, err)
		}
	}
	s.loaded = true

	return nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, false, err
	}

	value, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}

	return slices.Clone([]byte(value)), true, nil
}

func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("cache value for %q is not valid JSON", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}

	previous, existed := s.entries[key]
	s.entries[key] = slices.Clone(value)
	if err := s.flush(); err != nil {
		if existed {
			s.entries[key] = previous
		} else {
			delete(s.entries, key)
		}
		return err
	}

	return nil
}

func (s *FileStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	return keys, nil
}

func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.entries, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace cache %s: %w", s.path, err)
	}

	return nil
}
