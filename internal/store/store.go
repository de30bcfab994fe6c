// Package store is the injected key-value profile store the session layer
// reads display settings from. Keeping it behind an interface lets the
// client be tested without touching the filesystem.
package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

const (
	KeyNickname = "nickname"
	KeyVersion  = "version"

	maxNicknameLen = 7
)

var ErrInvalidNickname = errors.New("invalid nickname")

func defaults() map[string]string {
	return map[string]string{
		KeyNickname: "Player",
		KeyVersion:  "1.0",
	}
}

// Store is a flat string-to-string settings store.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	All() map[string]string
	Reset() error
}

// ValidNickname reports whether a display name is acceptable: non-empty,
// at most seven characters, letters, digits, underscore, or hyphen.
func ValidNickname(name string) bool {
	if name == "" || len(name) > maxNicknameLen {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Nickname reads the stored display name, falling back to the default.
func Nickname(s Store) string {
	if v, ok := s.Get(KeyNickname); ok && v != "" {
		return v
	}
	return defaults()[KeyNickname]
}

// SetNickname validates and persists a display name.
func SetNickname(s Store, name string) error {
	if !ValidNickname(name) {
		return ErrInvalidNickname
	}
	return s.Set(KeyNickname, name)
}

// MemStore is an in-memory Store for tests and headless use.
type MemStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{values: defaults()}
}

func (m *MemStore) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemStore) All() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

func (m *MemStore) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = defaults()
	return nil
}

// FileStore persists settings as a small JSON file. Unknown keys found in
// the file are preserved; missing defaults are merged in on load.
type FileStore struct {
	path   string
	mu     sync.Mutex
	values map[string]string
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, values: defaults()}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, err
	}
	loaded := make(map[string]string)
	if err := json.Unmarshal(b, &loaded); err != nil {
		// A corrupt settings file is not fatal; start from defaults.
		return fs, nil
	}
	for k, v := range loaded {
		fs.values[k] = v
	}
	return fs, nil
}

func (f *FileStore) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *FileStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return f.saveLocked()
}

func (f *FileStore) All() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

func (f *FileStore) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = defaults()
	return f.saveLocked()
}

func (f *FileStore) saveLocked() error {
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, b, 0o644)
}
