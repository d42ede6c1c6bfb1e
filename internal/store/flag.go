package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// StorageKey is the fixed key the degraded-mode flag is stored under
const StorageKey = "degraded-mode"

// Flag persists the degraded-mode flag across process restarts
type Flag interface {
	Load() (bool, error)
	Save(degraded bool) error
}

// File keeps the flag in a small JSON document on disk
type File struct {
	path string
	lock *flock.Flock
}

// DefaultPath returns the state file path.
// Uses XDG_CONFIG_HOME if set, otherwise the OS user config dir.
func DefaultPath() (string, error) {
	var configDir string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "webcam-guess")
	} else {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(userConfigDir, "webcam-guess")
	}
	return filepath.Join(configDir, "state.json"), nil
}

func NewFile(path string) *File {
	return &File{path: path, lock: flock.New(path + ".lock")}
}

func (f *File) Path() string { return f.path }

// Load reads the flag. A missing or unreadable document means the flag is unset.
func (f *File) Load() (bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	var state map[string]bool
	if err := json.Unmarshal(data, &state); err != nil {
		return false, nil
	}
	return state[StorageKey], nil
}

// Save writes the flag under the file lock
func (f *File) Save(degraded bool) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("lock state file: %w", err)
	}
	defer f.lock.Unlock()

	data, err := json.MarshalIndent(map[string]bool{StorageKey: degraded}, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Memory keeps the flag in process memory
type Memory struct {
	mu       sync.Mutex
	degraded bool
}

func NewMemory(degraded bool) *Memory { return &Memory{degraded: degraded} }

func (m *Memory) Load() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded, nil
}

func (m *Memory) Save(degraded bool) error {
	m.mu.Lock()
	m.degraded = degraded
	m.mu.Unlock()
	return nil
}
