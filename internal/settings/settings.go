// Package settings persists the user-editable monitor settings and the
// session start time between runs.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Prefix namespaces every persisted key.
const Prefix = "NM_PRO_"

// Values is the persisted table.
type Values struct {
	CheckInterval int    `toml:"NM_PRO_checkInterval,omitempty"`
	UserEmail     string `toml:"NM_PRO_userEmail,omitempty"`
	// ConnectionStartTime is RFC3339; empty when no session is resumable.
	ConnectionStartTime string `toml:"NM_PRO_connectionStartTime,omitempty"`
}

// StartTime parses ConnectionStartTime.
func (v Values) StartTime() (time.Time, bool) {
	if v.ConnectionStartTime == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v.ConnectionStartTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Store reads and writes Values in a TOML file.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load returns the stored values. A missing file yields zero values.
func (s *Store) Load() (Values, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Values, error) {
	var v Values
	if _, err := toml.DecodeFile(s.path, &v); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Values{}, nil
		}
		return Values{}, fmt.Errorf("decode settings: %w", err)
	}
	return v, nil
}

// Save replaces the stored values.
func (s *Store) Save(v Values) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(v)
}

// Update loads, applies fn and saves in one step.
func (s *Store) Update(fn func(*Values)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.load()
	if err != nil {
		return err
	}
	fn(&v)
	return s.save(v)
}

// SaveConfig records the interval and recipient.
func (s *Store) SaveConfig(intervalSeconds int, recipient string) error {
	return s.Update(func(v *Values) {
		v.CheckInterval = intervalSeconds
		v.UserEmail = recipient
	})
}

// SetStartTime records t, or clears the start time when t is zero.
func (s *Store) SetStartTime(t time.Time) error {
	return s.Update(func(v *Values) {
		if t.IsZero() {
			v.ConnectionStartTime = ""
			return
		}
		v.ConnectionStartTime = t.Format(time.RFC3339)
	})
}

func (s *Store) save(v Values) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".netwatch-settings-*")
	if err != nil {
		return fmt.Errorf("create settings temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}
