package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
)

// JSONStore keeps the ledger as a single JSON document.
type JSONStore struct {
	fs   afero.Fs
	path string
}

func NewJSONStore(fsys afero.Fs, path string) *JSONStore {
	return &JSONStore{fs: fsys, path: path}
}

func (s *JSONStore) Path() string {
	return s.path
}

func (s *JSONStore) Load() (*Ledger, bool, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("read ledger %s: %w", s.path, err)
	}

	l := New()
	if err := json.Unmarshal(data, l); err != nil {
		return nil, true, fmt.Errorf("decode ledger %s: %w", s.path, err)
	}
	l.normalize()
	return l, true, nil
}

// Save writes the snapshot next to the ledger and renames it into place, so a
// crash mid-write leaves the previous ledger intact.
func (s *JSONStore) Save(l *Ledger) error {
	data, err := json.MarshalIndent(l.Clone(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace ledger %s: %w", s.path, err)
	}
	return nil
}

func (s *JSONStore) Remove() error {
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove ledger %s: %w", s.path, err)
	}
	return nil
}

func (s *JSONStore) Close() error {
	return nil
}
