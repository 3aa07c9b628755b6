// Package jsonfile persists the share registry as one JSON array rewritten
// wholesale after every change.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pocketfileshare/pocketshare/internal/domain"
)

// FileName is the registry file name inside the data directory.
const FileName = "shares.json"

// Store reads and writes the registry file.
type Store struct {
	mu   sync.Mutex
	path string
}

// New creates a store for dataDir/shares.json.
func New(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, FileName)}
}

// Path returns the registry file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted shares in file order. A missing or empty file
// is an empty registry. Unreadable or unparseable content is reported as
// [domain.ErrPersistence].
func (s *Store) Load() ([]domain.Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrPersistence, s.path, err)
	}
	if len(b) == 0 {
		return nil, nil
	}

	var shares []domain.Share
	if err := json.Unmarshal(b, &shares); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrPersistence, s.path, err)
	}
	return shares, nil
}

// Save replaces the registry file with shares. The new content is written
// to a temp file in the same directory and renamed into place.
func (s *Store) Save(shares []domain.Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if shares == nil {
		shares = []domain.Share{}
	}
	data, err := json.MarshalIndent(shares, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", domain.ErrPersistence, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", domain.ErrPersistence, dir, err)
	}
	if err := writeFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrPersistence, s.path, err)
	}
	return nil
}

// Clear removes the registry file. A missing file is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", domain.ErrPersistence, s.path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""
	return nil
}
