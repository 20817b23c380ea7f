package patterns

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tinytelemetry/labwatch/internal/journal"
)

// FileStore persists miner state as a single JSON document. Writes go to a
// temp file that is fsynced and renamed over the target so a crash never
// leaves a torn state file behind.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path. The parent directory is
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location.
func (s *FileStore) Path() string { return s.path }

// Save implements drain3.PersistenceHandler.
func (s *FileStore) Save(_ context.Context, state []byte) error {
	if err := journal.WriteFileAtomic(s.path, state); err != nil {
		return fmt.Errorf("patterns: save state: %w", err)
	}
	return nil
}

// Load implements drain3.PersistenceHandler. A missing file yields no state.
func (s *FileStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("patterns: read state: %w", err)
	}
	return data, nil
}
