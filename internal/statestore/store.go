package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Store persists browser storage state (cookies, local storage) per
// credential slot, so a relaunched session reuses any tokens the upstream
// refreshed during earlier turns instead of the stale configured bundle.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger *zap.Logger
}

// New creates the store, ensuring the backing directory exists
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Path returns the storage-state file path for a credential slot
func (s *Store) Path(slot int) string {
	return filepath.Join(s.dir, fmt.Sprintf("credential-%d.json", slot))
}

// Has reports whether a saved state exists for the slot
func (s *Store) Has(slot int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.Path(slot))
	return err == nil && info.Size() > 0
}

// Save atomically writes the serialized storage state for a slot
func (s *Store) Save(slot int, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(slot)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, state, 0o600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}

	s.logger.Debug("saved browser state", zap.Int("slot", slot), zap.Int("bytes", len(state)))
	return nil
}

// Load returns the saved storage state for a slot
func (s *Store) Load(slot int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path(slot))
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return data, nil
}

// Delete removes the saved state for a slot. Used when a session launched
// from a saved state turns out dead, to fall back to the configured bundle.
func (s *Store) Delete(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path(slot)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}
