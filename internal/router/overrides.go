package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/riftrelay/capacity-proxy/internal/obslog"
)

// OverrideStore maps client model names to forced provider models. A "*"
// entry applies to any client model without a more specific entry. The
// map is capped: new entries past the cap are rejected while updates to
// existing keys always succeed. Writes persist to disk via atomic
// rename; a missing file on load is not an error.
type OverrideStore struct {
	mu        sync.RWMutex
	entries   map[string]string
	maxSize   int
	filePath  string
}

// NewOverrideStore loads the persisted override map from filePath, if
// present. An empty filePath disables persistence.
func NewOverrideStore(filePath string, maxSize int) *OverrideStore {
	s := &OverrideStore{
		entries:  map[string]string{},
		maxSize:  maxSize,
		filePath: filePath,
	}
	if filePath != "" {
		if data, err := os.ReadFile(filePath); err == nil {
			if err := json.Unmarshal(data, &s.entries); err != nil {
				obslog.Warn("router: failed to parse overrides file %s: %v", filePath, err)
				s.entries = map[string]string{}
			}
		}
	}
	return s
}

// Set creates or updates an override. Creation past the cap fails;
// updating an existing key never does.
func (s *OverrideStore) Set(clientModel, providerModel string) error {
	s.mu.Lock()
	if _, exists := s.entries[clientModel]; !exists && s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.mu.Unlock()
		return fmt.Errorf("router: override limit of %d reached", s.maxSize)
	}
	s.entries[clientModel] = providerModel
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

// Clear removes the override for clientModel, if any.
func (s *OverrideStore) Clear(clientModel string) error {
	s.mu.Lock()
	delete(s.entries, clientModel)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

// Resolve returns the forced provider model for clientModel: an exact
// entry wins over the "*" wildcard.
func (s *OverrideStore) Resolve(clientModel string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.entries[clientModel]; ok {
		return m, true
	}
	if m, ok := s.entries["*"]; ok {
		return m, true
	}
	return "", false
}

// All returns a copy of the override map.
func (s *OverrideStore) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Replace swaps the entire map in one step, used by the PUT
// /model-routing "overrides" key. The cap applies to the incoming map.
func (s *OverrideStore) Replace(entries map[string]string) error {
	if s.maxSize > 0 && len(entries) > s.maxSize {
		return fmt.Errorf("router: override limit of %d reached", s.maxSize)
	}
	s.mu.Lock()
	s.entries = make(map[string]string, len(entries))
	for k, v := range entries {
		s.entries[k] = v
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

// Reset empties the map and removes the persisted file contents.
func (s *OverrideStore) Reset() error {
	s.mu.Lock()
	s.entries = map[string]string{}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

// Len returns the number of stored overrides.
func (s *OverrideStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *OverrideStore) snapshotLocked() map[string]string {
	cp := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		cp[k] = v
	}
	return cp
}

// persist writes the map to disk via temp-file-plus-rename so a crash
// mid-write never leaves a truncated overrides file.
func (s *OverrideStore) persist(entries map[string]string) error {
	if s.filePath == "" {
		return nil
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]string, len(entries))
	for _, k := range keys {
		ordered[k] = entries[k]
	}

	data, err := json.MarshalIndent(ordered, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.filePath)
	tmp, err := os.CreateTemp(dir, ".overrides-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.filePath)
}
