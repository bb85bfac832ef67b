package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists the full provider map. Implementations must make Save
// atomic: readers observe either the previous or the new contents, never a
// partial write.
type Store interface {
	Load() (map[string]Config, error)
	Save(configs map[string]Config) error
}

// FileStore persists providers as a JSON object keyed by provider id,
// matching the provider configuration file format loaded at startup.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the given path. The file does not
// need to exist yet.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads and decodes the provider file. A missing file is an empty
// registry, not an error.
func (s *FileStore) Load() (map[string]Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Config{}, nil
		}
		return nil, fmt.Errorf("read providers file %q: %w", s.path, err)
	}

	configs := map[string]Config{}
	if len(data) == 0 {
		return configs, nil
	}
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("invalid JSON in providers file %q: %w", s.path, err)
	}

	// The map key is authoritative for the id.
	for id, cfg := range configs {
		cfg.ID = id
		configs[id] = cfg
	}
	return configs, nil
}

// Save writes the provider map via a temp file and rename so a crash
// mid-write never corrupts the registry.
func (s *FileStore) Save(configs map[string]Config) error {
	data, err := json.MarshalIndent(configs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal providers: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create providers dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".providers-*.json")
	if err != nil {
		return fmt.Errorf("create temp providers file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write providers file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close providers file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace providers file: %w", err)
	}
	return nil
}
