package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	gap "github.com/muesli/go-app-paths"
)

// AppName scopes the per-user config directory.
const AppName = "music-cache"

// settingsFile is the file name of the local settings document.
const settingsFile = "settings.json"

// LocalStore persists settings synchronously on this machine.
type LocalStore interface {
	Load() (Patch, error)
	Save(Settings) error
}

// FileStore keeps the settings document as a JSON file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultSettingsPath returns the settings file location in the user's
// config directory.
func DefaultSettingsPath() (string, error) {
	scope := gap.NewScope(gap.User, AppName)
	path, err := scope.ConfigPath(settingsFile)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return path, nil
}

// Path returns the file location.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the document. A missing file yields an empty patch.
func (f *FileStore) Load() (Patch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Patch{}, nil
	}
	if err != nil {
		return Patch{}, fmt.Errorf("read settings: %w", err)
	}

	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return Patch{}, fmt.Errorf("decode settings %s: %w", f.path, err)
	}
	return p, nil
}

// Save writes s, replacing the file atomically.
func (f *FileStore) Save(s Settings) error {
	data, err := json.MarshalIndent(PatchFrom(s), "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
