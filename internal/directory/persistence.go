// Package directory is the embedded user, friendship and settings store.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
)

const (
	usersFile       = "users.json"
	friendshipsFile = "friendships.json"
	settingsFile    = "settings.json"
)

// Snapshot is the full directory state as stored on disk.
type Snapshot struct {
	Users       []schema.User         `json:"users"`
	Friendships []schema.Friendship   `json:"friendships"`
	Settings    []schema.UserSettings `json:"settings"`
}

// Persistence handles the disk I/O for the MemStore
type Persistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
	written map[string]uint64
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir string) (*Persistence, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Persistence{DataDir: dir, written: make(map[string]uint64)}, nil
}

// Save writes one collection to its JSON file atomically. Writes carrying a
// sequence number older than the last one written are skipped, so background
// saves that finish out of order never roll the file back.
func (p *Persistence) Save(name string, seq uint64, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq < p.written[name] {
		return nil
	}

	filePath := filepath.Join(p.DataDir, name)
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		return err
	}
	// Rename is atomic: readers see either the old file or the new one.
	if err := os.Rename(tempPath, filePath); err != nil {
		return err
	}
	p.written[name] = seq
	return nil
}

// LoadAll reads every collection found in the data directory. Missing files
// are treated as empty; unreadable ones are logged and skipped.
func (p *Persistence) LoadAll() (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var snap Snapshot
	if err := p.load(usersFile, &snap.Users); err != nil {
		return snap, err
	}
	if err := p.load(friendshipsFile, &snap.Friendships); err != nil {
		return snap, err
	}
	if err := p.load(settingsFile, &snap.Settings); err != nil {
		return snap, err
	}
	return snap, nil
}

func (p *Persistence) load(name string, target any) error {
	content, err := os.ReadFile(filepath.Join(p.DataDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(content, target); err != nil {
		slog.Warn("could not unmarshal directory file", "file", name, "error", err)
	}
	return nil
}
