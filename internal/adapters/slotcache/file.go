package slotcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"polyMonitorBot/internal/domain"
	"polyMonitorBot/internal/ports"
)

// FileCache implements ports.SlotCache as a JSON file on disk.
//
// The cache exists so a restarted process can see what the previous run was
// watching, but the engine deliberately clears it on every startup and
// repopulates it from a fresh discovery cycle. Replace writes through a temp
// file and rename so a reader never observes a half-written set.
type FileCache struct {
	path   string
	logger ports.Logger
	mu     sync.Mutex
}

// New creates a file-backed slot cache at the given path.
func New(path string, logger ports.Logger) (*FileCache, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for slot cache")
	}
	if path == "" {
		path = "./data/upcoming_slots.json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory '%s': %w", filepath.Dir(path), err)
	}
	return &FileCache{path: path, logger: logger}, nil
}

// Clear removes the cached slot set, including one left by a crashed run.
func (c *FileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear slot cache '%s': %w", c.path, err)
	}
	c.logger.Info(context.Background(), "Slot cache cleared", map[string]interface{}{"path": c.path})
	return nil
}

// Replace atomically swaps the cached slot set for the given one.
func (c *FileCache) Replace(slots []domain.MarketSlot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(slots, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal slot set: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".slots-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to swap slot cache '%s': %w", c.path, err)
	}

	c.logger.Debug(context.Background(), "Slot cache replaced", map[string]interface{}{"slots": len(slots), "path": c.path})
	return nil
}

// Load returns the cached slot set, or an empty slice when none is cached.
func (c *FileCache) Load() ([]domain.MarketSlot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.MarketSlot{}, nil
		}
		return nil, fmt.Errorf("failed to read slot cache '%s': %w", c.path, err)
	}

	var slots []domain.MarketSlot
	if err := json.Unmarshal(data, &slots); err != nil {
		return nil, fmt.Errorf("failed to decode slot cache '%s': %w", c.path, err)
	}
	return slots, nil
}
