package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type marker struct {
	State string `json:"state"`
}

// Markers is the priority-marker directory. A marker exists while an interactive
// request for its key is outstanding; the worker does not start new jobs while any
// marker is present.
type Markers struct {
	dir    string
	logger *slog.Logger
}

// OpenMarkers returns the marker set rooted at dir.
func OpenMarkers(dir string, logger *slog.Logger) *Markers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Markers{dir: dir, logger: logger.With("queue", "priority")}
}

func (m *Markers) path(key string) string {
	return filepath.Join(m.dir, key+jobExt)
}

// Publish creates (or refreshes) the marker for key.
func (m *Markers) Publish(key string) error {
	data, err := json.Marshal(marker{State: key})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create priority directory: %w", err)
	}

	tmp, err := stage(m.dir, key, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish priority marker %s: %w", key, err)
	}
	m.logger.Debug("priority marker published", "key", key)
	return nil
}

// Clear removes the marker for key and returns how many markers remain.
func (m *Markers) Clear(key string) (int, error) {
	if err := os.Remove(m.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("failed to clear priority marker %s: %w", key, err)
	}
	keys, err := m.List()
	return len(keys), err
}

// Any reports whether at least one marker exists.
func (m *Markers) Any() bool {
	keys, err := m.List()
	if err != nil {
		m.logger.Warn("failed to list priority markers", "error", err)
		return false
	}
	return len(keys) > 0
}

// Has reports whether key has a marker.
func (m *Markers) Has(key string) bool {
	_, err := os.Stat(m.path(key))
	return err == nil
}

// List returns the keys of all published markers in name order.
func (m *Markers) List() ([]string, error) {
	dirEntries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list priority markers: %w", err)
	}

	keys := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, jobExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, jobExt))
	}
	sort.Strings(keys)
	return keys, nil
}
