package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/persona-imagegen/internal/schemas"
)

// Record is the on-disk PID record of the running upgrade worker.
type Record struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// ReadRecord loads the PID record at path. A missing record returns an error
// satisfying errors.Is(err, os.ErrNotExist).
func ReadRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	if err := schemas.ValidateDocument(schemas.PIDSchema, data); err != nil {
		return Record{}, fmt.Errorf("invalid pid record %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode pid record %s: %w", path, err)
	}
	return rec, nil
}

// WriteRecord replaces the PID record atomically.
func WriteRecord(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode pid record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pid record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to publish pid record: %w", err)
	}
	return nil
}

// RemoveRecord deletes the PID record. Missing records are not an error.
func RemoveRecord(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove pid record %s: %w", path, err)
	}
	return nil
}

// RemoveRecordIf deletes the PID record only while it still names pid, so an exiting
// worker never removes the record of its replacement.
func RemoveRecordIf(path string, pid int) error {
	rec, err := ReadRecord(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && rec.PID != pid {
		return nil
	}
	return RemoveRecord(path)
}
