// Package queue implements durable work queues as directories of JSON job files.
// Every mutation is a whole-file create, rename or unlink, so a crash at any point
// leaves each job either fully present or absent.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/persona-imagegen/internal/schemas"
	"github.com/jonathan/persona-imagegen/internal/types"
)

const jobExt = ".json"

// DecodeError reports a job file that exists but cannot be used.
type DecodeError struct {
	Path  string
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid job file %s: %v", e.Path, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Entry is one job file as seen by PeekAll. Err is set when the file is unreadable or
// malformed; such entries still carry Stem and Path so they can be dropped. Info
// identifies the exact file that was read.
type Entry struct {
	Stem    string
	Path    string
	ModTime time.Time
	Info    os.FileInfo
	Job     types.Job
	Err     error
}

// Queue is one directory of pending jobs for a single tier.
type Queue struct {
	dir    string
	tier   types.Tier
	logger *slog.Logger
}

// Open returns the queue rooted at dir. The directory is created lazily on first write.
func Open(dir string, tier types.Tier, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		dir:    dir,
		tier:   tier,
		logger: logger.With("queue", tier.String()),
	}
}

// Dir returns the queue directory.
func (q *Queue) Dir() string {
	return q.dir
}

// Tier returns the tier this queue feeds.
func (q *Queue) Tier() types.Tier {
	return q.tier
}

func (q *Queue) path(stem string) string {
	return filepath.Join(q.dir, stem+jobExt)
}

// Enqueue writes job under job.Key. Without force an existing job with the same stem
// is kept and Enqueue reports false. With force the job file is replaced.
func (q *Queue) Enqueue(job types.Job, force bool) (bool, error) {
	if job.IsAlias() {
		if job.Key != job.OutputStem {
			return false, fmt.Errorf("alias job %s must be keyed by its output stem %s", job.Key, job.OutputStem)
		}
	} else if err := types.ValidateKey(job.Key); err != nil {
		return false, err
	}
	if err := job.Validate(); err != nil {
		return false, fmt.Errorf("invalid job %s: %w", job.Key, err)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to encode job %s: %w", job.Key, err)
	}

	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create queue directory: %w", err)
	}

	target := q.path(job.Key)
	if !force {
		if _, err := os.Stat(target); err == nil {
			return false, nil
		}
	}

	tmp, err := stage(q.dir, job.Key, data)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp) //nolint:errcheck

	if force {
		if err := os.Rename(tmp, target); err != nil {
			return false, fmt.Errorf("failed to publish job %s: %w", job.Key, err)
		}
	} else {
		// link fails if the target appeared since the Stat above
		if err := os.Link(tmp, target); err != nil {
			if errors.Is(err, os.ErrExist) {
				return false, nil
			}
			return false, fmt.Errorf("failed to publish job %s: %w", job.Key, err)
		}
	}

	q.logger.Debug("job enqueued", "stem", job.Key, "force", force)
	return true, nil
}

// PeekAll lists pending jobs oldest first without removing them.
func (q *Queue) PeekAll() ([]Entry, error) {
	dirEntries, err := os.ReadDir(q.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list queue %s: %w", q.dir, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, jobExt) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		stem := strings.TrimSuffix(name, jobExt)
		entry := Entry{
			Stem:    stem,
			Path:    filepath.Join(q.dir, name),
			ModTime: info.ModTime(),
		}
		var read os.FileInfo
		entry.Job, read, entry.Err = readJobFile(entry.Path, stem)
		if errors.Is(entry.Err, os.ErrNotExist) {
			continue
		}
		entry.Info = info
		if read != nil {
			entry.Info = read
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].ModTime.Before(entries[j].ModTime)
		}
		return entries[i].Stem < entries[j].Stem
	})
	return entries, nil
}

// Oldest returns the first pending entry, or nil when the queue is empty.
func (q *Queue) Oldest() (*Entry, error) {
	entries, err := q.PeekAll()
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// Get reads one pending job.
func (q *Queue) Get(stem string) (types.Job, error) {
	return readJob(q.path(stem), stem)
}

// Has reports whether a job with this stem is pending.
func (q *Queue) Has(stem string) bool {
	_, err := os.Stat(q.path(stem))
	return err == nil
}

// Len counts pending job files.
func (q *Queue) Len() (int, error) {
	entries, err := q.PeekAll()
	return len(entries), err
}

// Remove deletes a job. Removing an absent job is not an error.
func (q *Queue) Remove(stem string) error {
	if err := os.Remove(q.path(stem)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove job %s: %w", stem, err)
	}
	return nil
}

// Current reports whether the stem still holds the job file entry was read from.
func (q *Queue) Current(entry *Entry) bool {
	info, err := os.Stat(entry.Path)
	if err != nil {
		return false
	}
	return entry.Info == nil || os.SameFile(entry.Info, info)
}

// RemoveIf deletes the job file entry was read from. When a forced Enqueue has
// replaced the stem since then, the newer job is left in place and RemoveIf reports false.
func (q *Queue) RemoveIf(entry *Entry) (bool, error) {
	if entry.Info == nil {
		return true, q.Remove(entry.Stem)
	}

	claim := filepath.Join(q.dir, fmt.Sprintf(".%s.done-%s", entry.Stem, uuid.NewString()))
	if err := os.Rename(entry.Path, claim); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("failed to remove job %s: %w", entry.Stem, err)
	}
	defer os.Remove(claim) //nolint:errcheck

	if current, err := os.Stat(claim); err == nil && os.SameFile(entry.Info, current) {
		return true, nil
	}

	// put the newer job back unless an even newer one has already been published
	if err := os.Link(claim, entry.Path); err != nil && !errors.Is(err, os.ErrExist) {
		return false, fmt.Errorf("failed to restore replaced job %s: %w", entry.Stem, err)
	}
	q.logger.Debug("kept replaced job", "stem", entry.Stem)
	return false, nil
}

func readJob(path, stem string) (types.Job, error) {
	job, _, err := readJobFile(path, stem)
	return job, err
}

// readJobFile decodes one job file and returns the identity of the file it read, so
// content and identity cannot come from two different files.
func readJobFile(path, stem string) (types.Job, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.Job{}, nil, err
		}
		return types.Job{}, nil, &DecodeError{Path: path, Cause: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return types.Job{}, nil, &DecodeError{Path: path, Cause: err}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return types.Job{}, info, &DecodeError{Path: path, Cause: err}
	}
	if err := schemas.ValidateDocument(schemas.JobSchema, data); err != nil {
		return types.Job{}, info, &DecodeError{Path: path, Cause: err}
	}

	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return types.Job{}, info, &DecodeError{Path: path, Cause: err}
	}
	job.Key = stem
	return job, info, nil
}

// stage writes data to a hidden temp file in dir and returns its path.
func stage(dir, stem string, data []byte) (string, error) {
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", stem, uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", stem, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to stage %s: %w", stem, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to sync %s: %w", stem, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close %s: %w", stem, err)
	}
	return tmp, nil
}
