// Package filelock provides an exclusive lock backed by flock(2) on a well-known file.
// The lock is shared by every process that opens the same path and is released by the
// kernel when the holder exits, including on SIGKILL.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryAcquire when another holder owns the lock.
var ErrLocked = errors.New("lock is held by another holder")

const defaultPollInterval = 25 * time.Millisecond

// Lock is an exclusive lock over one file path. A Lock is safe for concurrent use;
// goroutines of one process are serialized before contending for the OS lock.
type Lock struct {
	path         string
	pollInterval time.Duration
	local        *semaphore.Weighted
}

// Option configures a Lock.
type Option func(*Lock)

// WithPollInterval sets how often Acquire retries a contended lock.
func WithPollInterval(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// New returns a lock over path. The file is created on first acquisition.
func New(path string, opts ...Option) *Lock {
	l := &Lock{
		path:         path,
		pollInterval: defaultPollInterval,
		local:        semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Handle is a held lock. Release it exactly once.
type Handle struct {
	lock *Lock
	file *os.File
}

// Release drops the OS lock and lets the next local waiter in.
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	unlockErr := unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	closeErr := h.file.Close()
	h.file = nil
	h.lock.local.Release(1)
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock %s: %w", h.lock.path, unlockErr)
	}
	return closeErr
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) (*Handle, error) {
	if err := l.local.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	f, err := l.open()
	if err != nil {
		l.local.Release(1)
		return nil, err
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Handle{lock: l, file: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			l.local.Release(1)
			return nil, fmt.Errorf("failed to lock %s: %w", l.path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			l.local.Release(1)
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// TryAcquire takes the lock without waiting. It returns ErrLocked when the lock is
// held elsewhere, in this process or another.
func (l *Lock) TryAcquire() (*Handle, error) {
	if !l.local.TryAcquire(1) {
		return nil, ErrLocked
	}

	f, err := l.open()
	if err != nil {
		l.local.Release(1)
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		l.local.Release(1)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock %s: %w", l.path, err)
	}
	return &Handle{lock: l, file: f}, nil
}

// With runs fn while holding the lock. The lock is released on every exit path.
func (l *Lock) With(ctx context.Context, fn func() error) error {
	h, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release() //nolint:errcheck

	return fn()
}

// Held reports whether some holder owns the lock right now.
func (l *Lock) Held() (bool, error) {
	if _, err := os.Stat(l.path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	h, err := l.TryAcquire()
	if errors.Is(err, ErrLocked) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, h.Release()
}

// Remove deletes the lock file. Holders keep their lock on the unlinked inode, so
// only call this once no holder remains.
func (l *Lock) Remove() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file %s: %w", l.path, err)
	}
	return nil
}

func (l *Lock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}
	return f, nil
}
