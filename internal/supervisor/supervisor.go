// Package supervisor owns the lifecycle of the detached upgrade worker process:
// its PID record, liveness checks, spawning, preemption and shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jonathan/persona-imagegen/internal/filelock"
	"github.com/jonathan/persona-imagegen/internal/observability"
	"golang.org/x/sys/unix"
)

const (
	defaultGracePeriod = 5 * time.Second
	exitPollInterval   = 20 * time.Millisecond
)

// Options configures a Supervisor.
type Options struct {
	// PIDPath is the worker PID record.
	PIDPath string
	// WorkerLockPath is the single-instance lock every live worker holds.
	WorkerLockPath string
	// GPULockPath is removed on Shutdown once nobody holds it. Optional.
	GPULockPath string
	// LogPath receives the worker's stdout and stderr. Empty discards them.
	LogPath string

	// Executable and Args start one worker, e.g. the running binary with "worker".
	Executable string
	Args       []string
	// Env is appended to the current environment.
	Env []string

	// GracePeriod bounds how long Shutdown waits after SIGTERM.
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Supervisor spawns, inspects and terminates the upgrade worker.
type Supervisor struct {
	opts       Options
	workerLock *filelock.Lock
	gpuLock    *filelock.Lock
	logger     *slog.Logger

	mu    sync.Mutex
	child *os.Process
	done  chan struct{}
}

// New creates a Supervisor. Nothing is spawned until EnsureRunning.
func New(opts Options) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Supervisor{
		opts:       opts,
		workerLock: filelock.New(opts.WorkerLockPath),
		logger:     opts.Logger,
	}
	if opts.GPULockPath != "" {
		s.gpuLock = filelock.New(opts.GPULockPath)
	}
	return s
}

// Status reports the recorded worker PID and whether that worker is alive.
func (s *Supervisor) Status() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := ReadRecord(s.opts.PIDPath)
	if err != nil {
		return 0, false
	}
	return rec.PID, s.alive(rec.PID)
}

// alive reports whether pid is a live worker. A signalable process is not enough,
// since PIDs get reused: it must also be our own unreaped child or the worker lock
// must be held. Callers hold s.mu.
func (s *Supervisor) alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}

	if s.child != nil && s.child.Pid == pid {
		select {
		case <-s.done:
			return false
		default:
			return true
		}
	}

	held, err := s.workerLock.Held()
	if err != nil {
		s.logger.Warn("failed to check worker lock", "path", s.workerLock.Path(), "error", err)
		return false
	}
	return held
}

// EnsureRunning spawns a worker unless a live one is already recorded. It returns the
// worker PID and whether this call started it.
func (s *Supervisor) EnsureRunning(ctx context.Context) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, err := ReadRecord(s.opts.PIDPath); err == nil && s.alive(rec.PID) {
		return rec.PID, false, nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("discarding unreadable pid record", "path", s.opts.PIDPath, "error", err)
	}

	pid, err := s.spawn()
	if err != nil {
		return 0, false, err
	}
	return pid, true, nil
}

func (s *Supervisor) spawn() (int, error) {
	if s.opts.Executable == "" {
		return 0, errors.New("worker executable is not configured")
	}

	cmd := exec.Command(s.opts.Executable, s.opts.Args...)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	// own session and process group, so the worker outlives us and can be killed as a group
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if s.opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.opts.LogPath), 0o755); err != nil {
			return 0, fmt.Errorf("failed to create worker log directory: %w", err)
		}
		logFile, err := os.OpenFile(s.opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open worker log: %w", err)
		}
		defer logFile.Close() //nolint:errcheck
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker: %w", err)
	}
	pid := cmd.Process.Pid

	done := make(chan struct{})
	s.child, s.done = cmd.Process, done
	go func() {
		err := cmd.Wait()
		s.logger.Debug("worker exited", "pid", pid, "error", err)
		close(done)
	}()

	if err := WriteRecord(s.opts.PIDPath, Record{PID: pid, StartedAt: time.Now().UTC()}); err != nil {
		_ = unix.Kill(-pid, unix.SIGKILL)
		return 0, err
	}

	observability.WorkerSpawnsTotal.Inc()
	s.logger.Info("spawned upgrade worker", "pid", pid, "log", s.opts.LogPath)
	return pid, nil
}

// Preempt hard-kills the recorded worker. The record is removed first so nobody
// reads a PID that is about to die. It returns the recorded PID and whether a live
// worker was killed.
func (s *Supervisor) Preempt() (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := ReadRecord(s.opts.PIDPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if rmErr := RemoveRecord(s.opts.PIDPath); rmErr != nil {
		return 0, false, rmErr
	}
	if err != nil {
		s.logger.Warn("removed unreadable pid record", "path", s.opts.PIDPath, "error", err)
		return 0, false, nil
	}
	if !s.alive(rec.PID) {
		return rec.PID, false, nil
	}

	if err := s.signal(rec.PID, unix.SIGKILL); err != nil {
		return rec.PID, false, err
	}
	s.waitOwnChild(rec.PID, s.opts.GracePeriod)

	s.logger.Info("preempted upgrade worker", "pid", rec.PID)
	return rec.PID, true, nil
}

// Shutdown terminates the worker with SIGTERM, escalating to SIGKILL after the grace
// period, then removes the PID record and the GPU lock file if nobody holds it.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := 0
	if rec, err := ReadRecord(s.opts.PIDPath); err == nil && s.alive(rec.PID) {
		pid = rec.PID
	} else if s.child != nil && s.alive(s.child.Pid) {
		pid = s.child.Pid
	}

	var errs []error
	if pid > 0 {
		if err := s.terminate(ctx, pid); err != nil {
			errs = append(errs, err)
		}
	}
	if err := RemoveRecord(s.opts.PIDPath); err != nil {
		errs = append(errs, err)
	}

	if s.gpuLock != nil {
		held, err := s.gpuLock.Held()
		switch {
		case err != nil:
			errs = append(errs, err)
		case held:
			s.logger.Warn("gpu lock still held at shutdown, leaving lock file", "path", s.gpuLock.Path())
		default:
			if err := s.gpuLock.Remove(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) terminate(ctx context.Context, pid int) error {
	if err := s.signal(pid, unix.SIGTERM); err != nil {
		return err
	}

	deadline := time.NewTimer(s.opts.GracePeriod)
	defer deadline.Stop()
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()

	for s.alive(pid) {
		select {
		case <-ticker.C:
		case <-deadline.C:
			s.logger.Warn("worker ignored SIGTERM, killing", "pid", pid)
			if err := s.signal(pid, unix.SIGKILL); err != nil {
				return err
			}
			s.waitOwnChild(pid, s.opts.GracePeriod)
			return nil
		case <-ctx.Done():
			_ = s.signal(pid, unix.SIGKILL)
			return ctx.Err()
		}
	}
	s.logger.Info("upgrade worker stopped", "pid", pid)
	return nil
}

// signal delivers sig to the worker's process group, falling back to the process
// itself for workers that were started outside the supervisor.
func (s *Supervisor) signal(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to signal worker %d: %w", pid, err)
	}
	return nil
}

func (s *Supervisor) waitOwnChild(pid int, timeout time.Duration) {
	if s.child == nil || s.child.Pid != pid {
		return
	}
	select {
	case <-s.done:
	case <-time.After(timeout):
	}
}
