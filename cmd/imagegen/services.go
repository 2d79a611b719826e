package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/orchestrator"
	"github.com/jonathan/persona-imagegen/internal/queue"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

const watchdogInterval = 30 * time.Second

// workerStarter is the part of the supervisor the watchdog needs.
type workerStarter interface {
	EnsureRunning(ctx context.Context) (pid int, spawned bool, err error)
}

// watchdog restarts a crashed upgrade worker. It stays quiet while interactive
// renders hold priority markers, since they restart the worker themselves.
type watchdog struct {
	worker   workerStarter
	markers  *queue.Markers
	interval time.Duration
	logger   *slog.Logger
}

func (w *watchdog) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.check(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *watchdog) check(ctx context.Context) {
	if w.markers.Any() {
		return
	}
	pid, spawned, err := w.worker.EnsureRunning(ctx)
	switch {
	case err != nil:
		w.logger.Error("failed to ensure upgrade worker", "error", err)
	case spawned:
		w.logger.Info("restarted upgrade worker", "pid", pid)
	}
}

func (w *watchdog) String() string {
	return "worker-watchdog"
}

// backfill queues missing medium upgrades once at startup.
type backfill struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

func (b *backfill) Serve(ctx context.Context) error {
	n, err := b.orch.Backfill(ctx)
	if err != nil {
		// retried by the supervisor with backoff
		return err
	}
	if n > 0 {
		b.logger.Info("backfilled medium upgrades", "queued", n)
	}
	return suture.ErrDoNotRestart
}

func (b *backfill) String() string {
	return "startup-backfill"
}

// newServiceTree builds the suture tree that supervises the long-running parts of
// serve, logging its events through logger.
func newServiceTree(logger *slog.Logger, services ...suture.Service) *suture.Supervisor {
	tree := suture.New("imagegen", suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: observability.Component(logger, "services")}).MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          40 * time.Second,
	})
	for _, svc := range services {
		tree.Add(svc)
	}
	return tree
}
