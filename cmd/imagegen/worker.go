package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonathan/persona-imagegen/internal/filelock"
	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/rendering"
	"github.com/jonathan/persona-imagegen/internal/supervisor"
	"github.com/jonathan/persona-imagegen/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const workerLockTimeout = 2 * time.Second

var (
	workerMetricsAddr string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the upgrade worker in the foreground",
	Long: `Run the upgrade worker: drain the medium and ultra queues under the GPU lock,
pausing whenever an interactive render publishes a priority marker. serve normally
spawns this command itself. A second worker exits immediately.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9091")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logger = observability.Component(logger, "worker")

	lockCtx, cancelLock := context.WithTimeout(cmd.Context(), workerLockTimeout)
	handle, err := filelock.New(cfg.WorkerLockPath()).Acquire(lockCtx)
	cancelLock()
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Info("another upgrade worker is running, exiting", "lock", cfg.WorkerLockPath())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to acquire worker lock: %w", err)
	}
	defer handle.Release() //nolint:errcheck

	// started by hand rather than by serve: publish our own record
	pid := os.Getpid()
	if rec, err := supervisor.ReadRecord(cfg.PIDPath()); err != nil || rec.PID != pid {
		if err := supervisor.WriteRecord(cfg.PIDPath(), supervisor.Record{PID: pid, StartedAt: time.Now().UTC()}); err != nil {
			return err
		}
	}
	defer func() {
		if err := supervisor.RemoveRecordIf(cfg.PIDPath(), pid); err != nil {
			logger.Warn("failed to remove pid record", "error", err)
		}
	}()

	renderer, err := rendering.New(cfg.Renderer, observability.Component(logger, "renderer"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.New(cfg, renderer, logger).Run(ctx)
	})
	if workerMetricsAddr != "" {
		metrics := &http.Server{
			Addr:              workerMetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving worker metrics", "addr", workerMetricsAddr)
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
