package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonathan/persona-imagegen/internal/config"
	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/server"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
)

// shutdownSlack is added to the worker grace period when serve stops the worker.
const shutdownSlack = 2 * time.Second

var (
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API server. The server keeps the upgrade worker alive, queues
missing medium upgrades at startup, and stops the worker when it exits.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config and PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	if cmd.Flags().Changed("port") {
		a.cfg.Port = servePort
	}

	var jwtCfg *config.JWTConfig
	if config.JWTEnabled() {
		if jwtCfg, err = config.NewJWTConfig(); err != nil {
			return err
		}
	}

	srv, err := server.New(server.Config{
		Port:         a.cfg.Port,
		Orchestrator: a.orch,
		JWT:          jwtCfg,
		Logger:       a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services := []suture.Service{srv, &backfill{orch: a.orch, logger: a.logger}}
	if spawnWorker {
		services = append(services, &watchdog{
			worker:   a.sup,
			markers:  a.orch.Markers(),
			interval: watchdogInterval,
			logger:   observability.Component(a.logger, "watchdog"),
		})
	}

	tree := newServiceTree(a.logger, services...)
	serveErr := tree.Serve(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	// no background render may respawn the worker once it is being stopped
	a.orch.Close()
	if !spawnWorker {
		return serveErr
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Worker.GracePeriod+shutdownSlack)
	defer cancel()
	if err := a.sup.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("worker shutdown incomplete", "error", err)
		serveErr = errors.Join(serveErr, err)
	}
	return serveErr
}
