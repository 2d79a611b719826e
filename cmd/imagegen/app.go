package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonathan/persona-imagegen/internal/config"
	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/orchestrator"
	"github.com/jonathan/persona-imagegen/internal/rendering"
	"github.com/jonathan/persona-imagegen/internal/supervisor"
)

// app is the wiring shared by every command that renders or inspects the pipeline.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	sup    *supervisor.Supervisor
	orch   *orchestrator.Orchestrator
}

// loadConfig reads --config, applies the environment and the global log flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return &cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	return observability.NewLogger(w, cfg.LogLevel, cfg.LogFormat)
}

// newSupervisor builds the supervisor that runs this binary's worker subcommand.
func newSupervisor(cfg *config.Config, logger *slog.Logger) (*supervisor.Supervisor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate imagegen executable: %w", err)
	}
	args := []string{"worker"}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		args = append(args, "--config", abs)
	}
	// the worker inherits the resolved directories even when they came from flags
	env := []string{
		"IMAGEGEN_DATA_DIR=" + cfg.DataDir,
		"IMAGEGEN_OUTPUT_DIR=" + cfg.OutputDir,
	}

	return supervisor.New(supervisor.Options{
		PIDPath:        cfg.PIDPath(),
		WorkerLockPath: cfg.WorkerLockPath(),
		GPULockPath:    cfg.LockPath(),
		LogPath:        cfg.WorkerLogPath(),
		Executable:     exe,
		Args:           args,
		Env:            env,
		GracePeriod:    cfg.Worker.GracePeriod,
		Logger:         observability.Component(logger, "supervisor"),
	}), nil
}

// newApp wires config, logging, renderer, supervisor and orchestrator. Logs go to
// stderr so command output on stdout stays clean.
func newApp(stderr io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	renderer, err := rendering.New(cfg.Renderer, observability.Component(logger, "renderer"))
	if err != nil {
		return nil, err
	}
	sup, err := newSupervisor(cfg, logger)
	if err != nil {
		return nil, err
	}

	var wc orchestrator.WorkerControl
	if spawnWorker {
		wc = sup
	}
	orch := orchestrator.New(cfg, renderer, wc, orchestrator.WithLogger(observability.Component(logger, "orchestrator")))

	return &app{cfg: cfg, logger: logger, sup: sup, orch: orch}, nil
}

// Close waits for background renders.
func (a *app) Close() {
	a.orch.Close()
}
