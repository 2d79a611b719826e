// Package config provides configuration loading and validation for the image pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/persona-imagegen/internal/types"
	"gopkg.in/yaml.v3"
)

// Renderer kinds.
const (
	RendererPlaceholder = "placeholder"
	RendererCommand     = "command"
)

// TierSettings are the render parameters of one tier.
type TierSettings struct {
	Size  int `json:"size,omitempty" yaml:"size,omitempty"`
	Steps int `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// RendererConfig selects and parameterizes the image renderer.
type RendererConfig struct {
	Kind    string        `json:"kind,omitempty" yaml:"kind,omitempty"`       // placeholder or command
	Command string        `json:"command,omitempty" yaml:"command,omitempty"` // executable for the command renderer
	Args    []string      `json:"args,omitempty" yaml:"args,omitempty"`       // text/template arguments
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// WorkerConfig controls the upgrade worker loop.
type WorkerConfig struct {
	IdlePoll     time.Duration `json:"idle_poll,omitempty" yaml:"idle_poll,omitempty"`         // sleep when both queues are empty
	PriorityPoll time.Duration `json:"priority_poll,omitempty" yaml:"priority_poll,omitempty"` // sleep while a priority marker exists
	LockPoll     time.Duration `json:"lock_poll,omitempty" yaml:"lock_poll,omitempty"`         // flock retry interval
	GracePeriod  time.Duration `json:"grace_period,omitempty" yaml:"grace_period,omitempty"`   // SIGTERM wait on shutdown
}

// Config represents the pipeline configuration that can be loaded from a JSON or YAML file.
// All fields are optional; missing values use Default().
type Config struct {
	// Paths
	DataDir   string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`     // queues, markers, lock and PID files
	OutputDir string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"` // rendered artifacts

	DefaultSeed int64                       `json:"default_seed,omitempty" yaml:"default_seed,omitempty"`
	Tiers       map[types.Tier]TierSettings `json:"tiers,omitempty" yaml:"tiers,omitempty"`
	Renderer    RendererConfig              `json:"renderer,omitempty" yaml:"renderer,omitempty"`
	Worker      WorkerConfig                `json:"worker,omitempty" yaml:"worker,omitempty"`

	Port      int    `json:"port,omitempty" yaml:"port,omitempty"`
	LogLevel  string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:     "env",
		OutputDir:   filepath.Join("tmp", "persona"),
		DefaultSeed: types.DefaultSeed,
		Tiers: map[types.Tier]TierSettings{
			types.TierFast:   {Size: 512, Steps: 20},
			types.TierMedium: {Size: 768, Steps: 30},
			types.TierUltra:  {Size: 1024, Steps: 40},
		},
		Renderer: RendererConfig{
			Kind:    RendererPlaceholder,
			Timeout: 10 * time.Minute,
		},
		Worker: WorkerConfig{
			IdlePoll:     30 * time.Second,
			PriorityPoll: 2 * time.Second,
			LockPoll:     25 * time.Millisecond,
			GracePeriod:  5 * time.Second,
		},
		Port:      8080,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadConfig loads configuration from a JSON or YAML file, chosen by extension.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	return &cfg, nil
}

// Load reads the optional file at path, fills missing values from Default(), and applies
// environment overrides.
func Load(path string) (Config, error) {
	file := &Config{}
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return Config{}, err
		}
		file = loaded
	}

	cfg := file.MergeWithDefaults(Default())
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from IMAGEGEN_* environment variables and PORT.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("IMAGEGEN_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("IMAGEGEN_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("IMAGEGEN_RENDERER"); v != "" {
		c.Renderer.Kind = v
	}
	if v := os.Getenv("IMAGEGEN_RENDER_COMMAND"); v != "" {
		c.Renderer.Command = v
	}
	if v := os.Getenv("IMAGEGEN_DEFAULT_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid IMAGEGEN_DEFAULT_SEED: %v", err)
		}
		c.DefaultSeed = seed
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT: %v", err)
		}
		c.Port = port
	}
	return nil
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config error: 'data_dir' must be set")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("config error: 'output_dir' must be set")
	}
	if c.DefaultSeed < 0 {
		return fmt.Errorf("config error: 'default_seed' must be non-negative")
	}

	for _, tier := range types.AllTiers {
		settings, ok := c.Tiers[tier]
		if !ok {
			return fmt.Errorf("config error: missing settings for tier %s", tier)
		}
		if settings.Size <= 0 || settings.Steps <= 0 {
			return fmt.Errorf("config error: tier %s needs positive size and steps", tier)
		}
	}
	for tier := range c.Tiers {
		if !tier.Valid() {
			return fmt.Errorf("config error: unknown tier %q", tier)
		}
	}

	switch c.Renderer.Kind {
	case RendererPlaceholder:
	case RendererCommand:
		if c.Renderer.Command == "" {
			return fmt.Errorf("config error: renderer 'command' requires renderer.command")
		}
	default:
		return fmt.Errorf("config error: unknown renderer kind %q", c.Renderer.Kind)
	}

	if c.Worker.IdlePoll < 0 || c.Worker.PriorityPoll < 0 || c.Worker.LockPoll < 0 || c.Worker.GracePeriod < 0 {
		return fmt.Errorf("config error: worker intervals must be non-negative")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' out of range: %d", c.Port)
	}

	return nil
}

// MergeWithDefaults returns a new Config with unset fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.DataDir == "" {
		result.DataDir = defaults.DataDir
	}
	if result.OutputDir == "" {
		result.OutputDir = defaults.OutputDir
	}
	if result.DefaultSeed == 0 {
		result.DefaultSeed = defaults.DefaultSeed
	}

	tiers := make(map[types.Tier]TierSettings, len(defaults.Tiers))
	for tier, settings := range defaults.Tiers {
		tiers[tier] = settings
	}
	for tier, settings := range c.Tiers {
		base := tiers[tier]
		if settings.Size != 0 {
			base.Size = settings.Size
		}
		if settings.Steps != 0 {
			base.Steps = settings.Steps
		}
		tiers[tier] = base
	}
	result.Tiers = tiers

	if result.Renderer.Kind == "" {
		result.Renderer.Kind = defaults.Renderer.Kind
	}
	if result.Renderer.Timeout == 0 {
		result.Renderer.Timeout = defaults.Renderer.Timeout
	}

	if result.Worker.IdlePoll == 0 {
		result.Worker.IdlePoll = defaults.Worker.IdlePoll
	}
	if result.Worker.PriorityPoll == 0 {
		result.Worker.PriorityPoll = defaults.Worker.PriorityPoll
	}
	if result.Worker.LockPoll == 0 {
		result.Worker.LockPoll = defaults.Worker.LockPoll
	}
	if result.Worker.GracePeriod == 0 {
		result.Worker.GracePeriod = defaults.Worker.GracePeriod
	}

	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.LogLevel == "" {
		result.LogLevel = defaults.LogLevel
	}
	if result.LogFormat == "" {
		result.LogFormat = defaults.LogFormat
	}

	return result
}
