package config

import (
	"path/filepath"

	"github.com/jonathan/persona-imagegen/internal/types"
)

// Queue directory names under the data dir.
const (
	MediumQueueDir = "hq_queue"
	UltraQueueDir  = "uhq_queue"
	PriorityDir    = "priority_queue"
)

// QueueDir returns the queue directory for an upgrade tier, or "" for fast.
func (c *Config) QueueDir(tier types.Tier) string {
	switch tier {
	case types.TierMedium:
		return filepath.Join(c.DataDir, MediumQueueDir)
	case types.TierUltra:
		return filepath.Join(c.DataDir, UltraQueueDir)
	default:
		return ""
	}
}

// PriorityDir is where interactive requests publish priority markers.
func (c *Config) PriorityDir() string {
	return filepath.Join(c.DataDir, PriorityDir)
}

// LockPath is the GPU lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "gpu.lock")
}

// PIDPath is the worker PID record.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "hq_worker.pid")
}

// WorkerLockPath is held by a live worker for its whole lifetime.
func (c *Config) WorkerLockPath() string {
	return filepath.Join(c.DataDir, "hq_worker.lock")
}

// LogsDir holds the detached worker's output.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// WorkerLogPath is the file the detached worker's stdout and stderr are appended to.
func (c *Config) WorkerLogPath() string {
	return filepath.Join(c.LogsDir(), "worker.log")
}

// TierSettingsFor returns the render parameters of tier.
func (c *Config) TierSettingsFor(tier types.Tier) TierSettings {
	return c.Tiers[tier]
}
