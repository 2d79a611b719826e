// Package main provides the imagegen binary: the HTTP API server, the detached upgrade
// worker, and operator commands for the tiered image pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	logLevel    string
	logFormat   string
	spawnWorker bool
)

var rootCmd = &cobra.Command{
	Use:   "imagegen",
	Short: "Tiered image generation pipeline",
	Long: `imagegen renders images in quality tiers. A fast tier is rendered on request; medium
and ultra upgrades are produced in the background by a detached worker process that
yields the GPU to interactive requests.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSON or YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&spawnWorker, "spawn-worker", true, "Start the detached upgrade worker when upgrades are queued")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
