package main

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/jonathan/persona-imagegen/internal/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var (
	warmManifest    string
	warmConcurrency int
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Pre-render the fast tier of every key in a manifest",
	Long: `Render the fast tier of every key listed in a YAML manifest and queue the upgrades.
Keys that already have an artifact are skipped. The manifest is a list of entries:

  - key: ada
    prompt: portrait of a mathematician
    seed: 7`,
	Args: cobra.NoArgs,
	RunE: runWarm,
}

func init() {
	warmCmd.Flags().StringVarP(&warmManifest, "manifest", "m", "", "Path to the YAML manifest (required)")
	warmCmd.Flags().IntVarP(&warmConcurrency, "concurrency", "c", 2, "Renders in flight at once; they still take turns on the GPU lock")

	if err := warmCmd.MarkFlagRequired("manifest"); err != nil {
		panic(fmt.Sprintf("failed to mark manifest flag as required: %v", err))
	}

	rootCmd.AddCommand(warmCmd)
}

// warmEntry is one manifest line.
type warmEntry struct {
	Key    string `yaml:"key" validate:"required,key"`
	Prompt string `yaml:"prompt" validate:"required,max=4000"`
	Seed   *int64 `yaml:"seed,omitempty" validate:"omitempty,gte=0"`
}

// loadManifest reads and validates a warm manifest.
func loadManifest(path string) ([]warmEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var entries []warmEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	seen := make(map[string]bool, len(entries))
	for i := range entries {
		if err := types.Validator().Struct(&entries[i]); err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		if seen[entries[i].Key] {
			return nil, fmt.Errorf("manifest entry %d: duplicate key %q", i, entries[i].Key)
		}
		seen[entries[i].Key] = true
	}
	return entries, nil
}

func runWarm(cmd *cobra.Command, _ []string) error {
	if warmConcurrency < 1 {
		return fmt.Errorf("--concurrency must be at least 1, got %d", warmConcurrency)
	}
	entries, err := loadManifest(warmManifest)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	var rendered, cached atomic.Int64
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(warmConcurrency)
	for _, e := range entries {
		g.Go(func() error {
			if _, _, ok := a.orch.GetCached(e.Key); ok {
				cached.Add(1)
				return nil
			}
			if _, err := a.orch.Generate(ctx, e.Key, e.Prompt, e.Seed); err != nil {
				return fmt.Errorf("failed to warm %s: %w", e.Key, err)
			}
			rendered.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "warmed %d keys (%d rendered, %d cached)\n", //nolint:errcheck
		len(entries), rendered.Load(), cached.Load())
	return nil
}
