package main

import (
	"fmt"

	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/types"
	"github.com/spf13/cobra"
)

var (
	experimentPrompt string
	experimentTier   string
	experimentSeed   int64
)

var experimentCmd = &cobra.Command{
	Use:   "experiment KEY",
	Short: "Render an experiment variant of a key",
	Long: `Render KEY with an alternative prompt or seed under an experiment name. Experiment
artifacts sit beside the canonical ones and never replace them.`,
	Args: cobra.ExactArgs(1),
	RunE: runExperiment,
}

func init() {
	experimentCmd.Flags().StringVarP(&experimentPrompt, "prompt", "p", "", "Prompt to render (required)")
	experimentCmd.Flags().StringVarP(&experimentTier, "tier", "t", "", "Tier to render: fast, medium or ultra (required)")
	experimentCmd.Flags().Int64Var(&experimentSeed, "seed", 0, "Seed for the render (default: configured default seed)")

	for _, name := range []string{"prompt", "tier"} {
		if err := experimentCmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("failed to mark %s flag as required: %v", name, err))
		}
	}

	rootCmd.AddCommand(experimentCmd)
}

func runExperiment(cmd *cobra.Command, args []string) error {
	tier, err := types.ParseTier(experimentTier)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.orch.Experiment(cmd.Context(), args[0], experimentPrompt, seedFlag(cmd, experimentSeed), tier)
	if err != nil {
		return fmt.Errorf("failed to run experiment for %s: %w", args[0], err)
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintResult("experiment", res)
	return nil
}
