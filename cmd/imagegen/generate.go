package main

import (
	"fmt"

	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/types"
	"github.com/spf13/cobra"
)

var (
	generatePrompt string
	generateSeed   int64
)

var generateCmd = &cobra.Command{
	Use:   "generate KEY",
	Short: "Render the fast tier of a key and queue its upgrades",
	Long: `Render the fast tier of KEY, unless an artifact already exists, and queue the medium
upgrade for the background worker. Prints the path of the best available artifact.`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&generatePrompt, "prompt", "p", "", "Prompt to render (required)")
	generateCmd.Flags().Int64Var(&generateSeed, "seed", 0, "Seed for the render (default: configured default seed)")

	if err := generateCmd.MarkFlagRequired("prompt"); err != nil {
		panic(fmt.Sprintf("failed to mark prompt flag as required: %v", err))
	}

	rootCmd.AddCommand(generateCmd)
}

// seedFlag returns the --seed value only when it was set explicitly.
func seedFlag(cmd *cobra.Command, v int64) *int64 {
	if !cmd.Flags().Changed("seed") {
		return nil
	}
	return types.SeedPtr(v)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.orch.Generate(cmd.Context(), args[0], generatePrompt, seedFlag(cmd, generateSeed))
	if err != nil {
		return fmt.Errorf("failed to generate %s: %w", args[0], err)
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintResult("generated", res)
	return nil
}
