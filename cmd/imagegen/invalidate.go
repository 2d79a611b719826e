package main

import (
	"fmt"
	"strings"

	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	invalidateTier string
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate KEY",
	Short: "Re-roll a tier of a key with a fresh seed",
	Long: `Discard the artifact of KEY at --tier and render it again with a new seed. The fast
tier and "all" render immediately; medium and ultra are queued for the worker.`,
	Args: cobra.ExactArgs(1),
	RunE: runInvalidate,
}

func init() {
	invalidateCmd.Flags().StringVarP(&invalidateTier, "tier", "t", "", `Tier to invalidate: fast, medium, ultra or "all" (required)`)

	if err := invalidateCmd.MarkFlagRequired("tier"); err != nil {
		panic(fmt.Sprintf("failed to mark tier flag as required: %v", err))
	}

	rootCmd.AddCommand(invalidateCmd)
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	sel := strings.ToLower(invalidateTier)
	res, err := a.orch.Invalidate(cmd.Context(), args[0], sel)
	if err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", args[0], err)
	}
	action := "invalidated"
	if sel == orchestrator.SelectAll {
		action = "invalidated all tiers of"
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintResult(action, res)
	return nil
}
