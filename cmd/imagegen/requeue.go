package main

import (
	"fmt"

	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/jonathan/persona-imagegen/internal/types"
	"github.com/spf13/cobra"
)

var (
	requeueTier string
)

var requeueCmd = &cobra.Command{
	Use:   "requeue KEY",
	Short: "Redo a tier of a key with its stored prompt and seed",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequeue,
}

func init() {
	requeueCmd.Flags().StringVarP(&requeueTier, "tier", "t", "", "Tier to redo: fast, medium or ultra (required)")

	if err := requeueCmd.MarkFlagRequired("tier"); err != nil {
		panic(fmt.Sprintf("failed to mark tier flag as required: %v", err))
	}

	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) error {
	tier, err := types.ParseTier(requeueTier)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.orch.Requeue(cmd.Context(), args[0], tier)
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", args[0], err)
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintResult("requeued", res)
	return nil
}
