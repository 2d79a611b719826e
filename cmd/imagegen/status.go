package main

import (
	"encoding/json"
	"fmt"

	"github.com/jonathan/persona-imagegen/internal/observability"
	"github.com/spf13/cobra"
)

var (
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status [KEY]",
	Short: "Show queue and worker status, or the status of one key",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON instead of a summary box")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	printer := observability.NewPrinter(cmd.OutOrStdout())
	if len(args) == 1 {
		status, err := a.orch.Status(args[0])
		if err != nil {
			return fmt.Errorf("failed to read status of %s: %w", args[0], err)
		}
		if statusJSON {
			return writeJSON(cmd, status)
		}
		printer.PrintKeyStatus(status)
		return nil
	}

	status, err := a.orch.QueueStatus()
	if err != nil {
		return fmt.Errorf("failed to read queue status: %w", err)
	}
	if statusJSON {
		return writeJSON(cmd, status)
	}
	printer.PrintQueueStatus(status)
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
