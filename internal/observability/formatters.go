// Package observability provides structured logging, Prometheus metrics, and formatted
// CLI output for the image pipeline.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/jonathan/persona-imagegen/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for the status commands
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintQueueStatus outputs queue depths, priority markers and worker liveness.
func (p *Printer) PrintQueueStatus(status *types.QueueStatus) {
	if status == nil {
		return
	}

	var sb strings.Builder
	if status.WorkerAlive {
		sb.WriteString(fmt.Sprintf("Worker:   running (pid %d)\n", status.WorkerPID))
	} else {
		sb.WriteString("Worker:   stopped\n")
	}
	sb.WriteString(fmt.Sprintf("Medium:   %d pending\n", status.Depth[types.TierMedium]))
	sb.WriteString(fmt.Sprintf("Ultra:    %d pending\n", status.Depth[types.TierUltra]))

	if len(status.Markers) > 0 {
		sb.WriteString("\nPriority markers:\n")
		count := min(len(status.Markers), maxItemsToShow)
		for i := 0; i < count; i++ {
			sb.WriteString(fmt.Sprintf("  • %s\n", status.Markers[i]))
		}
		if len(status.Markers) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(status.Markers)-maxItemsToShow))
		}
	}

	p.printBox("UPGRADE PIPELINE", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintKeyStatus outputs the artifacts and pending work of one key.
func (p *Printer) PrintKeyStatus(status *types.KeyStatus) {
	if status == nil {
		return
	}

	var sb strings.Builder
	if len(status.Tiers) == 0 {
		sb.WriteString("Artifacts: none\n")
	} else {
		names := make([]string, len(status.Tiers))
		for i, tier := range status.Tiers {
			names[i] = tier.String()
		}
		sb.WriteString(fmt.Sprintf("Artifacts: %s\n", strings.Join(names, ", ")))
		sb.WriteString(fmt.Sprintf("Best:      %s\n", status.Best))
	}
	if len(status.Pending) > 0 {
		names := make([]string, len(status.Pending))
		for i, tier := range status.Pending {
			names[i] = tier.String()
		}
		sb.WriteString(fmt.Sprintf("Queued:    %s\n", strings.Join(names, ", ")))
	}
	if status.Generating {
		sb.WriteString("Rendering: in progress\n")
	}
	if status.Prioritized {
		sb.WriteString("Priority:  marker published\n")
	}

	p.printBox(fmt.Sprintf("KEY %s", status.Key), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintResult outputs the outcome of a generate, invalidate, requeue or experiment command.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintResult(action string, result *types.ImageResult) {
	if result == nil {
		return
	}
	line := fmt.Sprintf("%s %s", action, result.Key)
	if result.Tier != "" {
		line += fmt.Sprintf(" [%s]", result.Tier)
	}
	if result.Seed != nil {
		line += fmt.Sprintf(" seed=%d", *result.Seed)
	}
	switch {
	case result.Path != "":
		line += " -> " + result.Path
	case result.Queued:
		line += " -> queued"
	case result.Generating:
		line += " -> generating"
	}
	fmt.Fprintln(p.out, line)
}
