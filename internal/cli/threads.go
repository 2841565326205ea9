package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	graphview "github.com/aretw0/espalier/internal/presentation/graph"
	"github.com/aretw0/espalier/internal/presentation/tui"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/housekeeping"
	"github.com/aretw0/espalier/pkg/runner"
)

// ListThreads prints one line per thread with its latest position.
func ListThreads(ctx context.Context, stack *Stack, w io.Writer) error {
	ids, err := stack.Engine.Threads(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(w, "No threads.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "THREAD\tSTATUS\tSTEP\tNEXT\tUPDATED")
	for _, id := range ids {
		cp, err := stack.Engine.Latest(ctx, id)
		if err != nil {
			// Deleted between listing and loading.
			if errors.Is(err, domain.ErrUnknownThread) {
				continue
			}
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", id, cp.Status, cp.Step, cp.Next, cp.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// InspectThread prints the checkpoint at step, or the latest one when step is negative.
func InspectThread(ctx context.Context, stack *Stack, threadID string, step int, asJSON bool, w io.Writer, render runner.ContentRenderer) error {
	var cp *domain.Checkpoint
	var err error
	if step < 0 {
		cp, err = stack.Engine.Latest(ctx, threadID)
	} else {
		cp, err = stack.Engine.GetCheckpoint(ctx, threadID, step)
	}
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(w, cp)
	}

	markdown := tui.CheckpointMarkdown(cp)
	if cp.PendingInterrupt != nil {
		markdown += "\n" + tui.InterruptMarkdown(cp.PendingInterrupt)
	}
	return printMarkdown(w, render, markdown)
}

// PrintHistory prints every checkpoint of a thread in step order.
func PrintHistory(ctx context.Context, stack *Stack, threadID string, asJSON bool, w io.Writer, render runner.ContentRenderer) error {
	history, err := stack.Engine.History(ctx, threadID)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(w, history)
	}

	markdown := fmt.Sprintf("# Thread `%s`\n\n", threadID)
	for _, cp := range history {
		markdown += tui.CheckpointMarkdown(cp) + "\n"
	}
	return printMarkdown(w, render, markdown)
}

// DeleteThread removes a thread after checking it exists.
func DeleteThread(ctx context.Context, stack *Stack, threadID string, w io.Writer) error {
	if _, err := stack.Engine.Latest(ctx, threadID); err != nil {
		return err
	}
	if err := stack.Engine.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	fmt.Fprintf(w, ">>> Thread '%s' deleted.\n", threadID)
	return nil
}

// PruneOptions configures Prune; zero values fall back to the housekeeping configuration.
type PruneOptions struct {
	MaxAge   time.Duration
	Workers  int
	DryRun   bool
	Statuses []domain.RunStatus
}

// Prune deletes threads idle for longer than the maximum age.
func Prune(ctx context.Context, stack *Stack, opts PruneOptions, w io.Writer) (*housekeeping.Report, error) {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = stack.Config.Housekeeping.MaxAge
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = stack.Config.Housekeeping.Workers
	}

	pruner, err := housekeeping.NewPruner(stack.Threads, maxAge,
		housekeeping.WithWorkers(workers),
		housekeeping.WithDryRun(opts.DryRun),
		housekeeping.WithStatuses(opts.Statuses...),
		housekeeping.WithLogger(stack.Logger),
	)
	if err != nil {
		return nil, err
	}
	report, err := pruner.Prune(ctx)
	if err != nil {
		return nil, err
	}

	verb := "Deleted"
	names := report.Deleted
	if report.DryRun {
		verb = "Would delete"
		names = report.Expired
	}
	fmt.Fprintf(w, ">>> Scanned %d threads. %s %d.\n", report.Scanned, verb, len(names))
	for _, id := range names {
		fmt.Fprintf(w, "  - %s\n", id)
	}
	for id, reason := range report.Failed {
		fmt.Fprintf(w, "  ! %s: %s\n", id, reason)
	}
	return report, nil
}

// PrintGraph writes the Mermaid diagram of the graph, overlaid with a thread's progress when given.
func PrintGraph(ctx context.Context, stack *Stack, threadID string, w io.Writer) error {
	var overlay *graphview.GraphOverlay
	if threadID != "" {
		history, err := stack.Engine.History(ctx, threadID)
		if err != nil {
			return err
		}
		overlay = graphview.OverlayFromHistory(history)
	}
	_, err := fmt.Fprint(w, graphview.GenerateMermaid(stack.Engine.Graph(), overlay))
	return err
}

func printMarkdown(w io.Writer, render runner.ContentRenderer, markdown string) error {
	if render != nil {
		if out, err := render(markdown); err == nil {
			markdown = out
		}
	}
	_, err := fmt.Fprintln(w, markdown)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
