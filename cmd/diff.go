package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/reconcile"
	"github.com/paulschiretz/pgl-mirror/pkg/syncmetrics"
)

// RunDiff handles the 'diff' command: it plans a reconciliation and prints it
// without touching the destination.
func RunDiff(ctx context.Context, flagMap map[string]interface{}) error {
	return runDiff(ctx, os.Stdout, flagMap)
}

func runDiff(ctx context.Context, w io.Writer, flagMap map[string]interface{}) error {
	runConfig, err := loadRunConfig(flagMap, true)
	if err != nil {
		return err
	}

	if err := preflight.CheckSourceAccessible(runConfig.Source); err != nil {
		return err
	}
	if err := preflight.CheckTargetAccessible(runConfig.Target); err != nil {
		return err
	}
	if err := preflight.CheckDistinct(runConfig.Source, runConfig.Target); err != nil {
		return err
	}

	rec := newReconciler(runConfig, &syncmetrics.NoopMetrics{})
	src, dst, err := rec.Scan(ctx)
	if err != nil {
		return err
	}
	plan := reconcile.BuildPlan(src, dst, runConfig.Sync.SyncEmptyDir)
	renderPlan(w, plan)
	return nil
}

// renderPlan writes plan as a table followed by a one-line summary.
func renderPlan(w io.Writer, plan *reconcile.Plan) {
	if plan.Empty() {
		fmt.Fprintf(w, "Destination is up to date (%d files matched).\n", plan.Matched)
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Action", "Path", "Replaces", "Size"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	var bytes uint64
	for _, a := range plan.Actions {
		replaces, size := "-", "-"
		if a.OldRelPath != "" {
			replaces = a.OldRelPath
		}
		if a.Kind != reconcile.ActionMkdir {
			size = humanize.IBytes(uint64(a.Source.Size))
			bytes += uint64(a.Source.Size)
		}
		table.Append([]string{a.Kind.String(), a.RelPath, replaces, size})
	}
	table.Render()

	fmt.Fprintf(w, "\n%d to copy, %d to rename, %d directories to create, %s to write, %d files matched.\n",
		plan.Count(reconcile.ActionCopy),
		plan.Count(reconcile.ActionRename),
		plan.Count(reconcile.ActionMkdir),
		humanize.IBytes(bytes),
		plan.Matched)
}
