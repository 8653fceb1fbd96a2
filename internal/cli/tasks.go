package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/reaper"
)

// ListTasks prints one row per task, optionally only those in status.
func ListTasks(ctx context.Context, eng Engine, w io.Writer, status string) error {
	recs, err := eng.List(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "THREAD\tSTATUS\tNODE\tITERATION\tUPDATED")
	n := 0
	for _, rec := range recs {
		if status != "" && string(rec.Status()) != status {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
			rec.ThreadID, rec.Status(), rec.CurrentNode,
			rec.IterationIndex, rec.MaxIterations,
			rec.UpdatedAt.Local().Format(time.DateTime))
		n++
	}
	if n == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return nil
	}
	return tw.Flush()
}

// InspectTask prints the full record of a task as indented JSON.
func InspectTask(ctx context.Context, eng Engine, w io.Writer, threadID string) error {
	rec, err := eng.Get(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load task %q: %w", threadID, err)
	}
	data, err := json.MarshalIndent(struct {
		*domain.TaskRecord
		Status domain.TaskStatus `json:"status"`
	}{rec, rec.Status()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// RemoveTasks deletes every listed task and reports the ones that failed.
func RemoveTasks(ctx context.Context, eng Engine, w io.Writer, threadIDs []string) error {
	var errs []error
	for _, id := range threadIDs {
		if err := eng.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("remove %q: %w", id, err))
			continue
		}
		fmt.Fprintf(w, "Removed task %q\n", id)
	}
	return errors.Join(errs...)
}

// ReapTasks runs one reaper sweep and prints what it removed.
func ReapTasks(ctx context.Context, r *reaper.Reaper, w io.Writer) error {
	rep, err := r.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Scanned %d task(s), reaped %d.\n", rep.Scanned, len(rep.Reaped))
	if len(rep.Reaped) > 0 {
		fmt.Fprintf(w, "Reaped: %s\n", strings.Join(rep.Reaped, ", "))
	}
	if len(rep.Busy) > 0 {
		fmt.Fprintf(w, "Skipped (busy): %s\n", strings.Join(rep.Busy, ", "))
	}
	return nil
}
