package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/forgesync/internal/control"
	"github.com/vietddude/forgesync/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync, checkpoint and backfill status of every target",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, cleanup := setup()
	defer cleanup()

	ctx := context.Background()
	engine := newEngine(ctx, cfg)
	defer func() {
		_ = engine.Stop(ctx)
	}()

	if err := engine.SeedTargets(ctx); err != nil {
		slog.Error("Failed to seed targets", "error", err)
		os.Exit(1)
	}

	store := engine.Store()
	targets, err := store.Targets.List(ctx)
	if err != nil {
		slog.Error("Failed to list targets", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TARGET\tCOMMITS SYNCED\tPULLS SYNCED\tCOMMITS CP\tPULLS CP\tBACKFILL\tREMAINING")

	for _, t := range targets {
		commitsCP := checkpointCursor(ctx, engine, t.ID, domain.StreamCommits)
		pullsCP := checkpointCursor(ctx, engine, t.ID, domain.StreamPulls)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			t.FullName(),
			formatTime(t.CommitsSyncedAt),
			formatTime(t.PullsSyncedAt),
			commitsCP,
			pullsCP,
			t.Backfill.Phase(),
			t.Backfill.Remaining(),
		)
	}
	_ = w.Flush()
}

// checkpointCursor shows the resumable cursor of a stream, "-" when none.
func checkpointCursor(ctx context.Context, engine *control.Engine, targetID int64, stream domain.Stream) string {
	cp, err := engine.Cursors().Get(ctx, targetID, stream)
	if err != nil {
		return "error"
	}
	if cp == nil {
		return "-"
	}
	return cp.Cursor
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
