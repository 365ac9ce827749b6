package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vietddude/forgesync/internal/core/cursor"
	"github.com/vietddude/forgesync/internal/core/domain"
	"github.com/vietddude/forgesync/internal/indexing/indexer"
)

var syncTarget string

var syncOnceCmd = &cobra.Command{
	Use:   "sync-once",
	Short: "Run one sync, enrichment and backfill pass for a target and print the results",
	RunE:  runSyncOnce,
}

func init() {
	syncOnceCmd.Flags().StringVar(&syncTarget, "target", "", "target as owner/name")
	_ = syncOnceCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(syncOnceCmd)
}

func runSyncOnce(cmd *cobra.Command, args []string) error {
	owner, name, err := parseTarget(syncTarget)
	if err != nil {
		return err
	}

	cfg, cleanup := setup()
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := newEngine(ctx, cfg)
	defer func() {
		_ = engine.Stop(context.Background())
	}()

	res, err := engine.SyncOnce(ctx, owner, name)
	if err != nil {
		slog.Error("Pass failed", "target", syncTarget, "error", err)
		os.Exit(1)
	}
	printPass(res)
	return nil
}

func printPass(res indexer.PassResult) {
	fmt.Printf("Target: %s (%s)\n", res.Target, res.Duration)
	printSync("commits", res.Commits)
	printSync("pulls", res.Pulls)
	if e := res.Enrichment; e != nil {
		fmt.Printf("  enrichment: %s local=%d remote=%d stats=%d unresolved=%d%s\n",
			e.Status, e.PhaseAResolved, e.PhaseBResolved, e.StatsFilled, e.Unresolved, errSuffix(e.Err))
	}
	if b := res.Backfill; b != nil {
		fmt.Printf("  backfill: %s phase=%s remaining=%d found=%d%s\n",
			b.Action, b.State.Phase(), b.Remaining(), b.Found, errSuffix(b.Err))
	}
	for _, phase := range res.Skipped {
		fmt.Printf("  %s: skipped (%s)\n", phase, res.StoppedBy)
	}
}

func printSync(name string, r *domain.SyncResult) {
	if r == nil {
		return
	}
	fmt.Println(describeSync(name, r))
}

func describeSync(name string, r *domain.SyncResult) string {
	return fmt.Sprintf("  %s: %s items=%d pages=%d%s\n    %s",
		name, r.Status, r.ItemsProcessed, r.Pages, errSuffix(r.Err), cursor.StateDescription(r.Status.RunState()))
}

func errSuffix(err error) string {
	if err == nil {
		return ""
	}
	return " error=" + err.Error()
}
