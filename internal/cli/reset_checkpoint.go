package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vietddude/forgesync/internal/core/domain"
)

var (
	resetTarget string
	resetStream string
)

var resetCheckpointCmd = &cobra.Command{
	Use:   "reset-checkpoint",
	Short: "Drop the stored checkpoint of a stream so the next run starts fresh",
	RunE:  runResetCheckpoint,
}

func init() {
	resetCheckpointCmd.Flags().StringVar(&resetTarget, "target", "", "target as owner/name")
	resetCheckpointCmd.Flags().StringVar(&resetStream, "stream", "", "stream to reset: commits or pulls (default both)")
	_ = resetCheckpointCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(resetCheckpointCmd)
}

// parseTarget splits an owner/name argument.
func parseTarget(s string) (string, string, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid target %q, expected owner/name", s)
	}
	return owner, name, nil
}

// parseStreams maps the stream flag to the streams it covers.
func parseStreams(s string) ([]domain.Stream, error) {
	switch s {
	case "":
		return []domain.Stream{domain.StreamCommits, domain.StreamPulls}, nil
	case string(domain.StreamCommits), string(domain.StreamPulls):
		return []domain.Stream{domain.Stream(s)}, nil
	default:
		return nil, fmt.Errorf("invalid stream %q, expected commits or pulls", s)
	}
}

func runResetCheckpoint(cmd *cobra.Command, args []string) error {
	owner, name, err := parseTarget(resetTarget)
	if err != nil {
		return err
	}
	streams, err := parseStreams(resetStream)
	if err != nil {
		return err
	}

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
	target, err := engine.Store().Targets.GetByFullName(ctx, owner, name)
	if err != nil {
		slog.Error("Failed to find target", "target", resetTarget, "error", err)
		os.Exit(1)
	}

	for _, stream := range streams {
		if err := engine.Cursors().Reset(ctx, target.ID, stream); err != nil {
			slog.Error("Failed to reset checkpoint", "stream", stream, "error", err)
			os.Exit(1)
		}
		fmt.Printf("Reset %s checkpoint for %s\n", stream, target.FullName())
	}
	return nil
}
