// Command awapctl inspects and maintains the event log offline. Stop the API
// before running repair or snapshot against the same database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"marking-backend/internal/bootstrap"
	"marking-backend/internal/eventlog"
	"marking-backend/internal/projection"
	"marking-backend/internal/shared/config"
	"marking-backend/internal/shared/telemetry"
)

// opener returns an open event log and a func that releases it.
type opener func(ctx context.Context) (*eventlog.Log, func() error, error)

var errBroken = errors.New("event log continuity is broken")

func main() {
	open := func(ctx context.Context) (*eventlog.Log, func() error, error) {
		cfg := config.Load()
		telemetry.Configure(cfg.LogLevel, cfg.LogPretty)
		log, _, closer, err := bootstrap.OpenEventLog(ctx, cfg)
		return log, closer, err
	}
	if err := rootCmd(open).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "awapctl",
		Short:         "Event log maintenance for the marking backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(verifyCmd(open), repairCmd(open), rebuildCmd(open), snapshotCmd(open))
	return cmd
}

func withLog(cmd *cobra.Command, open opener, fn func(ctx context.Context, log *eventlog.Log) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log, closer, err := open(ctx)
	if err != nil {
		return err
	}
	defer closer()
	return fn(ctx, log)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func verifyCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check sequence and hash continuity of the whole log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLog(cmd, open, func(ctx context.Context, log *eventlog.Log) error {
				report, err := log.Verify(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, report); err != nil {
					return err
				}
				if report.Broken {
					return errBroken
				}
				return nil
			})
		},
	}
}

func repairCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Truncate the log after the last good record and re-enable writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLog(cmd, open, func(ctx context.Context, log *eventlog.Log) error {
				report, err := log.Repair(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
}

type rebuildResult struct {
	Head       uint64   `json:"head"`
	Documents  int      `json:"documents"`
	Snapshots  int      `json:"snapshots"`
	Mismatches []string `json:"mismatches,omitempty"`
}

func rebuildCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Replay the full log and compare it with snapshot recovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLog(cmd, open, func(ctx context.Context, log *eventlog.Log) error {
				replayed := projection.NewEngine()
				if err := replayed.Rebuild(ctx, log); err != nil {
					return err
				}
				snaps, err := log.LatestSnapshots(ctx)
				if err != nil {
					return err
				}
				recovered := projection.NewEngine()
				if err := recovered.Recover(ctx, log, snaps); err != nil {
					return err
				}
				result := rebuildResult{
					Head:       replayed.Head(),
					Documents:  len(replayed.Documents()),
					Snapshots:  len(snaps),
					Mismatches: compareProjections(replayed.Documents(), recovered.Documents()),
				}
				if err := printJSON(cmd, result); err != nil {
					return err
				}
				if len(result.Mismatches) > 0 {
					return fmt.Errorf("snapshot recovery differs from full replay for %d documents", len(result.Mismatches))
				}
				return nil
			})
		},
	}
}

func snapshotCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Write a snapshot of every document at the current head",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLog(cmd, open, func(ctx context.Context, log *eventlog.Log) error {
				engine := projection.NewEngine()
				if err := engine.Rebuild(ctx, log); err != nil {
					return err
				}
				written := 0
				for _, doc := range engine.Documents() {
					snap, err := engine.Snapshot(doc.ID)
					if err != nil {
						return err
					}
					if err := log.SaveSnapshot(ctx, snap); err != nil {
						return err
					}
					written++
				}
				return printJSON(cmd, map[string]any{"head": engine.Head(), "snapshots": written})
			})
		},
	}
}

// compareProjections lists document ids whose folded state differs.
func compareProjections(want, got []projection.Document) []string {
	byID := make(map[string]projection.Document, len(got))
	for _, doc := range got {
		byID[doc.ID] = doc
	}
	var out []string
	for _, w := range want {
		g, ok := byID[w.ID]
		delete(byID, w.ID)
		if !ok || !sameDocument(w, g) {
			out = append(out, w.ID)
		}
	}
	for id := range byID {
		out = append(out, id)
	}
	return out
}

func sameDocument(a, b projection.Document) bool {
	if a.Status != b.Status || a.Deleted != b.Deleted || a.LastSequence != b.LastSequence ||
		a.IdentityHash != b.IdentityHash || a.HasResult != b.HasResult ||
		a.Result.Total != b.Result.Total || a.Result.Grade != b.Result.Grade ||
		len(a.Result.Criteria) != len(b.Result.Criteria) {
		return false
	}
	for i := range a.Result.Criteria {
		if a.Result.Criteria[i] != b.Result.Criteria[i] {
			return false
		}
	}
	return true
}
