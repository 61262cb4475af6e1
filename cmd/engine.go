package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chimera/core"
	"chimera/ingest"

	"github.com/spf13/cobra"
)

// buildNormalizer wires the ingest pipeline over the CLI environment's store
// and engine, loading mapping profiles from the configured directory.
func buildNormalizer(env *cliEnv) (*ingest.Normalizer, error) {
	profiles, err := ingest.LoadProfiles(env.cfg.GetMappingsDir())
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping profiles: %w", err)
	}
	normalizer, err := ingest.NewNormalizer(env.store, env.engine, profiles, env.cfg.Ingest, env.sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to build normalizer: %w", err)
	}
	return normalizer, nil
}

func newCorrelateCmd() *cobra.Command {
	var (
		windowMinutes int
		threshold     float64
	)

	cmd := &cobra.Command{
		Use:   "correlate <alert-id>",
		Short: "Rank alerts correlated with one alert",
		Long: `Score every active alert in the time window against the given alert and
print those above the threshold, best match first. Read-only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			env, cleanup, err := initEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			scored, err := env.engine.Correlate(ctx, args[0], windowMinutes, threshold)
			if err != nil {
				return fmt.Errorf("correlation failed: %w", err)
			}

			if outputJSON {
				return outputAsJSON(scored)
			}

			renderScoredAlerts(args[0], scored)
			return nil
		},
	}

	cmd.Flags().IntVar(&windowMinutes, "window", 0, "Candidate window in minutes (0 = configured default)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum score to report (0 = configured default)")

	return cmd
}

func newFindDuplicateCmd() *cobra.Command {
	var windowMinutes int

	cmd := &cobra.Command{
		Use:   "find-duplicate <alert-id>",
		Short: "Resolve the duplicate-original for an alert without merging",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			env, cleanup, err := initEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			original, err := env.engine.FindDuplicate(ctx, args[0], windowMinutes)
			if err != nil {
				return fmt.Errorf("duplicate resolution failed: %w", err)
			}

			if outputJSON {
				return outputAsJSON(original)
			}

			if original == nil {
				infoColor.Println("No duplicate found in the window")
				return nil
			}
			successColor.Printf("Duplicate of %s\n", original.ID)
			renderAlertDetails(original)
			return nil
		},
	}

	cmd.Flags().IntVar(&windowMinutes, "window", 0, "Candidate window in minutes (0 = configured default)")

	return cmd
}

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <original-id> <duplicate-id>",
		Short: "Fold a duplicate alert into its original",
		Long: `Atomically append the duplicate to the original's members and mark it
merged. Fails if either alert is already merged or the ids are equal.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			env, cleanup, err := initEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			original, err := env.engine.Merge(ctx, args[0], args[1])
			if err != nil {
				var alreadyMerged *core.AlreadyMergedError
				if errors.As(err, &alreadyMerged) {
					return fmt.Errorf("merge rejected: %w (re-run find-duplicate to locate the current original)", err)
				}
				return fmt.Errorf("merge failed: %w", err)
			}

			if outputJSON {
				return outputAsJSON(original)
			}

			successColor.Printf("✓ merged %s into %s\n", args[1], args[0])
			fmt.Printf("  Duplicate count: %d\n", original.DuplicateCount)
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show correlation statistics",
		Long:  "Aggregate deduplication effectiveness over the trailing time range.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours < 1 || hours > 168 {
				return fmt.Errorf("--hours must be between 1 and 168, got %d", hours)
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			env, cleanup, err := initEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			until := time.Now().UTC()
			since := until.Add(-time.Duration(hours) * time.Hour)

			stats, err := env.store.GetCorrelationStatistics(ctx, since, until)
			if err != nil {
				return fmt.Errorf("failed to compute statistics: %w", err)
			}

			if outputJSON {
				return outputAsJSON(stats)
			}

			renderStatistics(stats)
			return nil
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "Trailing time range in hours (1-168)")

	return cmd
}
