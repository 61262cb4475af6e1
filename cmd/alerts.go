package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chimera/core"

	"github.com/spf13/cobra"
)

// maxSubmitFileSize bounds a submitted payload file to protect against
// memory exhaustion from an accidental path.
const maxSubmitFileSize = 10 * 1024 * 1024

func newAlertsCmd() *cobra.Command {
	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect stored alerts",
	}
	alertsCmd.AddCommand(newAlertsListCmd())
	alertsCmd.AddCommand(newAlertsShowCmd())
	return alertsCmd
}

func newAlertsListCmd() *cobra.Command {
	var (
		statuses      []string
		severities    []string
		sources       []string
		limit         int
		onlyOriginals bool
		duplicateOf   string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List alerts",
		Long:    "Display a table of stored alerts, newest first, with dedup bookkeeping.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			env, cleanup, err := initEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			filters := core.NewAlertFilters()
			filters.Limit = limit
			filters.Statuses = statuses
			filters.Severities = severities
			filters.Sources = sources
			filters.OnlyOriginals = onlyOriginals
			filters.DuplicateOf = duplicateOf

			alerts, total, err := env.store.ListAlerts(ctx, filters)
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}

			if outputJSON {
				return outputAsJSON(alerts)
			}

			renderAlertsTable(alerts, total)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (active, merged, ...)")
	cmd.Flags().StringSliceVar(&severities, "severity", nil, "Filter by severity")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "Filter by originating source")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum alerts to display")
	cmd.Flags().BoolVar(&onlyOriginals, "originals", false, "Only alerts that absorbed at least one duplicate")
	cmd.Flags().StringVar(&duplicateOf, "duplicate-of", "", "Members of one dedup group")

	return cmd
}

func newAlertsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <alert-id>",
		Short: "Show one alert in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			env, cleanup, err := initEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			alert, err := env.store.GetAlert(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get alert: %w", err)
			}

			if outputJSON {
				return outputAsJSON(alert)
			}

			renderAlertDetails(alert)
			return nil
		},
	}
}

func newSubmitCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "submit <payload.json>",
		Short: "Ingest a raw alert payload from a file",
		Long: `Read a provider payload (JSON object or array of objects), normalize it
through the mapping profile for --source, store it and run deduplication.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validatePayloadPath(args[0]); err != nil {
				return err
			}

			info, err := os.Stat(args[0])
			if err != nil {
				return fmt.Errorf("cannot read payload file: %w", err)
			}
			if info.Size() > maxSubmitFileSize {
				return fmt.Errorf("payload file too large: %d bytes (max %d)", info.Size(), maxSubmitFileSize)
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("cannot read payload file: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			env, cleanup, err := initEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			normalizer, err := buildNormalizer(env)
			if err != nil {
				return err
			}

			batch, err := normalizer.IngestJSONBatch(ctx, source, raw)
			if err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}

			if outputJSON {
				return outputAsJSON(batch)
			}

			renderBatchResult(batch)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "default", "Source name selecting the mapping profile")

	return cmd
}

// validatePayloadPath rejects path traversal out of the working directory.
// Payload files are operator input, but the CLI may run under a service
// account whose cwd is the data directory; keep reads inside it.
func validatePayloadPath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal detected: '..' not allowed in file path")
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	if !strings.HasPrefix(absPath, workDir) {
		return fmt.Errorf("path escapes current directory")
	}
	return nil
}
