package cmd

import (
	"context"
	"fmt"
	"time"

	"chimera/config"
	"chimera/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newAuditCmd() *cobra.Command {
	var (
		originalID string
		hours      int
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the merge audit trail",
		Long: `List committed merges from the ClickHouse audit sink, newest first.
Requires clickhouse.enabled in the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours < 1 || hours > 24*90 {
				return fmt.Errorf("--hours must be between 1 and %d, got %d", 24*90, hours)
			}

			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cfg.ClickHouse.Enabled {
				return fmt.Errorf("merge audit requires clickhouse.enabled in the configuration")
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			audit, err := storage.NewClickHouseAudit(storage.ClickHouseOptions{
				Addr:        cfg.ClickHouse.Addr,
				Database:    cfg.ClickHouse.Database,
				Username:    cfg.ClickHouse.Username,
				Password:    cfg.ClickHouse.Password,
				TLS:         cfg.ClickHouse.TLS,
				MaxPoolSize: cfg.ClickHouse.MaxPoolSize,
				TTLDays:     cfg.ClickHouse.AuditTTL,
			}, logger.Sugar())
			if err != nil {
				return fmt.Errorf("failed to connect to ClickHouse: %w", err)
			}
			defer audit.Close()

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			until := time.Now().UTC()
			since := until.Add(-time.Duration(hours) * time.Hour)

			entries, err := audit.QueryMerges(ctx, originalID, since, until, limit)
			if err != nil {
				return fmt.Errorf("audit query failed: %w", err)
			}

			if outputJSON {
				return outputAsJSON(entries)
			}

			renderAuditEntries(entries, since, until)
			return nil
		},
	}

	cmd.Flags().StringVar(&originalID, "original", "", "Only merges into this alert id")
	cmd.Flags().IntVar(&hours, "hours", 24, "Trailing time range in hours")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum rows to display")

	return cmd
}
