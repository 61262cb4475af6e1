// Package cmd provides the Chimera command-line interface: alert inspection,
// manual correlation and merge operations, synthetic alert seeding and the
// merge audit trail, all against the same store the server uses.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"chimera/config"
	"chimera/core"
	"chimera/storage"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags shared by all subcommands
var (
	outputJSON bool
	noColor    bool
	quiet      bool
)

const defaultTimeout = 2 * time.Minute

// NewRootCmd creates the chimera CLI with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chimera",
		Short: "Alert correlation and deduplication engine",
		Long: `Chimera ingests security alerts, recognizes duplicates of earlier alerts
and correlates related ones, so analysts see one actionable signal instead of
an alert flood.

Run with no arguments to start the server; the subcommands operate on the
same alert store from the command line.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	rootCmd.AddCommand(newAlertsCmd())
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newCorrelateCmd())
	rootCmd.AddCommand(newFindDuplicateCmd())
	rootCmd.AddCommand(newMergeCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newSeedCmd())
	rootCmd.AddCommand(newAuditCmd())

	return rootCmd
}

// cliEnv bundles the handles a subcommand needs against the live store.
type cliEnv struct {
	cfg    *config.Config
	store  storage.AlertStorageInterface
	engine *core.Engine
	sugar  *zap.SugaredLogger
}

// initEnv opens the configured alert store and wires an engine over it.
// CLI operations publish no merge events: an operator merge is already
// visible in the terminal, and the audit trail is queried separately.
func initEnv() (*cliEnv, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar := logger.Sugar()

	var store storage.AlertStorageInterface
	var closeStore func()

	switch cfg.Storage.Backend {
	case "mongodb":
		mongo, err := storage.NewMongoDB(
			cfg.MongoDB.URI,
			cfg.MongoDB.Database,
			cfg.MongoDB.MaxPoolSize,
			time.Duration(cfg.MongoDB.ConnectTimeout)*time.Second,
			sugar,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		store = storage.NewMongoAlertStorage(mongo, sugar)
		closeStore = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = mongo.Close(ctx)
			cancel()
		}
	default:
		sqlite, err := storage.NewSQLite(cfg.GetSQLitePath(), sugar)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open SQLite at %s: %w", cfg.GetSQLitePath(), err)
		}
		store = storage.NewSQLiteAlertStorage(sqlite, sugar)
		closeStore = func() { _ = sqlite.Close() }
	}

	engine := core.NewEngine(store, nil, core.Options{
		WindowMinutes:    cfg.Engine.WindowMinutes,
		Threshold:        cfg.Engine.Threshold,
		MaxResults:       cfg.Engine.MaxResults,
		AttachCorrelated: cfg.Engine.AttachCorrelated,
	}, sugar, nil)

	env := &cliEnv{cfg: cfg, store: store, engine: engine, sugar: sugar}
	cleanup := func() {
		closeStore()
		_ = logger.Sync()
	}
	return env, cleanup, nil
}

// outputAsJSON writes data as indented JSON to stdout.
func outputAsJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
