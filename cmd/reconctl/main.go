// Command reconctl runs backfills, imports and comparisons against the
// invoice database without the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/warp/invoice-recon/config"
	"github.com/warp/invoice-recon/logger"
	"github.com/warp/invoice-recon/store/sqlite"
)

var version = "0.1.0"

// Set by the root command's PersistentPreRunE.
var (
	cfg   *config.Config
	store *sqlite.Store
)

var rootCmd = &cobra.Command{
	Use:   "reconctl",
	Short: "Invoice reconciliation tool",
	Long: `reconctl compares invoice lines year over year, imports invoice
spreadsheets and resolves free-text manager names to users.

Configuration comes from the environment (and a local .env file):
  DB_PATH              SQLite database (default invoices.db)
  BACKFILL_BATCH_SIZE  Lines per backfill batch (default 200)
  PAIRING_TOLERANCE    Unit price tolerance for pairing (default 0.01)
  LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
		}

		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		logCfg := cfg.LoggerConfig()
		if logCfg.Output == "stdout" {
			// stdout carries command output
			logCfg.Output = "stderr"
		}
		if err := logger.Setup(logCfg); err != nil {
			return fmt.Errorf("logger: %w", err)
		}

		if db, _ := cmd.Flags().GetString("db"); db != "" {
			cfg.DBPath = db
		}
		store, err = sqlite.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", cfg.DBPath, err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if store != nil {
			return store.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides DB_PATH)")
}

func main() {
	// Interrupt stops backfills and imports between batches.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		l := logger.WithComponent("cmd")
		l.Error().Err(err).Msg("command failed")
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}
