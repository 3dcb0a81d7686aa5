package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/powerman/structlog"
	"github.com/spf13/cobra"

	"github.com/gridcast/gridcast/internal/config"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gridcast",
		Short:         "Ingest hourly electricity demand and keep a 24-hour forecast current",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			setupLogging(cfg.Log.Level)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: dbg, inf, wrn or err (default: from config)")

	root.AddCommand(ingestCmd())
	root.AddCommand(forecastCmd())
	root.AddCommand(backfillCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func setupLogging(level string) {
	structlog.DefaultLogger.
		SetLogLevel(structlog.ParseLevel(level)).
		SetPrefixKeys(
			structlog.KeyApp, structlog.KeyPID, structlog.KeyLevel, structlog.KeyUnit, structlog.KeyTime,
		).
		SetDefaultKeyvals(
			structlog.KeyApp, filepath.Base(os.Args[0]),
			structlog.KeySource, structlog.Auto,
		).
		SetSuffixKeys(structlog.KeyStack, structlog.KeySource).
		SetKeysFormat(map[string]string{
			structlog.KeyTime:   " %[2]s",
			structlog.KeySource: " %6[2]s",
			structlog.KeyUnit:   " %8[2]s",
		}).
		SetTimeFormat("2006-01-02 15:04:05")
}

func ingestCmd() *cobra.Command {
	var (
		date       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch one day of demand and upsert it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), date, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "calendar day YYYY-MM-DD in the region time zone (default: today)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func forecastCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast the hours after the latest ingested hour",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForecast(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func backfillCmd() *cobra.Command {
	var (
		from, to   string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Ingest every day in a date range, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd.Context(), from, to, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "first day YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last day YYYY-MM-DD (default: today)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.MarkFlagRequired("from")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		port int
		once bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with hourly scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if once {
				return runOnce(cmd.Context())
			}
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	cmd.Flags().BoolVar(&once, "once", false, "run ingestion and forecast once, with retries, then exit")
	return cmd
}
