package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"drugstore-canary/internal/app"
	"drugstore-canary/internal/config"
	"drugstore-canary/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	dataPath  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "canary",
	Short: "Detect outbreak-like surges in pharmacy medicine sales",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		appHandle.DataPath = dataPath
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().StringVar(&dataPath, "data", "", "Sales CSV to run against an in-memory store instead of Postgres")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(resolveStaleCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

// parseDay parses an optional YYYY-MM-DD flag value; empty yields the zero time.
func parseDay(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s value: %w", flag, err)
	}
	return t, nil
}

// checkPair requires --zone and --category together or not at all.
func checkPair(zone, category string) error {
	if (zone == "") != (category == "") {
		return fmt.Errorf("--zone and --category must be provided together")
	}
	return nil
}
