package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"drugstore-canary/internal/app"
)

var (
	alertsLimit      int
	alertsActiveOnly bool
	summaryZone      string
	staleMaxAge      time.Duration
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.AlertsOptions{
			Limit:      alertsLimit,
			ActiveOnly: alertsActiveOnly,
		}
		return getApp().ShowAlerts(cmd.Context(), opts)
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize active alerts, or show the status of one zone",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Summary(cmd.Context(), summaryZone)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Resolve an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid alert id %q: %w", args[0], err)
		}
		return getApp().Resolve(cmd.Context(), id)
	},
}

var resolveStaleCmd = &cobra.Command{
	Use:   "resolve-stale",
	Short: "Resolve active alerts older than the auto-resolve age",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ResolveStale(cmd.Context(), staleMaxAge)
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
	alertsCmd.Flags().BoolVar(&alertsActiveOnly, "active", false, "Only show active alerts")
	summaryCmd.Flags().StringVar(&summaryZone, "zone", "", "Show the status of one zone")
	resolveStaleCmd.Flags().DurationVar(&staleMaxAge, "max-age", 0, "Override alerting.auto_resolve_age")
}
