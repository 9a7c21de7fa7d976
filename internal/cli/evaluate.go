package cli

import (
	"github.com/spf13/cobra"

	"drugstore-canary/internal/app"
)

var (
	evaluateZone     string
	evaluateCategory string
	evaluateAsOf     string
	evaluateNotify   bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one pair, or every configured pair, once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkPair(evaluateZone, evaluateCategory); err != nil {
			return err
		}
		asOf, err := parseDay("as-of", evaluateAsOf)
		if err != nil {
			return err
		}

		return getApp().Evaluate(cmd.Context(), app.EvaluateOptions{
			Zone:     evaluateZone,
			Category: evaluateCategory,
			AsOf:     asOf,
			Notify:   evaluateNotify,
		})
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateZone, "zone", "", "Zone id")
	evaluateCmd.Flags().StringVar(&evaluateCategory, "category", "", "Medicine category id")
	evaluateCmd.Flags().StringVar(&evaluateAsOf, "as-of", "", "Last day of data to evaluate (YYYY-MM-DD, defaults to yesterday)")
	evaluateCmd.Flags().BoolVar(&evaluateNotify, "notify", false, "Send notifications for created alerts")
}
