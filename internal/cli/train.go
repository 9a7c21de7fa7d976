package cli

import (
	"github.com/spf13/cobra"

	"drugstore-canary/internal/app"
)

var (
	trainZone     string
	trainCategory string
	trainAsOf     string
	trainOut      string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train ensembles and write model artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkPair(trainZone, trainCategory); err != nil {
			return err
		}
		asOf, err := parseDay("as-of", trainAsOf)
		if err != nil {
			return err
		}

		return getApp().Train(cmd.Context(), app.TrainOptions{
			Zone:     trainZone,
			Category: trainCategory,
			AsOf:     asOf,
			OutDir:   trainOut,
		})
	},
}

func init() {
	trainCmd.Flags().StringVar(&trainZone, "zone", "", "Zone id (defaults to all pairs)")
	trainCmd.Flags().StringVar(&trainCategory, "category", "", "Medicine category id")
	trainCmd.Flags().StringVar(&trainAsOf, "as-of", "", "Last day of training data (YYYY-MM-DD, defaults to yesterday)")
	trainCmd.Flags().StringVar(&trainOut, "out", "", "Output directory (defaults to export.model_dir)")
}
