package cli

import (
	"github.com/spf13/cobra"

	"drugstore-canary/internal/app"
)

var (
	exportZone      string
	exportCategory  string
	exportAsOf      string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export scored history of one pair as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf, err := parseDay("as-of", exportAsOf)
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			Zone:      exportZone,
			Category:  exportCategory,
			AsOf:      asOf,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportZone, "zone", "", "Zone id")
	exportCmd.Flags().StringVar(&exportCategory, "category", "", "Medicine category id")
	exportCmd.Flags().StringVar(&exportAsOf, "as-of", "", "Last day of data (YYYY-MM-DD, defaults to yesterday)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
