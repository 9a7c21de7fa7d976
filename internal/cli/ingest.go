package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	ingestFile   string
	ingestDryRun bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load a sales CSV into Postgres",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestFile == "" {
			return fmt.Errorf("--file must be provided")
		}
		return getApp().Ingest(cmd.Context(), ingestFile, ingestDryRun)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "Sales CSV (pharmacy_id,zone_id,medicine_category,date,quantity_sold)")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Parse only, without writing to storage")
}
