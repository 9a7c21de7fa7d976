package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"drugstore-canary/internal/app"
)

var (
	backfillFrom   string
	backfillTo     string
	backfillNotify bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Replay daily sweeps over a historical date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := parseDay("from", backfillFrom)
		if err != nil {
			return err
		}
		to, err := parseDay("to", backfillTo)
		if err != nil {
			return err
		}
		if to.Before(from) {
			return fmt.Errorf("--from must not be after --to")
		}

		opts := app.BackfillOptions{
			From:   from,
			To:     to,
			Notify: backfillNotify,
		}
		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "First day to replay (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "Last day to replay (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().BoolVar(&backfillNotify, "notify", false, "Send notifications for replayed alerts")
}
