package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"daowatch/internal/app"
)

var (
	backfillOrg       string
	backfillFromBlock uint64
	backfillDuration  time.Duration
	backfillDryRun    bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Ingest historical chain events from a block height",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillOrg == "" {
			return fmt.Errorf("--org must be provided")
		}
		if backfillFromBlock == 0 {
			return fmt.Errorf("--from-block must be greater than zero")
		}

		opts := app.BackfillOptions{
			OrganizationID: backfillOrg,
			FromBlock:      backfillFromBlock,
			Duration:       backfillDuration,
			DryRun:         backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillOrg, "org", "", "Organization id")
	backfillCmd.Flags().Uint64Var(&backfillFromBlock, "from-block", 0, "First block to scan")
	backfillCmd.Flags().DurationVar(&backfillDuration, "duration", 2*time.Minute, "How long to poll before stopping")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Decode without writing to storage")
}
