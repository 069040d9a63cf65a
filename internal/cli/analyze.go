package cli

import (
	"github.com/spf13/cobra"
)

var analyzeOrg string

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyse treasury composition, risk and rebalancing once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Analyze(cmd.Context(), analyzeOrg)
	},
}

var yieldsCmd = &cobra.Command{
	Use:   "yields",
	Short: "List catalog yield opportunities ranked by risk-adjusted APY",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Yields(cmd.Context())
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeOrg, "org", "", "Organization id (defaults to all configured)")
}
