package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"daowatch/internal/app"
)

var (
	eventsOrg   string
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Display recently persisted chain events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ListOptions{
			OrganizationID: eventsOrg,
			Limit:          eventsLimit,
		}

		return getApp().Events(cmd.Context(), opts)
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsOrg, "org", "", "Only show events of this organization")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "Number of events to display")
}
