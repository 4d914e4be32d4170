package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"machine-health-alerts/internal/app"
)

var (
	alertsLimit   int
	alertsResolve int64
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recent alerts or resolve one",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.AlertsOptions{
			Limit:     alertsLimit,
			ResolveID: alertsResolve,
		}

		return getApp().Alerts(cmd.Context(), opts)
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
	alertsCmd.Flags().Int64Var(&alertsResolve, "resolve", 0, "Resolve the alert with this id instead of listing")
}
