package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"machine-health-alerts/internal/app"
)

var (
	predictMachine string
	predictAsOf    string
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Score a single machine and print the results",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.PredictOptions{
			MachineID: predictMachine,
		}

		if predictAsOf != "" {
			asOf, err := time.Parse(time.RFC3339, predictAsOf)
			if err != nil {
				return fmt.Errorf("invalid --as-of value: %w", err)
			}
			opts.AsOf = &asOf
		}

		return getApp().Predict(cmd.Context(), opts)
	},
}

func init() {
	predictCmd.Flags().StringVar(&predictMachine, "machine", "", "Machine identifier to score")
	predictCmd.Flags().StringVar(&predictAsOf, "as-of", "", "Score as of this timestamp (RFC3339, defaults to now)")
}
