package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"machine-health-alerts/internal/app"
)

var (
	simulateMachine     string
	simulateProbability float64
	simulateAnomaly     float64
	simulateHorizon     int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Feed a synthetic prediction through the alert engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateProbability < 0 || simulateProbability > 1 {
			return errors.New("--probability must be within [0, 1]")
		}

		opts := app.SimulateOptions{
			MachineID:          simulateMachine,
			FailureProbability: simulateProbability,
			HorizonHours:       simulateHorizon,
		}
		if cmd.Flags().Changed("anomaly") {
			if simulateAnomaly < 0 || simulateAnomaly > 1 {
				return errors.New("--anomaly must be within [0, 1]")
			}
			opts.AnomalyScore = &simulateAnomaly
		}

		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMachine, "machine", "", "Machine identifier for the synthetic prediction")
	simulateCmd.Flags().Float64Var(&simulateProbability, "probability", 0, "Failure probability in [0, 1]")
	simulateCmd.Flags().Float64Var(&simulateAnomaly, "anomaly", 0, "Anomaly score in [0, 1]")
	simulateCmd.Flags().IntVar(&simulateHorizon, "horizon", 24, "Prediction horizon in hours")
}
