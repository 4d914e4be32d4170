package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"machine-health-alerts/internal/alerting"
	"machine-health-alerts/internal/storage"
)

// SimulateAlert feeds a synthetic prediction through the alert engine so that
// thresholds and notification routing can be exercised without a database or
// live models.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if opts.MachineID == "" {
		return errors.New("--machine is required")
	}
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled in configuration")
	}

	store := storage.NewMemoryAlertStore(a.Config.Alerting.RecurrenceWindow)
	defer store.Stop()

	engine := alerting.NewEngine(store, a.newNotifier(), a.thresholds(), a.Logger)

	horizon := opts.HorizonHours
	if horizon <= 0 {
		horizon = 24
	}

	record := storage.PredictionRecord{
		MachineID:          opts.MachineID,
		PredictedAt:        time.Now().UTC(),
		HorizonHours:       horizon,
		FailureProbability: opts.FailureProbability,
		AnomalyScore:       opts.AnomalyScore,
	}

	stats, err := engine.Evaluate(ctx, time.Now().UTC(), []storage.PredictionRecord{record})
	if err != nil {
		return err
	}

	if stats.AlertsCreated == 0 {
		fmt.Fprintln(os.Stdout, "no alert triggered for the given scores")
		return nil
	}

	alerts, err := store.ListRecentAlerts(ctx, 1)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "alert triggered: [%s] %s\n", alerts[0].Severity, alerts[0].Message)
	if stats.NotifyFailures > 0 {
		return fmt.Errorf("alert created but notification delivery failed")
	}
	return nil
}
