package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"machine-health-alerts/internal/features"
)

// Predict runs a one-shot scoring pass for a single machine and prints the
// per-horizon results. Nothing is persisted.
func (a *App) Predict(ctx context.Context, opts PredictOptions) error {
	if opts.MachineID == "" {
		return errors.New("--machine is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot predict")
	}
	defer closeStore()

	scorer, err := a.newScorer()
	if err != nil {
		return err
	}

	asOf := time.Now().UTC()
	if opts.AsOf != nil {
		asOf = opts.AsOf.UTC()
	}

	history, err := store.ListReadingsBetween(ctx, opts.MachineID, asOf.Add(-a.Config.Scoring.HistoryWindow), asOf.Add(time.Nanosecond))
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return fmt.Errorf("no readings for machine %s in the last %s", opts.MachineID, a.Config.Scoring.HistoryWindow)
	}

	readings := make([]features.Reading, len(history))
	for i, r := range history {
		readings[i] = features.Reading{
			Timestamp: r.RecordedAt,
			MachineID: r.MachineID,
			Sensor:    r.Sensor,
			Value:     r.Value,
		}
	}
	frame := features.Build(readings, a.Config.Scoring.Lags, a.Config.Scoring.RollingWindows)
	if len(frame.Rows) == 0 {
		return fmt.Errorf("machine %s has too little history to populate lag and rolling features", opts.MachineID)
	}

	anomaly, err := scorer.DetectAnomaly(frame)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Machine:\t%s\n", opts.MachineID)
	fmt.Fprintf(writer, "As of:\t%s\n", asOf.Format(time.RFC3339))
	fmt.Fprintf(writer, "Feature rows:\t%d\n", len(frame.Rows))
	fmt.Fprintf(writer, "Anomaly score:\t%.3f\n", anomaly)
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "Horizon\tFailure probability\tConfidence")

	for _, horizon := range a.Config.Scoring.HorizonsHours {
		probability, predErr := scorer.PredictFailureProbability(frame, horizon)
		if predErr != nil {
			return predErr
		}
		fmt.Fprintf(writer, "%dh\t%.1f%%\t%.2f\n", horizon, probability*100, scorer.Confidence(frame, horizon))
	}

	factors, err := scorer.FeatureImportance(frame)
	if err == nil && len(factors) > 0 {
		fmt.Fprintln(writer)
		fmt.Fprintln(writer, "Top factors\tImportance")
		for _, factor := range factors {
			fmt.Fprintf(writer, "%s\t%.4f\n", factor.Feature, factor.Importance)
		}
	}

	return writer.Flush()
}
