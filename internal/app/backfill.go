package app

import (
	"context"
	"errors"
	"time"

	"machine-health-alerts/internal/alerting"
	"machine-health-alerts/internal/service"
	"machine-health-alerts/internal/storage"
)

// Backfill replays detection cycles over a historical window. Each cycle is
// scored against the readings that existed at its cycle time, so predictions
// and alert dedup behave as they would have live. Dry runs score without
// persisting predictions or alerts.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	interval := a.Config.Scheduler.Interval
	start := alignForward(opts.From.UTC(), interval)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("backfill window is empty; check --from/--to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot backfill")
	}
	defer closeStore()

	scorer, err := a.newScorer()
	if err != nil {
		return err
	}

	var preds storage.PredictionStore
	var engine *alerting.Engine
	if opts.DryRun {
		a.Logger.Warn().Msg("dry run: predictions and alerts will not be written")
	} else {
		preds = store
		if a.Config.Alerting.Enabled {
			// Backfill never notifies; it only reconstructs the alert log.
			engine = alerting.NewEngine(store, nil, a.thresholds(), a.Logger)
		}
	}

	svc := service.New(a.Config, nil, store, preds, scorer, engine, a.Logger)

	processed := 0
	failed := 0
	for cycle := start; cycle.Before(end); cycle = cycle.Add(interval) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := svc.ProcessCycle(ctx, cycle); err != nil {
			failed++
			a.Logger.Error().Err(err).Time("cycle", cycle).Msg("backfill cycle failed")
			continue
		}
		processed++
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("backfill complete")
	if failed > 0 {
		return errors.New("some cycles failed to backfill; check the logs")
	}
	return nil
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
