package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"machine-health-alerts/internal/storage"
)

// Thresholds hold the named tuning constants of the alert engine. Severity
// comparisons are strict: a probability exactly at a boundary classifies into
// the lower tier.
type Thresholds struct {
	CriticalProbability float64
	HighProbability     float64
	MediumProbability   float64
	AnomalyEscalation   float64
	RecurrenceWindow    time.Duration
}

// DefaultThresholds mirror the trained operating points of the models.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalProbability: 0.9,
		HighProbability:     0.75,
		MediumProbability:   0.5,
		AnomalyEscalation:   0.9,
		RecurrenceWindow:    time.Hour,
	}
}

// CycleStats summarise one detection cycle.
type CycleStats struct {
	AlertsCreated    int
	RecordsExamined  int
	AlertsSuppressed int
	NotifyFailures   int
}

// Engine converts scored predictions into deduplicated, severity-classified
// alert events. It keeps no state of its own; the dedup decision reads the
// alert store, so concurrent cycles must be serialised externally (the service
// holds a Postgres advisory lock for the duration of a cycle).
type Engine struct {
	store      storage.AlertStore
	notifier   Notifier
	thresholds Thresholds
	logger     zerolog.Logger
}

// NewEngine constructs an alert engine. notifier may be nil.
func NewEngine(store storage.AlertStore, notifier Notifier, thresholds Thresholds, logger zerolog.Logger) *Engine {
	return &Engine{
		store:      store,
		notifier:   notifier,
		thresholds: thresholds,
		logger:     logger.With().Str("component", "alert_engine").Logger(),
	}
}

// Evaluate runs one detection cycle over the supplied prediction records.
// Dedup is evaluated as of asOf, so backfilled cycles suppress against the
// history they replay into.
func (e *Engine) Evaluate(ctx context.Context, asOf time.Time, records []storage.PredictionRecord) (CycleStats, error) {
	stats := CycleStats{RecordsExamined: len(records)}

	for _, record := range records {
		severity, message, ok := e.classify(record)
		if !ok {
			continue
		}

		recent, err := e.store.MostRecentUnresolved(ctx, record.MachineID, severity)
		if err != nil {
			return stats, fmt.Errorf("dedup lookup for machine %s severity %s: %w", record.MachineID, severity, err)
		}
		if recent != nil && asOf.Sub(recent.CreatedAt) < e.thresholds.RecurrenceWindow {
			stats.AlertsSuppressed++
			e.logger.Debug().
				Str("machine_id", record.MachineID).
				Str("severity", severity).
				Time("last_alert", recent.CreatedAt).
				Msg("alert suppressed inside recurrence window")
			continue
		}

		probability := record.FailureProbability
		event, err := e.store.CreateAlert(ctx, storage.NewAlert{
			MachineID:          record.MachineID,
			Severity:           severity,
			Message:            message,
			FailureProbability: &probability,
			AnomalyScore:       record.AnomalyScore,
		})
		if err != nil {
			return stats, fmt.Errorf("create alert for machine %s: %w", record.MachineID, err)
		}
		stats.AlertsCreated++

		e.logger.Warn().
			Str("machine_id", event.MachineID).
			Str("severity", event.Severity).
			Float64("failure_probability", record.FailureProbability).
			Msg("alert created")

		if e.notifier != nil {
			if err := e.notifier.Notify(ctx, notificationFor(event, record.HorizonHours)); err != nil {
				stats.NotifyFailures++
				e.logger.Error().Err(err).Str("machine_id", event.MachineID).Msg("failed to dispatch alert")
			}
		}
	}

	return stats, nil
}

// classify maps a prediction to a severity tier and message. The anomaly
// check escalates to HIGH only when no failure-based alert was selected or it
// was LOW; it never downgrades a failure-based MEDIUM or above.
func (e *Engine) classify(record storage.PredictionRecord) (severity, message string, ok bool) {
	p := record.FailureProbability
	switch {
	case p > e.thresholds.CriticalProbability:
		severity, ok = storage.SeverityCritical, true
	case p > e.thresholds.HighProbability:
		severity, ok = storage.SeverityHigh, true
	case p > e.thresholds.MediumProbability:
		severity, ok = storage.SeverityMedium, true
	}
	if ok {
		message = failureMessage(severity, record)
	}

	if record.AnomalyScore != nil && *record.AnomalyScore > e.thresholds.AnomalyEscalation {
		if !ok || severity == storage.SeverityLow {
			severity = storage.SeverityHigh
			message = anomalyMessage(record)
			ok = true
		}
	}

	return severity, message, ok
}

func failureMessage(severity string, record storage.PredictionRecord) string {
	return fmt.Sprintf("%s: machine %s has %.1f%% failure probability in next %dh",
		severity, record.MachineID, record.FailureProbability*100, record.HorizonHours)
}

func anomalyMessage(record storage.PredictionRecord) string {
	return fmt.Sprintf("%s: machine %s showing anomalous behavior (score: %.2f)",
		storage.SeverityHigh, record.MachineID, *record.AnomalyScore)
}

func notificationFor(event storage.AlertEvent, horizonHours int) Notification {
	return Notification{
		MachineID:          event.MachineID,
		Severity:           event.Severity,
		Message:            event.Message,
		FailureProbability: event.FailureProbability,
		AnomalyScore:       event.AnomalyScore,
		HorizonHours:       horizonHours,
		CreatedAt:          event.CreatedAt,
	}
}
