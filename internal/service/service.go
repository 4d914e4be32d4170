package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"machine-health-alerts/internal/alerting"
	"machine-health-alerts/internal/config"
	"machine-health-alerts/internal/features"
	"machine-health-alerts/internal/scheduler"
	"machine-health-alerts/internal/scoring"
	"machine-health-alerts/internal/storage"
)

// Service orchestrates the detection pipeline: read sensor history, build
// feature frames, score them, persist predictions, and evaluate alerts.
type Service struct {
	scheduler *scheduler.Scheduler
	readings  storage.ReadingStore
	preds     storage.PredictionStore
	scorer    *scoring.Service
	engine    *alerting.Engine
	logger    zerolog.Logger

	lags           []int
	rollingWindows []int
	horizons       []int
	historyWindow  time.Duration
	maxConcurrency int
	alertsOn       bool
	locker         storage.AdvisoryLocker
	lockKey        int64
}

// New constructs the detection service.
func New(cfg *config.Config, sched *scheduler.Scheduler, readings storage.ReadingStore, preds storage.PredictionStore, scorer *scoring.Service, engine *alerting.Engine, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := readings.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:      sched,
		readings:       readings,
		preds:          preds,
		scorer:         scorer,
		engine:         engine,
		logger:         logger.With().Str("component", "service").Logger(),
		lags:           cfg.Scoring.Lags,
		rollingWindows: cfg.Scoring.RollingWindows,
		horizons:       cfg.Scoring.HorizonsHours,
		historyWindow:  cfg.Scoring.HistoryWindow,
		maxConcurrency: cfg.Scoring.MaxConcurrency,
		alertsOn:       cfg.Alerting.Enabled,
		locker:         locker,
		lockKey:        cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned detection loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessCycle)
}

// ProcessCycle executes one detection cycle under the advisory lock. Holding
// the lock for the whole cycle keeps the alert dedup check-then-act from
// racing a concurrent deployment.
func (s *Service) ProcessCycle(ctx context.Context, cycle time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("cycle", cycle).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx, cycle)
}

func (s *Service) executeCycle(ctx context.Context, cycle time.Time) error {
	cycleID := uuid.NewString()
	logger := s.logger.With().Str("cycle_id", cycleID).Time("cycle", cycle).Logger()
	started := time.Now()

	machines, err := s.readings.ListActiveMachines(ctx, cycle.Add(-s.historyWindow))
	if err != nil {
		return fmt.Errorf("list active machines: %w", err)
	}
	if len(machines) == 0 {
		logger.Info().Msg("no active machines in history window")
		return nil
	}

	var (
		mu      sync.Mutex
		created []storage.PredictionRecord
		skipped int
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.maxConcurrency)
	for _, machineID := range machines {
		machineID := machineID
		group.Go(func() error {
			records, scoreErr := s.scoreMachine(groupCtx, logger, machineID, cycle)
			if scoreErr != nil {
				if errors.Is(scoreErr, scoring.ErrInsufficientHistory) {
					logger.Debug().Str("machine_id", machineID).Msg("insufficient history, machine skipped")
					mu.Lock()
					skipped++
					mu.Unlock()
					return nil
				}
				return scoreErr
			}
			mu.Lock()
			created = append(created, records...)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info().
		Int("machines", len(machines)).
		Int("machines_skipped", skipped).
		Int("predictions", len(created)).
		Dur("elapsed", time.Since(started)).
		Msg("scoring pass complete")

	if !s.alertsOn || s.engine == nil {
		return nil
	}

	stats, err := s.engine.Evaluate(ctx, cycle, created)
	if err != nil {
		return fmt.Errorf("evaluate alerts: %w", err)
	}
	logger.Info().
		Int("alerts_created", stats.AlertsCreated).
		Int("alerts_suppressed", stats.AlertsSuppressed).
		Int("notify_failures", stats.NotifyFailures).
		Msg("alert pass complete")
	return nil
}

// scoreMachine builds the machine's feature frame from the trailing history
// window and produces one prediction per horizon. A classifier failure on one
// horizon does not abort the remaining horizons.
func (s *Service) scoreMachine(ctx context.Context, logger zerolog.Logger, machineID string, cycle time.Time) ([]storage.PredictionRecord, error) {
	history, err := s.readings.ListReadingsBetween(ctx, machineID, cycle.Add(-s.historyWindow), cycle.Add(time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("load readings for machine %s: %w", machineID, err)
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

	frame := features.Build(readings, s.lags, s.rollingWindows)
	if len(frame.Rows) == 0 {
		return nil, scoring.ErrInsufficientHistory
	}

	anomaly, err := s.scorer.DetectAnomaly(frame)
	var anomalyScore *float64
	if err != nil {
		logger.Warn().Err(err).Str("machine_id", machineID).Msg("anomaly scoring failed")
	} else {
		anomalyScore = &anomaly
	}

	factors, err := s.scorer.FeatureImportance(frame)
	if err != nil {
		logger.Warn().Err(err).Str("machine_id", machineID).Msg("feature importance unavailable")
	}

	records := make([]storage.PredictionRecord, 0, len(s.horizons))
	for _, horizon := range s.horizons {
		probability, predErr := s.scorer.PredictFailureProbability(frame, horizon)
		if predErr != nil {
			logger.Error().Err(predErr).
				Str("machine_id", machineID).
				Int("horizon_hours", horizon).
				Msg("failure prediction failed")
			continue
		}

		record := storage.PredictionRecord{
			MachineID:          machineID,
			PredictedAt:        cycle,
			HorizonHours:       horizon,
			FailureProbability: probability,
			AnomalyScore:       anomalyScore,
			Confidence:         s.scorer.Confidence(frame, horizon),
			TopFactors:         factors,
		}

		if s.preds != nil {
			stored, insErr := s.preds.InsertPrediction(ctx, record)
			if insErr != nil {
				return nil, fmt.Errorf("persist prediction for machine %s: %w", machineID, insErr)
			}
			record = stored
		}
		records = append(records, record)
	}

	return records, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
