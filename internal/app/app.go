package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"machine-health-alerts/internal/alerting"
	"machine-health-alerts/internal/config"
	"machine-health-alerts/internal/ingest"
	"machine-health-alerts/internal/model"
	"machine-health-alerts/internal/scheduler"
	"machine-health-alerts/internal/scoring"
	"machine-health-alerts/internal/service"
	"machine-health-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newScorer() (*scoring.Service, error) {
	handles, err := model.Load(model.Paths{
		ClassifierPath: a.Config.Models.ClassifierPath,
		OutlierPath:    a.Config.Models.OutlierPath,
	})
	if err != nil {
		return nil, err
	}
	return scoring.New(handles.Classifier, handles.Outlier, scoring.Options{
		ExpectedSensors: a.Config.Scoring.ExpectedSensors,
	}, a.Logger), nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) thresholds() alerting.Thresholds {
	return alerting.Thresholds{
		CriticalProbability: a.Config.Alerting.CriticalProbability,
		HighProbability:     a.Config.Alerting.HighProbability,
		MediumProbability:   a.Config.Alerting.MediumProbability,
		AnomalyEscalation:   a.Config.Alerting.AnomalyEscalation,
		RecurrenceWindow:    a.Config.Alerting.RecurrenceWindow,
	}
}

// Run executes the long-running detection service, plus the MQTT ingestion
// consumer when enabled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn must be configured to run the detection service")
	}
	defer closeStore()

	scorer, err := a.newScorer()
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToCycle,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	var engine *alerting.Engine
	if a.Config.Alerting.Enabled {
		engine = alerting.NewEngine(store, a.newNotifier(), a.thresholds(), a.Logger)
	}

	svc := service.New(a.Config, sched, store, store, scorer, engine, a.Logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.Logger.Info().Msg("starting detection service")
		return svc.Run(groupCtx)
	})
	if a.Config.Ingest.Enabled {
		consumer := ingest.NewConsumer(ingest.Options{
			BrokerURL:      a.Config.Ingest.BrokerURL,
			ClientID:       a.Config.Ingest.ClientID,
			Topic:          a.Config.Ingest.Topic,
			QoS:            byte(a.Config.Ingest.QoS),
			Username:       a.Config.Ingest.Username,
			Password:       a.Config.Ingest.Password,
			ConnectTimeout: a.Config.Ingest.ConnectTimeout,
			FlushInterval:  a.Config.Ingest.FlushInterval,
			BatchSize:      a.Config.Ingest.BatchSize,
		}, store, a.Logger)
		group.Go(func() error {
			a.Logger.Info().Str("broker", a.Config.Ingest.BrokerURL).Msg("starting sensor ingestion")
			return consumer.Run(groupCtx)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("detection service stopped")
	return nil
}

// ExportOptions hold parameters for exporting prediction history.
type ExportOptions struct {
	MachineID string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// PredictOptions configure the one-shot predict command.
type PredictOptions struct {
	MachineID string
	AsOf      *time.Time
}

// AlertsOptions configure the alerts command.
type AlertsOptions struct {
	Limit     int
	ResolveID int64
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}

// SimulateOptions feed a synthetic prediction through the alert engine.
type SimulateOptions struct {
	MachineID          string
	FailureProbability float64
	AnomalyScore       *float64
	HorizonHours       int
}
