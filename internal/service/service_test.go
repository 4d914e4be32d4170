package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"machine-health-alerts/internal/alerting"
	"machine-health-alerts/internal/config"
	"machine-health-alerts/internal/scoring"
	"machine-health-alerts/internal/storage"
)

type fakeReadingStore struct {
	readings []storage.ReadingRecord
}

func (f *fakeReadingStore) InsertReadings(ctx context.Context, readings []storage.ReadingRecord) error {
	f.readings = append(f.readings, readings...)
	return nil
}

func (f *fakeReadingStore) ListReadingsBetween(ctx context.Context, machineID string, from, to time.Time) ([]storage.ReadingRecord, error) {
	var out []storage.ReadingRecord
	for _, r := range f.readings {
		if r.MachineID == machineID && !r.RecordedAt.Before(from) && r.RecordedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeReadingStore) ListActiveMachines(ctx context.Context, since time.Time) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, r := range f.readings {
		if !r.RecordedAt.Before(since) && !seen[r.MachineID] {
			seen[r.MachineID] = true
			out = append(out, r.MachineID)
		}
	}
	return out, nil
}

func (f *fakeReadingStore) CountReadings(ctx context.Context) (int64, error) {
	return int64(len(f.readings)), nil
}

type fakePredictionStore struct {
	inserted []storage.PredictionRecord
}

func (f *fakePredictionStore) InsertPrediction(ctx context.Context, p storage.PredictionRecord) (storage.PredictionRecord, error) {
	p.ID = int64(len(f.inserted) + 1)
	p.CreatedAt = time.Now().UTC()
	f.inserted = append(f.inserted, p)
	return p, nil
}

func (f *fakePredictionStore) ListPredictionsSince(ctx context.Context, since time.Time) ([]storage.PredictionRecord, error) {
	return f.inserted, nil
}

func (f *fakePredictionStore) ListPredictionsBetween(ctx context.Context, machineID string, from, to time.Time) ([]storage.PredictionRecord, error) {
	return f.inserted, nil
}

type stubClassifier struct {
	probability float64
}

func (s *stubClassifier) FeatureColumns() []string { return []string{"vibration"} }
func (s *stubClassifier) PredictProbability(rows [][]float64) []float64 {
	out := make([]float64, len(rows))
	for i := range out {
		out[i] = s.probability
	}
	return out
}
func (s *stubClassifier) FeatureImportances() []float64 { return []float64{1.0} }
func (s *stubClassifier) Version() string               { return "stub-clf" }

type stubOutlier struct{}

func (s *stubOutlier) FeatureColumns() []string { return []string{"vibration"} }
func (s *stubOutlier) ScoreSamples(rows [][]float64) []float64 {
	out := make([]float64, len(rows))
	for i := range out {
		out[i] = -float64(i)
	}
	return out
}
func (s *stubOutlier) Version() string { return "stub-out" }

func testConfig() *config.Config {
	return &config.Config{
		Scoring: config.ScoringConfig{
			Lags:            []int{1, 2},
			RollingWindows:  []int{3},
			HorizonsHours:   []int{24, 48},
			HistoryWindow:   48 * time.Hour,
			ExpectedSensors: []string{"vibration"},
			MaxConcurrency:  2,
		},
		Alerting: config.AlertingConfig{Enabled: true},
	}
}

func seedReadings(store *fakeReadingStore, machineID string, cycle time.Time, hours int) {
	for i := hours; i > 0; i-- {
		store.readings = append(store.readings, storage.ReadingRecord{
			RecordedAt: cycle.Add(-time.Duration(i) * time.Hour),
			MachineID:  machineID,
			Sensor:     "vibration",
			Value:      0.4 + 0.01*float64(i%5),
		})
	}
}

func TestProcessCycleScoresAndAlerts(t *testing.T) {
	cycle := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	readings := &fakeReadingStore{}
	seedReadings(readings, "M01", cycle, 48)
	seedReadings(readings, "M02", cycle, 48)

	preds := &fakePredictionStore{}
	scorer := scoring.New(&stubClassifier{probability: 0.8}, &stubOutlier{}, scoring.Options{
		ExpectedSensors: []string{"vibration"},
	}, zerolog.Nop())

	alertStore := storage.NewMemoryAlertStore(time.Hour)
	defer alertStore.Stop()
	engine := alerting.NewEngine(alertStore, nil, alerting.DefaultThresholds(), zerolog.Nop())

	svc := New(testConfig(), nil, readings, preds, scorer, engine, zerolog.Nop())

	if err := svc.ProcessCycle(context.Background(), cycle); err != nil {
		t.Fatalf("process cycle: %v", err)
	}

	// Two machines, two horizons each.
	if len(preds.inserted) != 4 {
		t.Fatalf("expected 4 predictions, got %d", len(preds.inserted))
	}
	for _, p := range preds.inserted {
		if p.FailureProbability != 0.8 {
			t.Fatalf("unexpected probability %.2f", p.FailureProbability)
		}
		if !p.PredictedAt.Equal(cycle) {
			t.Fatalf("prediction not stamped with cycle time: %v", p.PredictedAt)
		}
		if p.AnomalyScore == nil {
			t.Fatalf("anomaly score missing: %+v", p)
		}
		if p.Confidence <= 0 || p.Confidence > 1 {
			t.Fatalf("confidence out of range: %.2f", p.Confidence)
		}
	}

	// Probability 0.8 lands in the HIGH tier; one alert per machine per
	// horizon record, minus dedup on the (machine, severity) pair.
	alerts, _ := alertStore.ListRecentAlerts(context.Background(), 10)
	if len(alerts) != 2 {
		t.Fatalf("expected one HIGH alert per machine, got %+v", alerts)
	}
	for _, alert := range alerts {
		if alert.Severity != storage.SeverityHigh {
			t.Fatalf("expected HIGH, got %s", alert.Severity)
		}
	}
}

func TestProcessCycleSkipsMachinesWithThinHistory(t *testing.T) {
	cycle := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	readings := &fakeReadingStore{}
	seedReadings(readings, "M01", cycle, 48)
	// M02 has too few rows to survive the lag and rolling warm-up.
	seedReadings(readings, "M02", cycle, 2)

	preds := &fakePredictionStore{}
	scorer := scoring.New(&stubClassifier{probability: 0.2}, &stubOutlier{}, scoring.Options{
		ExpectedSensors: []string{"vibration"},
	}, zerolog.Nop())

	svc := New(testConfig(), nil, readings, preds, scorer, nil, zerolog.Nop())

	if err := svc.ProcessCycle(context.Background(), cycle); err != nil {
		t.Fatalf("process cycle: %v", err)
	}

	for _, p := range preds.inserted {
		if p.MachineID == "M02" {
			t.Fatalf("machine with thin history should be skipped: %+v", p)
		}
	}
	if len(preds.inserted) != 2 {
		t.Fatalf("expected 2 predictions for M01, got %d", len(preds.inserted))
	}
}

func TestProcessCycleNoMachines(t *testing.T) {
	svc := New(testConfig(), nil, &fakeReadingStore{}, &fakePredictionStore{}, nil, nil, zerolog.Nop())
	if err := svc.ProcessCycle(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("empty cycle should succeed: %v", err)
	}
}
