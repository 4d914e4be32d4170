package scoring

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"machine-health-alerts/internal/features"
)

// stubClassifier returns the first feature value as a probability.
type stubClassifier struct {
	cols        []string
	importances []float64
}

func (s *stubClassifier) FeatureColumns() []string { return s.cols }

func (s *stubClassifier) PredictProbability(rows [][]float64) []float64 {
	probs := make([]float64, len(rows))
	for i, row := range rows {
		probs[i] = row[0]
	}
	return probs
}

func (s *stubClassifier) FeatureImportances() []float64 { return s.importances }
func (s *stubClassifier) Version() string               { return "test" }

// stubOutlier scores normality as the negated first feature value.
type stubOutlier struct {
	cols []string
}

func (s *stubOutlier) FeatureColumns() []string { return s.cols }

func (s *stubOutlier) ScoreSamples(rows [][]float64) []float64 {
	scores := make([]float64, len(rows))
	for i, row := range rows {
		scores[i] = -row[0]
	}
	return scores
}

func (s *stubOutlier) Version() string { return "test" }

func testFrame(columns []string, timestamps []time.Time, values [][]float64) features.Frame {
	frame := features.Frame{Columns: columns}
	for i := range values {
		frame.Rows = append(frame.Rows, features.Row{
			Timestamp: timestamps[i],
			MachineID: "M01",
			Values:    values[i],
		})
	}
	return frame
}

func hourlyStamps(n int, end time.Time) []time.Time {
	stamps := make([]time.Time, n)
	for i := range stamps {
		stamps[i] = end.Add(-time.Duration(n-1-i) * time.Hour)
	}
	return stamps
}

func newTestService(clf FailureClassifier, outlier OutlierScorer, now time.Time) *Service {
	return New(clf, outlier, Options{Now: func() time.Time { return now }}, zerolog.Nop())
}

func TestPredictFailureProbabilityUsesMostRecentRow(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	frame := testFrame([]string{"vibration"}, hourlyStamps(3, now), [][]float64{{0.1}, {0.2}, {0.9}})
	svc := newTestService(&stubClassifier{cols: []string{"vibration"}, importances: []float64{1}}, &stubOutlier{cols: []string{"vibration"}}, now)

	p, err := svc.PredictFailureProbability(frame, 24)
	if err != nil {
		t.Fatalf("predict should succeed: %v", err)
	}
	if p != 0.9 {
		t.Fatalf("expected probability of last row 0.9, got %v", p)
	}
}

func TestPredictFailureProbabilityFeatureMismatch(t *testing.T) {
	now := time.Now().UTC()
	frame := testFrame([]string{"vibration"}, hourlyStamps(2, now), [][]float64{{0.1}, {0.2}})
	svc := newTestService(&stubClassifier{cols: []string{"vibration_lag1"}, importances: []float64{1}}, &stubOutlier{cols: []string{"vibration"}}, now)

	_, err := svc.PredictFailureProbability(frame, 24)
	if !IsFeatureMismatch(err) {
		t.Fatalf("expected FeatureMismatchError, got %v", err)
	}
	var fm *FeatureMismatchError
	if errors.As(err, &fm) && fm.Column != "vibration_lag1" {
		t.Fatalf("error should carry the offending column, got %q", fm.Column)
	}
}

func TestPredictFailureProbabilityEmptyFrame(t *testing.T) {
	now := time.Now().UTC()
	svc := newTestService(&stubClassifier{cols: []string{"vibration"}, importances: []float64{1}}, &stubOutlier{cols: []string{"vibration"}}, now)

	_, err := svc.PredictFailureProbability(features.Frame{}, 24)
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory, got %v", err)
	}
}

func TestDetectAnomalyBoundedAndOrdered(t *testing.T) {
	now := time.Now().UTC()
	frame := testFrame([]string{"vibration"}, hourlyStamps(4, now), [][]float64{{1}, {2}, {3}, {10}})
	svc := newTestService(&stubClassifier{cols: []string{"vibration"}, importances: []float64{1}}, &stubOutlier{cols: []string{"vibration"}}, now)

	score, err := svc.DetectAnomaly(frame)
	if err != nil {
		t.Fatalf("detect should succeed: %v", err)
	}
	if score < 0 || score > 1 {
		t.Fatalf("anomaly score out of [0,1]: %v", score)
	}
	// The last row is the batch maximum, so it normalises to ~1.
	if score < 0.99 {
		t.Fatalf("batch-max row should score near 1, got %v", score)
	}
}

func TestDetectAnomalyDegenerateBatch(t *testing.T) {
	now := time.Now().UTC()
	frame := testFrame([]string{"vibration"}, hourlyStamps(3, now), [][]float64{{5}, {5}, {5}})
	svc := newTestService(&stubClassifier{cols: []string{"vibration"}, importances: []float64{1}}, &stubOutlier{cols: []string{"vibration"}}, now)

	score, err := svc.DetectAnomaly(frame)
	if err != nil {
		t.Fatalf("degenerate batch must not fail: %v", err)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		t.Fatalf("degenerate batch should stay defined, got %v", score)
	}
	if score < 0 || score > 1 {
		t.Fatalf("anomaly score out of [0,1]: %v", score)
	}
}

func TestFeatureImportanceTopTenDescending(t *testing.T) {
	now := time.Now().UTC()
	cols := make([]string, 12)
	importances := make([]float64, 12)
	values := make([]float64, 12)
	for i := range cols {
		cols[i] = features.LagColumn("vibration", i+1)
		importances[i] = float64(i) / 12
	}
	frame := testFrame(cols, hourlyStamps(1, now), [][]float64{values})
	svc := newTestService(&stubClassifier{cols: cols, importances: importances}, &stubOutlier{cols: cols}, now)

	factors, err := svc.FeatureImportance(frame)
	if err != nil {
		t.Fatalf("importance should succeed: %v", err)
	}
	if len(factors) != 10 {
		t.Fatalf("expected top 10 factors, got %d", len(factors))
	}
	for i := 1; i < len(factors); i++ {
		if factors[i].Importance > factors[i-1].Importance {
			t.Fatal("factors must be sorted descending by importance")
		}
	}
	if factors[0].Feature != features.LagColumn("vibration", 12) {
		t.Fatalf("highest-importance feature wrong: %s", factors[0].Feature)
	}
}

func TestModelInfo(t *testing.T) {
	now := time.Now().UTC()
	svc := newTestService(&stubClassifier{cols: []string{"a", "b"}, importances: []float64{1, 0}}, &stubOutlier{cols: []string{"a"}}, now)

	info := svc.ModelInfo()
	if info.FailureModelVersion != "test" || info.AnomalyModelVersion != "test" {
		t.Fatalf("unexpected versions %+v", info)
	}
	if info.FailureFeatures != 2 || info.AnomalyFeatures != 1 {
		t.Fatalf("unexpected feature counts %+v", info)
	}
}

func TestConfidenceHeuristic(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	fullCols := []string{"vibration", "temperature", "pressure", "rpm"}

	cases := []struct {
		name    string
		columns []string
		latest  time.Time
		horizon int
		want    float64
	}{
		{"fresh full coverage", fullCols, now, 24, 0.8},
		{"stale over 12h", fullCols, now.Add(-13 * time.Hour), 24, 0.7},
		{"stale over 24h", fullCols, now.Add(-25 * time.Hour), 24, 0.6},
		{"half coverage", fullCols[:2], now, 24, 0.4},
		{"long horizon 72h", fullCols, now, 72, 0.8 * 0.9},
		{"horizon 48h", fullCols, now, 48, 0.8 * 0.95},
		{"stale sparse long horizon", fullCols[:1], now.Add(-25 * time.Hour), 72, 0.6 * 0.25 * 0.9},
	}

	for _, tc := range cases {
		frame := testFrame(tc.columns, []time.Time{tc.latest}, [][]float64{make([]float64, len(tc.columns))})
		svc := newTestService(&stubClassifier{cols: tc.columns, importances: make([]float64, len(tc.columns))}, &stubOutlier{cols: tc.columns}, now)

		got := svc.Confidence(frame, tc.horizon)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: expected confidence %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestConfidenceFallback(t *testing.T) {
	now := time.Now().UTC()
	svc := newTestService(&stubClassifier{cols: []string{"vibration"}, importances: []float64{1}}, &stubOutlier{cols: []string{"vibration"}}, now)

	if got := svc.Confidence(features.Frame{}, 24); got != DefaultConfidence {
		t.Fatalf("empty frame should fall back to %v, got %v", DefaultConfidence, got)
	}
	frame := testFrame([]string{"vibration"}, []time.Time{now}, [][]float64{{1}})
	if got := svc.Confidence(frame, 0); got != DefaultConfidence {
		t.Fatalf("non-positive horizon should fall back to %v, got %v", DefaultConfidence, got)
	}
}

func TestConfidenceClampFloor(t *testing.T) {
	now := time.Now().UTC()
	// One of eight expected sensors present drives confidence below the floor.
	svc := New(
		&stubClassifier{cols: []string{"vibration"}, importances: []float64{1}},
		&stubOutlier{cols: []string{"vibration"}},
		Options{
			ExpectedSensors: []string{"vibration", "temperature", "pressure", "rpm", "current", "voltage", "speed", "extra"},
			Now:             func() time.Time { return now },
		},
		zerolog.Nop(),
	)
	frame := testFrame([]string{"vibration"}, []time.Time{now.Add(-25 * time.Hour)}, [][]float64{{1}})
	if got := svc.Confidence(frame, 72); got != 0.1 {
		t.Fatalf("confidence should clamp to 0.1, got %v", got)
	}
}
