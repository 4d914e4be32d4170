// Package scoring turns computed feature frames into calibrated, bounded
// scores using the pretrained model artifacts.
package scoring

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"machine-health-alerts/internal/features"
)

// epsilon guards the batch min-max normalisation against a degenerate batch
// where every raw score is identical.
const epsilon = 1e-9

// DefaultConfidence is the degraded fallback when the heuristic cannot run.
const DefaultConfidence = 0.5

// Confidence heuristic constants. The heuristic is caller-side; it is not the
// models' own calibration.
const (
	baseConfidence      = 0.8
	stalePenalty24h     = 0.2
	stalePenalty12h     = 0.1
	longHorizonScale48h = 0.9
	longHorizonScale24h = 0.95
	minConfidence       = 0.1
	maxConfidence       = 1.0
)

// DefaultExpectedSensors is the channel set used for confidence coverage.
var DefaultExpectedSensors = []string{
	features.SensorVibration,
	features.SensorTemperature,
	features.SensorPressure,
	features.SensorRPM,
}

// FailureClassifier is the pretrained binary classifier contract.
type FailureClassifier interface {
	FeatureColumns() []string
	PredictProbability(rows [][]float64) []float64
	FeatureImportances() []float64
	Version() string
}

// OutlierScorer is the pretrained outlier-scoring ensemble contract. Higher
// raw scores mean more normal; the service applies the sign convention.
type OutlierScorer interface {
	FeatureColumns() []string
	ScoreSamples(rows [][]float64) []float64
	Version() string
}

// FactorWeight pairs a feature column with its model importance.
type FactorWeight struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// Info is static model metadata; producing it runs no inference.
type Info struct {
	FailureModelVersion string
	AnomalyModelVersion string
	FailureFeatures     int
	AnomalyFeatures     int
}

// Service wraps the two pretrained models. It holds no mutable state and is
// safe to use concurrently. Frames passed in must already be filtered to a
// single machine with enough history to populate the lag and rolling windows
// (48 hours of readings recommended).
type Service struct {
	classifier      FailureClassifier
	outlier         OutlierScorer
	expectedSensors []string
	logger          zerolog.Logger
	now             func() time.Time
}

// Options configure a Service.
type Options struct {
	// ExpectedSensors drives the confidence coverage factor. Defaults to
	// DefaultExpectedSensors when empty.
	ExpectedSensors []string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New constructs a scoring service around loaded model handles.
func New(classifier FailureClassifier, outlier OutlierScorer, opts Options, logger zerolog.Logger) *Service {
	expected := opts.ExpectedSensors
	if len(expected) == 0 {
		expected = DefaultExpectedSensors
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		classifier:      classifier,
		outlier:         outlier,
		expectedSensors: expected,
		logger:          logger.With().Str("component", "scoring").Logger(),
		now:             now,
	}
}

// PredictFailureProbability runs the classifier over the frame restricted to
// its declared feature columns and returns the probability of failure for the
// most recent row.
func (s *Service) PredictFailureProbability(frame features.Frame, horizonHours int) (float64, error) {
	rows, err := selectMatrix(frame, s.classifier.FeatureColumns())
	if err != nil {
		return 0, err
	}
	probs := s.classifier.PredictProbability(rows)
	return probs[len(probs)-1], nil
}

// DetectAnomaly runs the outlier ensemble over all rows, negates the raw
// scores so that higher means more anomalous, and min-max normalises across
// the batch. The returned score is for the most recent row and lies in [0, 1].
// Normalisation is batch-relative: scores are comparable within one call, not
// across calls.
func (s *Service) DetectAnomaly(frame features.Frame) (float64, error) {
	rows, err := selectMatrix(frame, s.outlier.FeatureColumns())
	if err != nil {
		return 0, err
	}

	raw := s.outlier.ScoreSamples(rows)
	anomaly := make([]float64, len(raw))
	for i, v := range raw {
		anomaly[i] = -v
	}
	lo, hi := anomaly[0], anomaly[0]
	for _, v := range anomaly {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	last := anomaly[len(anomaly)-1]
	return (last - lo) / (hi - lo + epsilon), nil
}

// FeatureImportance returns the top 10 feature columns by the classifier's
// static importance vector, descending. This is global model importance, not a
// per-instance explanation.
func (s *Service) FeatureImportance(frame features.Frame) ([]FactorWeight, error) {
	cols := s.classifier.FeatureColumns()
	if _, err := selectMatrix(frame, cols); err != nil {
		return nil, err
	}

	importances := s.classifier.FeatureImportances()
	factors := make([]FactorWeight, len(cols))
	for i, col := range cols {
		factors[i] = FactorWeight{Feature: col, Importance: importances[i]}
	}
	sort.SliceStable(factors, func(i, j int) bool {
		return factors[i].Importance > factors[j].Importance
	})
	if len(factors) > 10 {
		factors = factors[:10]
	}
	return factors, nil
}

// ModelInfo returns static metadata about the wrapped models.
func (s *Service) ModelInfo() Info {
	return Info{
		FailureModelVersion: s.classifier.Version(),
		AnomalyModelVersion: s.outlier.Version(),
		FailureFeatures:     len(s.classifier.FeatureColumns()),
		AnomalyFeatures:     len(s.outlier.FeatureColumns()),
	}
}

// Confidence estimates how much to trust a prediction from data recency,
// sensor coverage, and horizon length. It never fails: inputs the heuristic
// cannot evaluate yield DefaultConfidence.
func (s *Service) Confidence(frame features.Frame, horizonHours int) float64 {
	if len(frame.Rows) == 0 || len(s.expectedSensors) == 0 || horizonHours <= 0 {
		return DefaultConfidence
	}

	confidence := baseConfidence

	age := s.now().Sub(frame.Rows[len(frame.Rows)-1].Timestamp)
	switch {
	case age > 24*time.Hour:
		confidence -= stalePenalty24h
	case age > 12*time.Hour:
		confidence -= stalePenalty12h
	}

	present := 0
	for _, sensor := range s.expectedSensors {
		if frame.HasColumn(sensor) {
			present++
		}
	}
	confidence *= float64(present) / float64(len(s.expectedSensors))

	switch {
	case horizonHours > 48:
		confidence *= longHorizonScale48h
	case horizonHours > 24:
		confidence *= longHorizonScale24h
	}

	if confidence < minConfidence {
		return minConfidence
	}
	if confidence > maxConfidence {
		return maxConfidence
	}
	return confidence
}

// selectMatrix restricts and reorders the frame to the model's declared
// columns. A declared column missing from the frame is a contract violation.
func selectMatrix(frame features.Frame, cols []string) ([][]float64, error) {
	if len(frame.Rows) == 0 {
		return nil, ErrInsufficientHistory
	}

	idx := make([]int, len(cols))
	for i, col := range cols {
		j, ok := frame.ColumnIndex(col)
		if !ok {
			return nil, &FeatureMismatchError{Column: col}
		}
		idx[i] = j
	}

	rows := make([][]float64, len(frame.Rows))
	for r := range frame.Rows {
		src := frame.Rows[r].Values
		row := make([]float64, len(cols))
		for i, j := range idx {
			row[i] = src[j]
		}
		rows[r] = row
	}
	return rows, nil
}
