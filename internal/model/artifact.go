// Package model loads pretrained model artifacts produced by the offline
// training pipeline. An artifact is a JSON bundle carrying the exact ordered
// list of feature columns the model was trained on plus its parameters; the
// scoring layer treats the loaded models as black boxes.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"
)

// Artifact kinds accepted by the loader.
const (
	KindFailureClassifier = "failure_classifier"
	KindOutlierEnsemble   = "outlier_ensemble"
)

type bundle struct {
	Kind        string    `json:"kind"`
	Version     string    `json:"version"`
	TrainedAt   time.Time `json:"trained_at"`
	FeatureCols []string  `json:"feature_cols"`

	Classifier *classifierParams `json:"classifier,omitempty"`
	Ensemble   *ensembleParams   `json:"ensemble,omitempty"`
}

type classifierParams struct {
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
	Importances  []float64 `json:"importances"`
}

type ensembleParams struct {
	Estimators []estimatorParams `json:"estimators"`
}

type estimatorParams struct {
	Center []float64 `json:"center"`
	Scale  []float64 `json:"scale"`
}

// FailureClassifier is a pretrained binary classifier over feature rows.
type FailureClassifier struct {
	featureCols []string
	coef        []float64
	intercept   float64
	importances []float64
	version     string
	trainedAt   time.Time
}

// LoadFailureClassifier reads a failure-classifier artifact from path.
func LoadFailureClassifier(path string) (*FailureClassifier, error) {
	b, err := readBundle(path, KindFailureClassifier)
	if err != nil {
		return nil, err
	}
	if b.Classifier == nil {
		return nil, fmt.Errorf("model artifact %s: missing classifier parameters", path)
	}
	if len(b.Classifier.Coefficients) != len(b.FeatureCols) {
		return nil, fmt.Errorf("model artifact %s: %d coefficients for %d feature columns",
			path, len(b.Classifier.Coefficients), len(b.FeatureCols))
	}
	if len(b.Classifier.Importances) != len(b.FeatureCols) {
		return nil, fmt.Errorf("model artifact %s: %d importances for %d feature columns",
			path, len(b.Classifier.Importances), len(b.FeatureCols))
	}
	return &FailureClassifier{
		featureCols: b.FeatureCols,
		coef:        b.Classifier.Coefficients,
		intercept:   b.Classifier.Intercept,
		importances: b.Classifier.Importances,
		version:     b.Version,
		trainedAt:   b.TrainedAt,
	}, nil
}

// FeatureColumns returns the ordered columns the classifier expects.
func (c *FailureClassifier) FeatureColumns() []string { return c.featureCols }

// Version returns the artifact version string.
func (c *FailureClassifier) Version() string { return c.version }

// TrainedAt returns the artifact training timestamp.
func (c *FailureClassifier) TrainedAt() time.Time { return c.trainedAt }

// FeatureImportances returns the static per-feature importance vector, aligned
// with FeatureColumns.
func (c *FailureClassifier) FeatureImportances() []float64 { return c.importances }

// PredictProbability returns the probability of the positive (failure) class
// for each feature row. Rows must be aligned with FeatureColumns.
func (c *FailureClassifier) PredictProbability(rows [][]float64) []float64 {
	probs := make([]float64, len(rows))
	for i, row := range rows {
		z := c.intercept
		for j, w := range c.coef {
			z += w * row[j]
		}
		probs[i] = sigmoid(z)
	}
	return probs
}

// OutlierEnsemble scores how typical a feature row is relative to training
// data. Higher raw scores mean more normal, matching the score_samples
// convention of the training-side ensemble; callers negate for anomaly.
type OutlierEnsemble struct {
	featureCols []string
	estimators  []estimatorParams
	version     string
	trainedAt   time.Time
}

// LoadOutlierEnsemble reads an outlier-ensemble artifact from path.
func LoadOutlierEnsemble(path string) (*OutlierEnsemble, error) {
	b, err := readBundle(path, KindOutlierEnsemble)
	if err != nil {
		return nil, err
	}
	if b.Ensemble == nil || len(b.Ensemble.Estimators) == 0 {
		return nil, fmt.Errorf("model artifact %s: missing ensemble estimators", path)
	}
	for i, est := range b.Ensemble.Estimators {
		if len(est.Center) != len(b.FeatureCols) || len(est.Scale) != len(b.FeatureCols) {
			return nil, fmt.Errorf("model artifact %s: estimator %d dimensions do not match %d feature columns",
				path, i, len(b.FeatureCols))
		}
	}
	return &OutlierEnsemble{
		featureCols: b.FeatureCols,
		estimators:  b.Ensemble.Estimators,
		version:     b.Version,
		trainedAt:   b.TrainedAt,
	}, nil
}

// FeatureColumns returns the ordered columns the ensemble expects.
func (e *OutlierEnsemble) FeatureColumns() []string { return e.featureCols }

// Version returns the artifact version string.
func (e *OutlierEnsemble) Version() string { return e.version }

// TrainedAt returns the artifact training timestamp.
func (e *OutlierEnsemble) TrainedAt() time.Time { return e.trainedAt }

// ScoreSamples returns a raw normality score per row: the negated root mean
// squared z-distance from each estimator's center, averaged over the ensemble.
// Rows must be aligned with FeatureColumns.
func (e *OutlierEnsemble) ScoreSamples(rows [][]float64) []float64 {
	scores := make([]float64, len(rows))
	for i, row := range rows {
		var total float64
		for _, est := range e.estimators {
			var sq float64
			for j := range row {
				scale := est.Scale[j]
				if scale == 0 {
					scale = 1
				}
				d := (row[j] - est.Center[j]) / scale
				sq += d * d
			}
			total += math.Sqrt(sq / float64(len(row)))
		}
		scores[i] = -total / float64(len(e.estimators))
	}
	return scores
}

func readBundle(path, wantKind string) (*bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode model artifact %s: %w", path, err)
	}
	if b.Kind != wantKind {
		return nil, fmt.Errorf("model artifact %s: kind %q, want %q", path, b.Kind, wantKind)
	}
	if len(b.FeatureCols) == 0 {
		return nil, fmt.Errorf("model artifact %s: empty feature column list", path)
	}
	return &b, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
