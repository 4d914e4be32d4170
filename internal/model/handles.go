package model

import (
	"fmt"
)

// Handles bundles the two loaded model artifacts. It is constructed once by
// the composition root and shared read-only afterwards; there is no hidden
// package-level cache and nothing to tear down.
type Handles struct {
	Classifier *FailureClassifier
	Outlier    *OutlierEnsemble
}

// Paths locates the artifact files on disk.
type Paths struct {
	ClassifierPath string
	OutlierPath    string
}

// Load reads both artifacts.
func Load(paths Paths) (*Handles, error) {
	clf, err := LoadFailureClassifier(paths.ClassifierPath)
	if err != nil {
		return nil, fmt.Errorf("load failure classifier: %w", err)
	}
	outlier, err := LoadOutlierEnsemble(paths.OutlierPath)
	if err != nil {
		return nil, fmt.Errorf("load outlier ensemble: %w", err)
	}
	return &Handles{Classifier: clf, Outlier: outlier}, nil
}
