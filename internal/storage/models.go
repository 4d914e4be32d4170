package storage

import (
	"time"

	"machine-health-alerts/internal/scoring"
)

// Alert severity tiers.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// ReadingRecord is a persisted tall-format sensor observation.
type ReadingRecord struct {
	ID         int64
	RecordedAt time.Time
	MachineID  string
	Sensor     string
	Value      float64
	CreatedAt  time.Time
}

// PredictionRecord is a persisted per-horizon scoring result.
type PredictionRecord struct {
	ID                 int64
	MachineID          string
	PredictedAt        time.Time
	HorizonHours       int
	FailureProbability float64
	AnomalyScore       *float64
	Confidence         float64
	TopFactors         []scoring.FactorWeight
	CreatedAt          time.Time
}

// AlertEvent is a persisted maintenance alert. Resolution is driven by
// operators through ResolveAlert, never by the detection pipeline itself.
type AlertEvent struct {
	ID                 int64
	MachineID          string
	Severity           string
	Message            string
	FailureProbability *float64
	AnomalyScore       *float64
	Resolved           bool
	ResolvedAt         *time.Time
	CreatedAt          time.Time
}

// NewAlert carries the fields of an alert about to be created.
type NewAlert struct {
	MachineID          string
	Severity           string
	Message            string
	FailureProbability *float64
	AnomalyScore       *float64
}
