package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertReadingSQL = `INSERT INTO sensor_readings (
        recorded_at,
        machine_id,
        sensor,
        value
    ) VALUES ($1,$2,$3,$4);`

	listReadingsBetweenSQL = `SELECT
        id,
        recorded_at,
        machine_id,
        sensor,
        value,
        created_at
    FROM sensor_readings
    WHERE machine_id = $1
      AND recorded_at >= $2
      AND recorded_at < $3
    ORDER BY recorded_at, sensor;`

	listActiveMachinesSQL = `SELECT DISTINCT machine_id
    FROM sensor_readings
    WHERE recorded_at >= $1
    ORDER BY machine_id;`

	countReadingsSQL = `SELECT COUNT(*) FROM sensor_readings;`

	insertPredictionSQL = `INSERT INTO predictions (
        machine_id,
        predicted_at,
        horizon_hours,
        failure_probability,
        anomaly_score,
        confidence,
        top_factors
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    RETURNING id, created_at;`

	listPredictionsSinceSQL = `SELECT
        id,
        machine_id,
        predicted_at,
        horizon_hours,
        failure_probability,
        anomaly_score,
        confidence,
        top_factors,
        created_at
    FROM predictions
    WHERE created_at >= $1
    ORDER BY created_at;`

	listPredictionsBetweenSQL = `SELECT
        id,
        machine_id,
        predicted_at,
        horizon_hours,
        failure_probability,
        anomaly_score,
        confidence,
        top_factors,
        created_at
    FROM predictions
    WHERE machine_id = $1
      AND predicted_at >= $2
      AND predicted_at < $3
    ORDER BY predicted_at;`

	createAlertSQL = `INSERT INTO alerts (
        machine_id,
        severity,
        message,
        failure_probability,
        anomaly_score
    ) VALUES ($1,$2,$3,$4,$5)
    RETURNING id, machine_id, severity, message, failure_probability, anomaly_score, resolved, resolved_at, created_at;`

	mostRecentUnresolvedSQL = `SELECT
        id,
        machine_id,
        severity,
        message,
        failure_probability,
        anomaly_score,
        resolved,
        resolved_at,
        created_at
    FROM alerts
    WHERE machine_id = $1
      AND severity = $2
      AND NOT resolved
    ORDER BY created_at DESC
    LIMIT 1;`

	resolveAlertSQL = `UPDATE alerts
    SET resolved = TRUE, resolved_at = NOW()
    WHERE id = $1 AND NOT resolved;`

	listRecentAlertsSQL = `SELECT
        id,
        machine_id,
        severity,
        message,
        failure_probability,
        anomaly_score,
        resolved,
        resolved_at,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ReadingStore defines operations for sensor reading persistence.
type ReadingStore interface {
	InsertReadings(ctx context.Context, readings []ReadingRecord) error
	ListReadingsBetween(ctx context.Context, machineID string, from, to time.Time) ([]ReadingRecord, error)
	ListActiveMachines(ctx context.Context, since time.Time) ([]string, error)
	CountReadings(ctx context.Context) (int64, error)
}

// PredictionStore defines operations for scoring result persistence.
type PredictionStore interface {
	InsertPrediction(ctx context.Context, prediction PredictionRecord) (PredictionRecord, error)
	ListPredictionsSince(ctx context.Context, since time.Time) ([]PredictionRecord, error)
	ListPredictionsBetween(ctx context.Context, machineID string, from, to time.Time) ([]PredictionRecord, error)
}

// AlertStore defines the alert persistence collaborator consumed by the alert
// engine: creation plus the dedup lookup, with resolution for operators.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert NewAlert) (AlertEvent, error)
	MostRecentUnresolved(ctx context.Context, machineID, severity string) (*AlertEvent, error)
	ResolveAlert(ctx context.Context, id int64) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertEvent, error)
}

// AdvisoryLocker exposes advisory lock helpers. The detection cycle takes the
// lock so concurrent deployments cannot race the dedup check-then-act.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to readings, predictions, and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// InsertReadings persists a batch of sensor readings in a single round trip.
func (s *Store) InsertReadings(ctx context.Context, readings []ReadingRecord) error {
	if len(readings) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, r := range readings {
		batch.Queue(insertReadingSQL, r.RecordedAt, r.MachineID, r.Sensor, r.Value)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range readings {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("insert readings batch: %w", execErr)
		}
	}
	return nil
}

// ListReadingsBetween lists a machine's readings within a time window.
func (s *Store) ListReadingsBetween(ctx context.Context, machineID string, from, to time.Time) ([]ReadingRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listReadingsBetweenSQL, machineID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list readings between: %w", queryErr)
	}
	defer rows.Close()

	readings := make([]ReadingRecord, 0)
	for rows.Next() {
		var r ReadingRecord
		if scanErr := rows.Scan(&r.ID, &r.RecordedAt, &r.MachineID, &r.Sensor, &r.Value, &r.CreatedAt); scanErr != nil {
			return nil, scanErr
		}
		readings = append(readings, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return readings, nil
}

// ListActiveMachines lists machines with readings recorded since the given time.
func (s *Store) ListActiveMachines(ctx context.Context, since time.Time) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveMachinesSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list active machines: %w", queryErr)
	}
	defer rows.Close()

	machines := make([]string, 0)
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, scanErr
		}
		machines = append(machines, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return machines, nil
}

// CountReadings counts stored readings.
func (s *Store) CountReadings(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countReadingsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count readings: %w", scanErr)
	}
	return count, nil
}

// InsertPrediction persists a scoring result.
func (s *Store) InsertPrediction(ctx context.Context, prediction PredictionRecord) (PredictionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return PredictionRecord{}, err
	}

	var factors []byte
	if len(prediction.TopFactors) > 0 {
		factors, err = json.Marshal(prediction.TopFactors)
		if err != nil {
			return PredictionRecord{}, fmt.Errorf("marshal top factors: %w", err)
		}
	}

	var anomaly interface{}
	if prediction.AnomalyScore != nil {
		anomaly = *prediction.AnomalyScore
	}

	row := pool.QueryRow(ctx, insertPredictionSQL,
		prediction.MachineID,
		prediction.PredictedAt,
		prediction.HorizonHours,
		prediction.FailureProbability,
		anomaly,
		prediction.Confidence,
		factors,
	)
	if scanErr := row.Scan(&prediction.ID, &prediction.CreatedAt); scanErr != nil {
		return PredictionRecord{}, fmt.Errorf("insert prediction: %w", scanErr)
	}
	return prediction, nil
}

// ListPredictionsSince lists predictions created since the given time.
func (s *Store) ListPredictionsSince(ctx context.Context, since time.Time) ([]PredictionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPredictionsSinceSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list predictions since: %w", queryErr)
	}
	defer rows.Close()

	return scanPredictions(rows)
}

// ListPredictionsBetween lists a machine's predictions within a time window.
func (s *Store) ListPredictionsBetween(ctx context.Context, machineID string, from, to time.Time) ([]PredictionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPredictionsBetweenSQL, machineID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list predictions between: %w", queryErr)
	}
	defer rows.Close()

	return scanPredictions(rows)
}

// CreateAlert persists a new unresolved alert.
func (s *Store) CreateAlert(ctx context.Context, alert NewAlert) (AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertEvent{}, err
	}

	var probability, anomaly interface{}
	if alert.FailureProbability != nil {
		probability = *alert.FailureProbability
	}
	if alert.AnomalyScore != nil {
		anomaly = *alert.AnomalyScore
	}

	row := pool.QueryRow(ctx, createAlertSQL,
		alert.MachineID,
		alert.Severity,
		alert.Message,
		probability,
		anomaly,
	)
	event, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertEvent{}, fmt.Errorf("create alert: %w", scanErr)
	}
	return event, nil
}

// MostRecentUnresolved returns the newest unresolved alert for the machine and
// severity pair, or nil when none exists.
func (s *Store) MostRecentUnresolved(ctx context.Context, machineID, severity string) (*AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, mostRecentUnresolvedSQL, machineID, severity)
	event, scanErr := scanAlert(row)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("most recent unresolved alert: %w", scanErr)
	}
	return &event, nil
}

// ResolveAlert marks an alert resolved.
func (s *Store) ResolveAlert(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, resolveAlertSQL, id)
	if execErr != nil {
		return fmt.Errorf("resolve alert: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertEvent, 0, limit)
	for rows.Next() {
		event, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, event)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanPredictions(rows pgx.Rows) ([]PredictionRecord, error) {
	predictions := make([]PredictionRecord, 0)
	for rows.Next() {
		var (
			p       PredictionRecord
			anomaly sql.NullFloat64
			factors []byte
		)
		if err := rows.Scan(
			&p.ID,
			&p.MachineID,
			&p.PredictedAt,
			&p.HorizonHours,
			&p.FailureProbability,
			&anomaly,
			&p.Confidence,
			&factors,
			&p.CreatedAt,
		); err != nil {
			return nil, err
		}
		if anomaly.Valid {
			value := anomaly.Float64
			p.AnomalyScore = &value
		}
		if len(factors) > 0 {
			if err := json.Unmarshal(factors, &p.TopFactors); err != nil {
				return nil, fmt.Errorf("parse top factors: %w", err)
			}
		}
		predictions = append(predictions, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return predictions, nil
}

func scanAlert(row pgx.Row) (AlertEvent, error) {
	var (
		event       AlertEvent
		probability sql.NullFloat64
		anomaly     sql.NullFloat64
		resolvedAt  sql.NullTime
	)
	if err := row.Scan(
		&event.ID,
		&event.MachineID,
		&event.Severity,
		&event.Message,
		&probability,
		&anomaly,
		&event.Resolved,
		&resolvedAt,
		&event.CreatedAt,
	); err != nil {
		return AlertEvent{}, err
	}
	if probability.Valid {
		value := probability.Float64
		event.FailureProbability = &value
	}
	if anomaly.Valid {
		value := anomaly.Float64
		event.AnomalyScore = &value
	}
	if resolvedAt.Valid {
		value := resolvedAt.Time
		event.ResolvedAt = &value
	}
	return event, nil
}
