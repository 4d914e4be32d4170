package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ErrAlertNotFound indicates the referenced alert does not exist.
var ErrAlertNotFound = errors.New("storage: alert not found")

// MemoryAlertStore is an AlertStore kept entirely in memory, used by the
// simulate command and tests where no database is configured. The unresolved
// index is TTL-bounded so long-running callers do not accumulate stale dedup
// state; the retention only needs to exceed the recurrence window.
type MemoryAlertStore struct {
	mu      sync.Mutex
	nextID  int64
	alerts  []AlertEvent
	now     func() time.Time
	pending *ttlcache.Cache[string, int64] // (machine, severity) -> latest unresolved alert id
}

// NewMemoryAlertStore constructs a memory-backed alert store whose unresolved
// index expires after retention.
func NewMemoryAlertStore(retention time.Duration) *MemoryAlertStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	cache := ttlcache.New[string, int64](
		ttlcache.WithTTL[string, int64](retention),
		ttlcache.WithDisableTouchOnHit[string, int64](),
	)
	go cache.Start()
	return &MemoryAlertStore{now: time.Now, pending: cache}
}

// SetClock overrides the store clock, for tests.
func (m *MemoryAlertStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Stop terminates the expiry goroutine.
func (m *MemoryAlertStore) Stop() {
	m.pending.Stop()
}

func pairKey(machineID, severity string) string {
	return machineID + "|" + severity
}

// CreateAlert appends a new unresolved alert.
func (m *MemoryAlertStore) CreateAlert(ctx context.Context, alert NewAlert) (AlertEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	event := AlertEvent{
		ID:                 m.nextID,
		MachineID:          alert.MachineID,
		Severity:           alert.Severity,
		Message:            alert.Message,
		FailureProbability: alert.FailureProbability,
		AnomalyScore:       alert.AnomalyScore,
		CreatedAt:          m.now().UTC(),
	}
	m.alerts = append(m.alerts, event)
	m.pending.Set(pairKey(alert.MachineID, alert.Severity), event.ID, ttlcache.DefaultTTL)
	return event, nil
}

// MostRecentUnresolved returns the newest unresolved alert for the pair, or nil.
func (m *MemoryAlertStore) MostRecentUnresolved(ctx context.Context, machineID, severity string) (*AlertEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.pending.Get(pairKey(machineID, severity))
	if item == nil {
		return nil, nil
	}
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if m.alerts[i].ID == item.Value() && !m.alerts[i].Resolved {
			event := m.alerts[i]
			return &event, nil
		}
	}
	return nil, nil
}

// ResolveAlert marks an alert resolved and drops it from the unresolved index.
func (m *MemoryAlertStore) ResolveAlert(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.alerts {
		if m.alerts[i].ID != id {
			continue
		}
		if m.alerts[i].Resolved {
			return nil
		}
		resolved := m.now().UTC()
		m.alerts[i].Resolved = true
		m.alerts[i].ResolvedAt = &resolved

		key := pairKey(m.alerts[i].MachineID, m.alerts[i].Severity)
		if item := m.pending.Get(key); item != nil && item.Value() == id {
			m.pending.Delete(key)
		}
		return nil
	}
	return ErrAlertNotFound
}

// ListRecentAlerts returns up to limit alerts, newest first.
func (m *MemoryAlertStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AlertEvent, 0, limit)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.alerts[i])
	}
	return out, nil
}

var _ AlertStore = (*MemoryAlertStore)(nil)
