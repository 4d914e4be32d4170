package storage

import (
	"context"
	"testing"
	"time"
)

func TestMemoryAlertStoreCreateAndLookup(t *testing.T) {
	store := NewMemoryAlertStore(time.Hour)
	defer store.Stop()
	ctx := context.Background()

	created, err := store.CreateAlert(ctx, NewAlert{MachineID: "M01", Severity: SeverityHigh, Message: "m"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == 0 || created.Resolved {
		t.Fatalf("created alert malformed: %+v", created)
	}

	got, err := store.MostRecentUnresolved(ctx, "M01", SeverityHigh)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got == nil || got.ID != created.ID {
		t.Fatalf("expected alert %d, got %+v", created.ID, got)
	}

	if got, _ := store.MostRecentUnresolved(ctx, "M01", SeverityCritical); got != nil {
		t.Fatalf("different severity should not match, got %+v", got)
	}
	if got, _ := store.MostRecentUnresolved(ctx, "M02", SeverityHigh); got != nil {
		t.Fatalf("different machine should not match, got %+v", got)
	}
}

func TestMemoryAlertStoreResolveClearsPair(t *testing.T) {
	store := NewMemoryAlertStore(time.Hour)
	defer store.Stop()
	ctx := context.Background()

	created, _ := store.CreateAlert(ctx, NewAlert{MachineID: "M01", Severity: SeverityMedium, Message: "m"})
	if err := store.ResolveAlert(ctx, created.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if got, _ := store.MostRecentUnresolved(ctx, "M01", SeverityMedium); got != nil {
		t.Fatalf("resolved alert should not be returned, got %+v", got)
	}

	alerts, _ := store.ListRecentAlerts(ctx, 10)
	if len(alerts) != 1 || !alerts[0].Resolved || alerts[0].ResolvedAt == nil {
		t.Fatalf("resolution should be recorded: %+v", alerts)
	}

	if err := store.ResolveAlert(ctx, 999); err != ErrAlertNotFound {
		t.Fatalf("unknown id should return ErrAlertNotFound, got %v", err)
	}
}

func TestMemoryAlertStoreListNewestFirst(t *testing.T) {
	store := NewMemoryAlertStore(time.Hour)
	defer store.Stop()
	ctx := context.Background()

	for _, severity := range []string{SeverityLow, SeverityMedium, SeverityHigh} {
		if _, err := store.CreateAlert(ctx, NewAlert{MachineID: "M01", Severity: severity, Message: severity}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	alerts, err := store.ListRecentAlerts(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("limit not honoured, got %d alerts", len(alerts))
	}
	if alerts[0].Severity != SeverityHigh || alerts[1].Severity != SeverityMedium {
		t.Fatalf("alerts should be newest first: %+v", alerts)
	}
}
