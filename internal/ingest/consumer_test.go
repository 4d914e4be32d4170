package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"machine-health-alerts/internal/storage"
)

func TestParsePayloadSingleObject(t *testing.T) {
	body := []byte(`{"timestamp":"2026-03-01T12:00:00Z","machine_id":"M01","sensor":"vibration","value":0.42}`)

	records, dropped := parsePayload(body, time.Now())
	if dropped != 0 {
		t.Fatalf("unexpected drops: %d", dropped)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	r := records[0]
	if r.MachineID != "M01" || r.Sensor != "vibration" || r.Value != 0.42 {
		t.Fatalf("record mismatch: %+v", r)
	}
	if !r.RecordedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp mismatch: %v", r.RecordedAt)
	}
}

func TestParsePayloadArray(t *testing.T) {
	body := []byte(`[
		{"timestamp":"2026-03-01T12:00:00Z","machine_id":"M01","sensor":"temperature","value":71.5},
		{"timestamp":"2026-03-01T12:00:00Z","machine_id":"M01","sensor":"pressure","value":2.3}
	]`)

	records, dropped := parsePayload(body, time.Now())
	if dropped != 0 || len(records) != 2 {
		t.Fatalf("expected 2 records, got %d (dropped %d)", len(records), dropped)
	}
}

func TestParsePayloadRejectsInvalidReadings(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown sensor", `{"timestamp":"2026-03-01T12:00:00Z","machine_id":"M01","sensor":"flux","value":1}`},
		{"missing machine", `{"timestamp":"2026-03-01T12:00:00Z","sensor":"rpm","value":1500}`},
		{"malformed json", `{"timestamp":`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			records, dropped := parsePayload([]byte(tc.body), time.Now())
			if len(records) != 0 || dropped != 1 {
				t.Fatalf("expected rejection, got records %+v dropped %d", records, dropped)
			}
		})
	}
}

func TestParsePayloadMissingTimestampUsesReceiveTime(t *testing.T) {
	received := time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC)
	body := []byte(`{"machine_id":"M01","sensor":"rpm","value":1480}`)

	records, dropped := parsePayload(body, received)
	if dropped != 0 || len(records) != 1 {
		t.Fatalf("expected one record, got %d (dropped %d)", len(records), dropped)
	}
	if !records[0].RecordedAt.Equal(received) {
		t.Fatalf("expected receive time %v, got %v", received, records[0].RecordedAt)
	}
}

func TestParsePayloadMixedBatchKeepsValidReadings(t *testing.T) {
	body := []byte(`[
		{"timestamp":"2026-03-01T12:00:00Z","machine_id":"M01","sensor":"vibration","value":0.4},
		{"timestamp":"2026-03-01T12:00:00Z","machine_id":"M01","sensor":"bogus","value":1}
	]`)

	records, dropped := parsePayload(body, time.Now())
	if len(records) != 1 || dropped != 1 {
		t.Fatalf("expected 1 kept and 1 dropped, got %d kept %d dropped", len(records), dropped)
	}
}

type recordingStore struct {
	storage.ReadingStore
	batches [][]storage.ReadingRecord
}

func (r *recordingStore) InsertReadings(ctx context.Context, readings []storage.ReadingRecord) error {
	r.batches = append(r.batches, readings)
	return nil
}

func TestConsumerFlushDrainsPending(t *testing.T) {
	store := &recordingStore{}
	consumer := NewConsumer(Options{BatchSize: 10}, store, zerolog.Nop())

	records, _ := parsePayload([]byte(`{"machine_id":"M01","sensor":"rpm","value":1500}`), time.Now())
	consumer.pending = records

	consumer.flush(context.Background())
	if len(store.batches) != 1 || len(store.batches[0]) != 1 {
		t.Fatalf("expected one flushed batch, got %+v", store.batches)
	}

	// Flushing again with nothing pending must not hit the store.
	consumer.flush(context.Background())
	if len(store.batches) != 1 {
		t.Fatalf("empty flush should be a no-op, got %d batches", len(store.batches))
	}
}
