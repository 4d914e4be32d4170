package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSendsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	notifier := NewTelegramNotifier("token123", "chat42", server.URL, time.Second, zerolog.Nop())

	probability := 0.82
	err := notifier.Notify(context.Background(), Notification{
		MachineID:          "M01",
		Severity:           "HIGH",
		Message:            "HIGH: machine M01 has 82.0% failure probability in next 24h",
		FailureProbability: &probability,
		HorizonHours:       24,
		CreatedAt:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	if gotPath != "/bottoken123/sendMessage" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotPayload["chat_id"] != "chat42" {
		t.Fatalf("unexpected chat id %q", gotPayload["chat_id"])
	}
	text := gotPayload["text"]
	for _, fragment := range []string{"Machine: M01", "Severity: HIGH", "Failure probability: 82.0%", "Horizon: 24h"} {
		if !strings.Contains(text, fragment) {
			t.Fatalf("message missing %q:\n%s", fragment, text)
		}
	}
	if strings.Contains(text, "Anomaly score") {
		t.Fatalf("message should omit absent anomaly score:\n%s", text)
	}
}

func TestTelegramNotifierHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := NewTelegramNotifier("token", "chat", server.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), Notification{MachineID: "M01", Severity: "HIGH"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestTelegramNotifierAPIFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false}`))
	}))
	defer server.Close()

	notifier := NewTelegramNotifier("token", "chat", server.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), Notification{MachineID: "M01", Severity: "HIGH"}); err == nil {
		t.Fatal("expected error when the API reports ok=false")
	}
}
