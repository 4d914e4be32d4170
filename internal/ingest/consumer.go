package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"machine-health-alerts/internal/features"
	"machine-health-alerts/internal/storage"
)

// Options configure the MQTT ingestion consumer.
type Options struct {
	BrokerURL      string
	ClientID       string
	Topic          string
	QoS            byte
	Username       string
	Password       string
	ConnectTimeout time.Duration
	FlushInterval  time.Duration
	BatchSize      int
}

// payload is the wire format published by machine gateways. Either a single
// object or a JSON array of objects per message.
type payload struct {
	Timestamp time.Time `json:"timestamp"`
	MachineID string    `json:"machine_id"`
	Sensor    string    `json:"sensor"`
	Value     float64   `json:"value"`
}

// Consumer subscribes to the readings topic and batches valid observations
// into the reading store. Invalid payloads are dropped and counted, never
// fatal; a telemetry stream always contains some garbage.
type Consumer struct {
	opts   Options
	store  storage.ReadingStore
	logger zerolog.Logger
	client mqtt.Client

	mu      sync.Mutex
	pending []storage.ReadingRecord
	dropped int64
}

// NewConsumer constructs an ingestion consumer.
func NewConsumer(opts Options, store storage.ReadingStore, logger zerolog.Logger) *Consumer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	return &Consumer{
		opts:   opts,
		store:  store,
		logger: logger.With().Str("component", "ingest").Logger(),
	}
}

// Run connects, subscribes, and blocks until ctx is cancelled. Remaining
// buffered readings are flushed on shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(c.opts.BrokerURL).
		SetClientID(c.opts.ClientID).
		SetUsername(c.opts.Username).
		SetPassword(c.opts.Password).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	clientOpts.OnConnect = func(client mqtt.Client) {
		token := client.Subscribe(c.opts.Topic, c.opts.QoS, c.handleMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error().Err(err).Str("topic", c.opts.Topic).Msg("subscribe failed")
			return
		}
		c.logger.Info().Str("topic", c.opts.Topic).Msg("subscribed to readings topic")
	}
	clientOpts.OnConnectionLost = func(client mqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("broker connection lost, reconnecting")
	}

	c.client = mqtt.NewClient(clientOpts)
	token := c.client.Connect()
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("connect to broker %s: timeout after %s", c.opts.BrokerURL, c.opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker %s: %w", c.opts.BrokerURL, err)
	}

	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.client.Disconnect(250)
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.flush(flushCtx)
			return ctx.Err()
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *Consumer) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	records, dropped := parsePayload(msg.Payload(), time.Now().UTC())

	c.mu.Lock()
	c.pending = append(c.pending, records...)
	c.dropped += int64(dropped)
	full := len(c.pending) >= c.opts.BatchSize
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Debug().Int("dropped", dropped).Str("topic", msg.Topic()).Msg("invalid readings dropped")
	}
	if full {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.flush(ctx)
	}
}

func (c *Consumer) flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := c.store.InsertReadings(ctx, batch); err != nil {
		c.logger.Error().Err(err).Int("batch", len(batch)).Msg("failed to persist readings batch")
		c.mu.Lock()
		c.pending = append(batch, c.pending...)
		c.mu.Unlock()
		return
	}
	c.logger.Debug().Int("batch", len(batch)).Msg("readings batch persisted")
}

// Dropped reports how many readings were rejected during parsing.
func (c *Consumer) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// parsePayload decodes a message body into reading records. Accepts a single
// JSON object or an array. Readings with an unknown sensor, empty machine id,
// or zero timestamp are rejected; a missing timestamp is taken as receivedAt.
func parsePayload(body []byte, receivedAt time.Time) (records []storage.ReadingRecord, dropped int) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, 0
	}

	var batch []payload
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, 1
		}
	} else {
		var single payload
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, 1
		}
		batch = []payload{single}
	}

	for _, p := range batch {
		if p.MachineID == "" || !features.IsKnownSensor(p.Sensor) {
			dropped++
			continue
		}
		recordedAt := p.Timestamp
		if recordedAt.IsZero() {
			recordedAt = receivedAt
		}
		records = append(records, storage.ReadingRecord{
			RecordedAt: recordedAt.UTC(),
			MachineID:  p.MachineID,
			Sensor:     p.Sensor,
			Value:      p.Value,
		})
	}
	return records, dropped
}
