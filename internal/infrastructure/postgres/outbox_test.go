package postgres

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelayGrowsToCap(t *testing.T) {
	o := NewOutboxRelay(nil, nil, OutboxConfig{RetryBase: time.Second, RetryMax: 10 * time.Second}, nil, nil)

	assert.Equal(t, time.Second, o.retryDelay(1))
	assert.Equal(t, 2*time.Second, o.retryDelay(2))
	assert.Equal(t, 8*time.Second, o.retryDelay(4))
	assert.Equal(t, 10*time.Second, o.retryDelay(9))
}

func TestNewOutboxRelayFillsDefaults(t *testing.T) {
	o := NewOutboxRelay(nil, nil, OutboxConfig{}, nil, nil)
	assert.Equal(t, DefaultOutboxConfig().BatchSize, o.cfg.BatchSize)
	assert.Equal(t, "lab.dead-letter", o.cfg.DeadLetterTopic)
	assert.Equal(t, 8, o.cfg.MaxAttempts)
}

func TestDeadLetterEnvelope(t *testing.T) {
	lastErr := "broker unavailable"
	row := &outboxRow{
		ID:        41,
		EventID:   "ev-1",
		EventType: "LabRequestReleased",
		Topic:     "lab.notifications",
		Key:       "lr-1",
		Payload:   []byte(`{"id":"ev-1"}`),
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Attempts:  8,
		LastError: &lastErr,
	}
	b, err := deadLetter(row)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "lab.notifications", got["original_topic"])
	assert.Equal(t, "broker unavailable", got["last_error"])
	assert.Equal(t, float64(8), got["attempts"])
	assert.Equal(t, map[string]any{"id": "ev-1"}, got["payload"])
}

func TestSchemaDefinesTables(t *testing.T) {
	for _, table := range []string{"lab_requests", "lab_items", "lab_events", "lab_alerts", "lab_outbox", "inbox", "service_orders"} {
		assert.Contains(t, Schema(), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}
