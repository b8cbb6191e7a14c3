package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/infrastructure/redpanda"
)

type record struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	mu      sync.Mutex
	fail    map[string]error
	records []record
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[topic]; err != nil {
		return err
	}
	p.records = append(p.records, record{topic, key, value})
	return nil
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.records))
	for i, r := range p.records {
		out[i] = r.topic
	}
	return out
}

func released(t *testing.T, repo *lab.MemoryRepository) *lab.Request {
	t.Helper()
	req, err := lab.NewRequest(lab.NewRequestSpec{
		ServiceOrderID: "so-1",
		PatientID:      "pat-1",
		Items:          []lab.NewItemSpec{{ServiceID: "svc-glu", TestCode: "GLU", SpecimenType: "SERUM"}},
	}, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, req.MarkReleased(&lab.NotificationData{HasCritical: true}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, repo.Commit(context.Background(), &lab.Change{NewRequest: req}))
	return req
}

func testRelay(repo *lab.MemoryRepository, pub Publisher) *Relay {
	return NewRelay(repo, pub, redpanda.Route, Config{MaxAttempts: 3, RetryBase: time.Millisecond, RetryMax: time.Millisecond}, nil, nil)
}

func TestDrainPublishesInCommitOrder(t *testing.T) {
	repo := lab.NewMemoryRepository()
	req := released(t, repo)
	pub := &fakePublisher{}

	n, err := testRelay(repo, pub).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{redpanda.TopicLabEvents, redpanda.TopicNotifications}, pub.topics())
	assert.Equal(t, req.ID, pub.records[1].key)
	assert.Empty(t, repo.Outbox())
}

func TestDrainHoldsEventsBehindFailure(t *testing.T) {
	repo := lab.NewMemoryRepository()
	released(t, repo)
	pub := &fakePublisher{fail: map[string]error{redpanda.TopicLabEvents: errors.New("broker down")}}
	relay := testRelay(repo, pub)

	n, err := relay.Drain(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.topics(), "the notification waits behind the failed event")
	assert.Len(t, repo.Outbox(), 2)

	pub.mu.Lock()
	pub.fail = nil
	pub.mu.Unlock()
	time.Sleep(5 * time.Millisecond)

	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, repo.Outbox())
}

func TestDrainDeadLettersAfterMaxAttempts(t *testing.T) {
	repo := lab.NewMemoryRepository()
	released(t, repo)
	pub := &fakePublisher{fail: map[string]error{redpanda.TopicNotifications: errors.New("topic missing")}}
	relay := testRelay(repo, pub)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	relay.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, _ = relay.Drain(context.Background())
		now = now.Add(time.Second)
	}

	assert.Equal(t, []string{redpanda.TopicLabEvents, redpanda.TopicDeadLetter}, pub.topics())
	assert.Empty(t, repo.Outbox())

	var env map[string]any
	require.NoError(t, json.Unmarshal(pub.records[1].value, &env))
	assert.Equal(t, redpanda.TopicNotifications, env["original_topic"])
	assert.Equal(t, string(lab.EventRequestReleased), env["event_type"])
	assert.Equal(t, float64(3), env["attempts"])
	assert.Equal(t, "topic missing", env["last_error"])
}

func TestStopDeliversQueuedEvents(t *testing.T) {
	repo := lab.NewMemoryRepository()
	pub := &fakePublisher{}
	relay := NewRelay(repo, pub, nil, Config{PollInterval: time.Hour}, nil, nil)
	relay.Start()

	released(t, repo)
	relay.Stop()

	assert.Len(t, pub.topics(), 2)
	assert.Empty(t, repo.Outbox())
}

func TestLogPublisherWarnsOnCriticalAlerts(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	pub := NewLogPublisher(zap.New(core))

	require.NoError(t, pub.Publish(context.Background(), redpanda.TopicCriticalAlerts, "lr-1", []byte(`{}`)))
	require.NoError(t, pub.Publish(context.Background(), redpanda.TopicBilling, "lr-1", []byte(`{}`)))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
	assert.Equal(t, redpanda.TopicCriticalAlerts, entries[0].ContextMap()["topic"])
}
