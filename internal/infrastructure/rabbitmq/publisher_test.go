package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	queue string
	pub   amqp.Publishing
}

// fakeChannel answers every publish with the configured confirmation.
type fakeChannel struct {
	mu       sync.Mutex
	confirms chan amqp.Confirmation
	ack      bool
	silent   bool
	tag      uint64
	sent     []sent
}

func newFakeChannel(ack bool) *fakeChannel {
	return &fakeChannel{confirms: make(chan amqp.Confirmation, 1), ack: ack}
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{queue: key, pub: msg})
	if !c.silent {
		c.tag++
		c.confirms <- amqp.Confirmation{DeliveryTag: c.tag, Ack: c.ack}
	}
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func message() *Message {
	return &Message{
		ID:          "evt-1",
		Channel:     "critical-alert",
		EventType:   "CriticalAlertRaised",
		RequestID:   "lr-1",
		RecipientID: "dr-9",
		Critical:    true,
		Body:        json.RawMessage(`{"test_code":"K","value":"7.1"}`),
		OccurredAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestPublishWaitsForConfirm(t *testing.T) {
	ch := newFakeChannel(true)
	p := newPublisher(ch, ch.confirms, nil)

	require.NoError(t, p.Publish(context.Background(), QueueCriticalAlerts, message()))

	require.Len(t, ch.sent, 1)
	got := ch.sent[0]
	assert.Equal(t, QueueCriticalAlerts, got.queue)
	assert.Equal(t, uint8(amqp.Persistent), got.pub.DeliveryMode)
	assert.Equal(t, uint8(9), got.pub.Priority)
	assert.Equal(t, "evt-1", got.pub.MessageId)
	assert.Equal(t, "CriticalAlertRaised", got.pub.Type)
	assert.Equal(t, "application/json", got.pub.ContentType)

	var body Message
	require.NoError(t, json.Unmarshal(got.pub.Body, &body))
	assert.Equal(t, "dr-9", body.RecipientID)
	assert.JSONEq(t, `{"test_code":"K","value":"7.1"}`, string(body.Body))
}

func TestRoutineMessageKeepsDefaultPriority(t *testing.T) {
	ch := newFakeChannel(true)
	p := newPublisher(ch, ch.confirms, nil)
	msg := message()
	msg.Critical = false

	require.NoError(t, p.Publish(context.Background(), QueueResultsReady, msg))
	assert.Zero(t, ch.sent[0].pub.Priority)
}

func TestPublishNackIsAnError(t *testing.T) {
	ch := newFakeChannel(false)
	p := newPublisher(ch, ch.confirms, nil)

	err := p.Publish(context.Background(), QueueResultsReady, message())
	assert.ErrorIs(t, err, ErrNotConfirmed)
	assert.ErrorContains(t, err, QueueResultsReady)
}

func TestPublishFailsWhenConfirmsClose(t *testing.T) {
	ch := newFakeChannel(true)
	ch.silent = true
	close(ch.confirms)
	p := newPublisher(ch, ch.confirms, nil)

	assert.ErrorIs(t, p.Publish(context.Background(), QueueResultsReady, message()), amqp.ErrClosed)
}

func TestPublishGivesUpWithContext(t *testing.T) {
	ch := newFakeChannel(true)
	ch.silent = true
	p := newPublisher(ch, ch.confirms, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Publish(ctx, QueueResultsReady, message()), context.DeadlineExceeded)
}

func TestDeadLetter(t *testing.T) {
	ch := newFakeChannel(true)
	p := newPublisher(ch, ch.confirms, nil)
	msg := message()

	require.NoError(t, p.DeadLetter(context.Background(), msg, errors.New("queue full")))

	require.Len(t, ch.sent, 1)
	assert.Equal(t, QueueDeadLetter, ch.sent[0].queue)
	var parked Message
	require.NoError(t, json.Unmarshal(ch.sent[0].pub.Body, &parked))
	assert.Equal(t, 1, parked.FailedCount)
	assert.Equal(t, "queue full", parked.LastError)
	assert.Equal(t, "evt-1", parked.ID)
	assert.Zero(t, msg.FailedCount, "the original message is left as is")
}
