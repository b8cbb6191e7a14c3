// Package rabbitmq delivers clinician notifications to RabbitMQ queues.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Queues
const (
	QueueResultsReady   = "lis.results-ready"
	QueueCriticalAlerts = "lis.critical-alerts"
	QueueIncidents      = "lis.incidents"
	QueueDeadLetter     = "lis.notifications.dlq"
)

var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// Message is the body placed on a notification queue.
type Message struct {
	ID          string          `json:"id"`
	Channel     string          `json:"channel"`
	EventType   string          `json:"event_type"`
	RequestID   string          `json:"request_id"`
	RecipientID string          `json:"recipient_id,omitempty"`
	Critical    bool            `json:"critical,omitempty"`
	Body        json.RawMessage `json:"body"`
	FailedCount int             `json:"failed_count,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// Dial connects to the broker.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

// channel is the part of *amqp.Channel a Publisher needs once set up.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes persistent messages and waits for broker confirms.
type Publisher struct {
	ch       channel
	logger   *zap.Logger
	confirms chan amqp.Confirmation
	mu       sync.Mutex
}

// NewPublisher opens a channel, declares the durable queues and enables
// publisher confirms.
func NewPublisher(conn *amqp.Connection, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	for _, q := range []string{QueueResultsReady, QueueCriticalAlerts, QueueIncidents, QueueDeadLetter} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("declare %s: %w", q, err)
		}
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, err
	}

	return newPublisher(ch, ch.NotifyPublish(make(chan amqp.Confirmation, 1)), logger), nil
}

func newPublisher(ch channel, confirms chan amqp.Confirmation, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{ch: ch, logger: logger, confirms: confirms}
}

// Publish sends msg to queue. It returns once the broker confirmed it.
func (p *Publisher) Publish(ctx context.Context, queue string, msg *Message) error {
	pub, err := publishing(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}

	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			return fmt.Errorf("publish to %s: %w", queue, amqp.ErrClosed)
		}
		if !confirmed.Ack {
			return fmt.Errorf("publish to %s: %w", queue, ErrNotConfirmed)
		}
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", queue, ctx.Err())
	}

	p.logger.Debug("notification published",
		zap.String("queue", queue),
		zap.String("message_id", msg.ID))
	return nil
}

// publishing wraps msg as a persistent JSON message. Critical messages get
// the highest priority.
func publishing(msg *Message) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.OccurredAt,
		Type:         msg.EventType,
	}
	if msg.Critical {
		pub.Priority = 9
	}
	return pub, nil
}

// DeadLetter parks a message that could not be delivered.
func (p *Publisher) DeadLetter(ctx context.Context, msg *Message, cause error) error {
	dl := *msg
	dl.FailedCount++
	if cause != nil {
		dl.LastError = cause.Error()
	}
	return p.Publish(ctx, QueueDeadLetter, &dl)
}

// Close closes the channel.
func (p *Publisher) Close() error {
	return p.ch.Close()
}
