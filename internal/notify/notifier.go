// Package notify turns released results and critical alerts read from the
// event stream into clinician notifications. It never touches lab state.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/infrastructure/rabbitmq"
	"github.com/drfirst/go-lis/internal/infrastructure/redpanda"
	"github.com/drfirst/go-lis/internal/observability/metrics"
	"github.com/drfirst/go-lis/pkg/circuitbreaker"
	"github.com/drfirst/go-lis/pkg/workerpool"
)

// Channels
const (
	ChannelResultsReady  = "results-ready"
	ChannelCriticalAlert = "critical-alert"
	ChannelIncident      = "incident"
)

// Publisher delivers a message to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg *rabbitmq.Message) error
	DeadLetter(ctx context.Context, msg *rabbitmq.Message, cause error) error
}

type delivery struct {
	queue string
	msg   *rabbitmq.Message
	// settled receives the outcome once the message is published,
	// dead-lettered or given up on.
	settled chan error
}

// Notifier fans lab events out to notification queues. Each queue has its
// own breaker; failed deliveries are retried by the worker pool and end on
// the dead letter queue once retries are exhausted.
type Notifier struct {
	publisher Publisher
	breakers  *circuitbreaker.Manager
	breaker   circuitbreaker.Config
	pool      *workerpool.Pool[delivery]
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// New creates a notifier. m may be nil.
func New(pub Publisher, breakers *circuitbreaker.Manager, breakerCfg circuitbreaker.Config, poolCfg workerpool.Config, logger *zap.Logger, m *metrics.Metrics) (*Notifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger)
	}
	n := &Notifier{
		publisher: pub,
		breakers:  breakers,
		breaker:   breakerCfg,
		logger:    logger,
		metrics:   m,
	}
	pool, err := workerpool.New(poolCfg, n.deliver, n.settle, logger)
	if err != nil {
		return nil, err
	}
	n.pool = pool
	return n, nil
}

func (n *Notifier) Start() {
	n.pool.Start()
}

// Stop drains the pool. Deliveries parked for a retry are dropped and show
// up in the pool's Dropped count; their records stay uncommitted.
func (n *Notifier) Stop() error {
	return n.pool.Stop()
}

// HandleMessage is the stream handler. Records that are not lab events are
// skipped; events that need no notification are acknowledged as is.
// Otherwise it returns once the delivery has settled, so the record is only
// committed after its message was published or dead-lettered. A full queue,
// a lost message or ctx ending first leaves the record to be read again.
func (n *Notifier) HandleMessage(ctx context.Context, rec *redpanda.ConsumedMessage) error {
	var e lab.Event
	if err := json.Unmarshal(rec.Value, &e); err != nil {
		return redpanda.Skip(fmt.Errorf("decode event: %w", err))
	}
	queue, msg, err := Build(&e)
	if err != nil {
		return redpanda.Skip(fmt.Errorf("event %s (%s): %w", e.ID, e.EventType, err))
	}
	if msg == nil {
		return nil
	}
	d := delivery{queue: queue, msg: msg, settled: make(chan error, 1)}
	if err := n.pool.Submit(workerpool.Job[delivery]{ID: msg.ID, Ctx: ctx, Value: d}); err != nil {
		return err
	}
	select {
	case err := <-d.settled:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Build maps an event to its queue and message. A nil message means the
// event needs no notification.
func Build(e *lab.Event) (string, *rabbitmq.Message, error) {
	msg := &rabbitmq.Message{
		ID:         e.ID,
		EventType:  string(e.EventType),
		RequestID:  e.RequestID,
		Body:       e.EventData,
		OccurredAt: e.Timestamp,
	}
	switch e.EventType {
	case lab.EventRequestReleased:
		var data lab.NotificationData
		if err := e.Decode(&data); err != nil {
			return "", nil, err
		}
		msg.Channel = ChannelResultsReady
		msg.RequestID = data.RequestID
		msg.RecipientID = data.RecipientID
		msg.Critical = data.HasCritical
		return rabbitmq.QueueResultsReady, msg, nil
	case lab.EventCriticalAlertRaised:
		var data lab.AlertData
		if err := e.Decode(&data); err != nil {
			return "", nil, err
		}
		msg.Channel = ChannelCriticalAlert
		msg.RequestID = data.RequestID
		msg.RecipientID = data.RecipientID
		msg.Critical = true
		return rabbitmq.QueueCriticalAlerts, msg, nil
	case lab.EventMonitorFailure:
		var data lab.MonitorFailureData
		if err := e.Decode(&data); err != nil {
			return "", nil, err
		}
		msg.Channel = ChannelIncident
		msg.RequestID = data.RequestID
		msg.Critical = true
		return rabbitmq.QueueIncidents, msg, nil
	default:
		return "", nil, nil
	}
}

func (n *Notifier) deliver(ctx context.Context, job workerpool.Job[delivery], _ int) error {
	d := job.Value
	cb, err := n.breakers.GetOrCreate(d.queue, n.breaker)
	if err != nil {
		return err
	}
	return cb.Execute(ctx, func(ctx context.Context) error {
		return n.publisher.Publish(ctx, d.queue, d.msg)
	})
}

// settle dead-letters deliveries that ran out of retries and reports the
// outcome to the waiting handler.
func (n *Notifier) settle(o workerpool.Outcome[delivery]) {
	d := o.Job.Value
	d.settled <- n.outcome(o)
}

func (n *Notifier) outcome(o workerpool.Outcome[delivery]) error {
	d := o.Job.Value
	switch {
	case o.Err == nil:
		n.metrics.Notification(d.msg.Channel, "sent")
		n.logger.Info("notification delivered",
			zap.String("channel", d.msg.Channel),
			zap.String("request_id", d.msg.RequestID),
			zap.Int("attempts", o.Attempts))
		return nil
	case errors.Is(o.Err, context.Canceled), errors.Is(o.Err, context.DeadlineExceeded):
		n.metrics.Notification(d.msg.Channel, "cancelled")
		return o.Err
	}
	if err := n.publisher.DeadLetter(context.Background(), d.msg, o.Err); err != nil {
		n.metrics.Notification(d.msg.Channel, "lost")
		n.logger.Error("notification not delivered",
			zap.String("channel", d.msg.Channel),
			zap.String("request_id", d.msg.RequestID),
			zap.NamedError("cause", o.Err),
			zap.Error(err))
		return fmt.Errorf("notification %s: dead-letter: %w", d.msg.ID, err)
	}
	n.metrics.Notification(d.msg.Channel, "dead_lettered")
	n.logger.Warn("notification dead-lettered",
		zap.String("channel", d.msg.Channel),
		zap.String("request_id", d.msg.RequestID),
		zap.Error(o.Err))
	return nil
}
