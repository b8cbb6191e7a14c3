// Package redpanda streams lab events over Kafka-compatible topics with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
)

// Lab topics
const (
	TopicLabEvents      = "lab.events"
	TopicNotifications  = "lab.notifications"
	TopicCriticalAlerts = "lab.critical-alerts"
	TopicBilling        = "lab.billing"
	TopicDeadLetter     = "lab.dead-letter"
)

// TopicFor routes an event type. Everything lands on lab.events except
// what downstream consumers subscribe to directly.
func TopicFor(et lab.EventType) string {
	switch et {
	case lab.EventRequestReleased:
		return TopicNotifications
	case lab.EventCriticalAlertRaised, lab.EventMonitorFailure:
		return TopicCriticalAlerts
	case lab.EventItemCompleted:
		return TopicBilling
	default:
		return TopicLabEvents
	}
}

// KeyFor partitions by request so a request's events stay ordered.
func KeyFor(e *lab.Event) string {
	if e.RequestID != "" {
		return e.RequestID
	}
	return e.AggregateID
}

// Route returns the topic and partition key of an event.
func Route(e *lab.Event) (topic, key string) {
	return TopicFor(e.EventType), KeyFor(e)
}

// TopicSpec describes a lab topic.
type TopicSpec struct {
	Name       string
	Partitions int32
	// Retention bounds redelivery only; the audit trail lives in postgres.
	Retention time.Duration
}

// LabTopics lists the topics the relay publishes to.
var LabTopics = []TopicSpec{
	{TopicLabEvents, 12, 30 * 24 * time.Hour},
	{TopicNotifications, 6, 7 * 24 * time.Hour},
	{TopicCriticalAlerts, 3, 30 * 24 * time.Hour},
	{TopicBilling, 6, 30 * 24 * time.Hour},
	{TopicDeadLetter, 3, 30 * 24 * time.Hour},
}

func (t TopicSpec) configs() map[string]*string {
	retention := strconv.FormatInt(t.Retention.Milliseconds(), 10)
	policy, codec := "delete", "lz4"
	return map[string]*string{
		"retention.ms":     &retention,
		"cleanup.policy":   &policy,
		"compression.type": &codec,
	}
}

// Admin manages topics and reads consumer lag.
type Admin struct {
	client      *kadm.Client
	replication int16
	logger      *zap.Logger
}

// NewAdmin connects to brokers. Topics are created with the brokers'
// default replication factor.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), replication: -1, logger: logger}, nil
}

// EnsureTopics creates the lab topics that do not exist yet. A topic with
// fewer partitions than specified is reported but left as is, since adding
// partitions would reshuffle request keys.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	names := make([]string, len(LabTopics))
	for i, t := range LabTopics {
		names[i] = t.Name
	}
	existing, err := a.client.ListTopics(ctx, names...)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	var errs []error
	for _, t := range LabTopics {
		if d, ok := existing[t.Name]; ok && d.Err == nil {
			if n := int32(len(d.Partitions)); n < t.Partitions {
				a.logger.Warn("topic has fewer partitions than expected",
					zap.String("topic", t.Name),
					zap.Int32("partitions", n),
					zap.Int32("expected", t.Partitions))
			}
			continue
		}
		resp, err := a.client.CreateTopic(ctx, t.Partitions, a.replication, t.configs(), t.Name)
		switch {
		case err == nil && resp.Err == nil:
			a.logger.Info("topic created", zap.String("topic", t.Name), zap.Int32("partitions", t.Partitions))
		case errors.Is(resp.Err, kerr.TopicAlreadyExists):
		case err != nil:
			errs = append(errs, fmt.Errorf("create %s: %w", t.Name, err))
		default:
			errs = append(errs, fmt.Errorf("create %s: %w", t.Name, resp.Err))
		}
	}
	return errors.Join(errs...)
}

// ConsumerLag returns a group's lag summed per topic.
func (a *Admin) ConsumerLag(ctx context.Context, group string) (map[string]int64, error) {
	lags, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("lag of %s: %w", group, err)
	}
	gl, ok := lags[group]
	if !ok {
		return nil, fmt.Errorf("group %s not described", group)
	}
	return topicLag(&gl)
}

func topicLag(gl *kadm.DescribedGroupLag) (map[string]int64, error) {
	if err := gl.Error(); err != nil {
		return nil, fmt.Errorf("lag of %s: %w", gl.Group, err)
	}
	out := make(map[string]int64)
	for _, tl := range gl.Lag.TotalByTopic() {
		out[tl.Topic] = tl.Lag
	}
	return out, nil
}

func (a *Admin) Close() { a.client.Close() }
