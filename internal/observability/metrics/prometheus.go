// Package metrics provides Prometheus metrics for the lab engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-lis/internal/domain/lab"
)

// Metrics holds all application metrics. A nil *Metrics records nothing, so
// services and tests can run without a registry.
type Metrics struct {
	OrdersReceived        prometheus.Counter
	ItemTransitions       *prometheus.CounterVec
	ResultsIngested       *prometheus.CounterVec
	ResultsUnmatched      *prometheus.CounterVec
	AlertsRaised          *prometheus.CounterVec
	MonitorFailures       prometheus.Counter
	DispatchOutcomes      *prometheus.CounterVec
	ReleasesCompleted     prometheus.Counter
	NotificationsSent     *prometheus.CounterVec
	AnalyzerOnline        *prometheus.GaugeVec
	DecodeErrors          *prometheus.CounterVec
	ProcessingDuration    *prometheus.HistogramVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		OrdersReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lis_orders_received_total",
			Help: "Total service orders accepted into lab requests",
		}),
		ItemTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_item_transitions_total",
			Help: "Item status transitions by target status",
		}, []string{"status"}),
		ResultsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_results_ingested_total",
			Help: "Results recorded by source",
		}, []string{"source"}),
		ResultsUnmatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_results_unmatched_total",
			Help: "Analyzer results that resolved to no item",
		}, []string{"analyzer"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_alerts_raised_total",
			Help: "Critical value alerts by severity",
		}, []string{"severity"}),
		MonitorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lis_critical_monitor_failures_total",
			Help: "Critical value monitor failures requiring manual follow-up",
		}),
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_dispatch_total",
			Help: "Worklist deliveries by outcome",
		}, []string{"outcome"}),
		ReleasesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lis_releases_total",
			Help: "Lab requests released",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_notifications_total",
			Help: "Notification deliveries by channel and outcome",
		}, []string{"channel", "outcome"}),
		AnalyzerOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lis_analyzer_online",
			Help: "Analyzer session status (1=online)",
		}, []string{"analyzer"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lis_protocol_decode_errors_total",
			Help: "Analyzer messages dropped on decode errors",
		}, []string{"protocol"}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lis_operation_duration_seconds",
			Help:    "Lab operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.OrdersReceived,
		m.ItemTransitions,
		m.ResultsIngested,
		m.ResultsUnmatched,
		m.AlertsRaised,
		m.MonitorFailures,
		m.DispatchOutcomes,
		m.ReleasesCompleted,
		m.NotificationsSent,
		m.AnalyzerOnline,
		m.DecodeErrors,
		m.ProcessingDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) OrderReceived() {
	if m != nil {
		m.OrdersReceived.Inc()
	}
}

// Transitions counts the pending status changes of the given items.
func (m *Metrics) Transitions(events []*lab.Event) {
	if m == nil {
		return
	}
	for _, e := range events {
		if e.AggregateType != lab.AggregateItem {
			continue
		}
		var data lab.ItemEventData
		if err := e.Decode(&data); err == nil {
			m.ItemTransitions.WithLabelValues(data.To.String()).Inc()
		}
	}
}

func (m *Metrics) ResultIngested(source lab.Source) {
	if m != nil {
		m.ResultsIngested.WithLabelValues(string(source)).Inc()
	}
}

func (m *Metrics) ResultUnmatched(analyzerID string) {
	if m != nil {
		m.ResultsUnmatched.WithLabelValues(analyzerID).Inc()
	}
}

func (m *Metrics) AlertRaised(s lab.Severity) {
	if m != nil {
		m.AlertsRaised.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) MonitorFailed() {
	if m != nil {
		m.MonitorFailures.Inc()
	}
}

// Dispatch records a worklist delivery outcome: sent, queued, bench, cancelled, failed.
func (m *Metrics) Dispatch(outcome string) {
	if m != nil {
		m.DispatchOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Released() {
	if m != nil {
		m.ReleasesCompleted.Inc()
	}
}

func (m *Metrics) Notification(channel, outcome string) {
	if m != nil {
		m.NotificationsSent.WithLabelValues(channel, outcome).Inc()
	}
}

// AnalyzerStatus sets the online gauge for one analyzer.
func (m *Metrics) AnalyzerStatus(analyzerID string, online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.AnalyzerOnline.WithLabelValues(analyzerID).Set(v)
}

func (m *Metrics) DecodeError(protocol string) {
	if m != nil {
		m.DecodeErrors.WithLabelValues(protocol).Inc()
	}
}

// Observe records how long an operation took in seconds.
func (m *Metrics) Observe(operation string, seconds float64) {
	if m != nil {
		m.ProcessingDuration.WithLabelValues(operation).Observe(seconds)
	}
}

// BreakerState records a circuit breaker state change.
func (m *Metrics) BreakerState(name string, state float64) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(state)
	}
}

func (m *Metrics) KafkaProduced() {
	if m != nil {
		m.KafkaMessagesProduced.Inc()
	}
}

func (m *Metrics) KafkaConsumed() {
	if m != nil {
		m.KafkaMessagesConsumed.Inc()
	}
}

// SetOutboxPending sets the number of unpublished outbox entries.
func (m *Metrics) SetOutboxPending(n int) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
