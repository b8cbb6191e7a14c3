package critical

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/observability/metrics"
)

// Monitor checks every new result against the catalog and builds an alert for
// critical values. It never panics into the caller.
type Monitor struct {
	catalog *Catalog
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewMonitor creates a monitor over the catalog.
func NewMonitor(catalog *Catalog, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		catalog: catalog,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Check evaluates res for a patient of the given sex. The returned alert is
// nil unless the result is critical. A failure is returned as an error and
// must be handled as a critical monitor incident by the caller.
func (m *Monitor) Check(res *lab.Result, sex string) (ev Evaluation, alert *lab.Alert, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("critical monitor panic: %v", r)
			alert = nil
		}
	}()

	var limits *Limits
	if res != nil {
		if l, ok := m.catalog.Lookup(res.TestCode, sex); ok {
			limits = &l
		}
	}

	ev, err = Evaluate(res, limits)
	if err != nil {
		return Evaluation{}, nil, err
	}
	if !ev.Severity.Critical() {
		return ev, nil, nil
	}

	alert = &lab.Alert{
		ID:        uuid.New().String(),
		RequestID: res.RequestID,
		ItemID:    res.ItemID,
		ResultID:  res.ID,
		TestCode:  res.TestCode,
		Value:     res.Value,
		Unit:      res.Unit,
		Severity:  ev.Severity,
		Low:       ev.Low,
		High:      ev.High,
		RaisedAt:  m.now(),
	}
	m.metrics.AlertRaised(ev.Severity)
	m.logger.Warn("critical value",
		zap.String("request_id", res.RequestID),
		zap.String("item_id", res.ItemID),
		zap.String("test_code", res.TestCode),
		zap.String("value", res.Value),
		zap.String("severity", string(ev.Severity)))
	return ev, alert, nil
}

// ReportFailure records a monitor failure as an operational incident. The
// returned event keeps the incident in the audit log and outbox.
func (m *Monitor) ReportFailure(res *lab.Result, cause error) *lab.Event {
	m.metrics.MonitorFailed()
	fields := []zap.Field{
		zap.String("incident", "critical_monitor_failure"),
		zap.Error(cause),
	}
	data := &lab.MonitorFailureData{Error: cause.Error()}
	aggregateID := ""
	if res != nil {
		fields = append(fields,
			zap.String("request_id", res.RequestID),
			zap.String("item_id", res.ItemID),
			zap.String("result_id", res.ID),
			zap.String("test_code", res.TestCode),
			zap.String("value", res.Value))
		data.RequestID = res.RequestID
		data.ItemID = res.ItemID
		data.ResultID = res.ID
		data.TestCode = res.TestCode
		data.Value = res.Value
		aggregateID = res.ItemID
	}
	m.logger.Error("critical value monitor failed, manual follow-up required", fields...)

	event, err := lab.NewEvent(aggregateID, lab.AggregateItem, lab.EventMonitorFailure, data)
	if err != nil {
		m.logger.Error("failed to build monitor failure event", zap.Error(err))
		return nil
	}
	event.RequestID = data.RequestID
	event.WithAuditInfo(lab.SystemActor, "critical_monitor_failure")
	return event
}
