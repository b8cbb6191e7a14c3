// Package ingestion records analyzer and manual results, runs the critical
// value monitor on each of them and handles reruns.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/critical"
	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/lifecycle"
	"github.com/drfirst/go-lis/internal/observability/metrics"
	"github.com/drfirst/go-lis/internal/protocol"
	"github.com/drfirst/go-lis/internal/specimen"
	"github.com/drfirst/go-lis/pkg/idempotency"
)

// ErrUserRequired is returned when an alert is acknowledged anonymously.
var ErrUserRequired = errors.New("acknowledging user required")

// Input is a reported value.
type Input struct {
	Value          string    `json:"value" validate:"required"`
	Unit           string    `json:"unit"`
	ReferenceRange string    `json:"reference_range"`
	AbnormalFlag   string    `json:"abnormal_flag"`
	ResultTime     time.Time `json:"result_time"`
}

// Outcome is what ingesting one result produced.
type Outcome struct {
	Result     *lab.Result         `json:"result"`
	Evaluation critical.Evaluation `json:"evaluation"`
	Alert      *lab.Alert          `json:"alert,omitempty"`
	// MonitorFailed is set when the critical monitor could not evaluate the
	// result. The failure is recorded as an incident.
	MonitorFailed bool `json:"monitor_failed,omitempty"`
}

// Checker evaluates new results. *critical.Monitor is the production one.
type Checker interface {
	Check(res *lab.Result, sex string) (critical.Evaluation, *lab.Alert, error)
	ReportFailure(res *lab.Result, cause error) *lab.Event
}

// Pipeline is the result ingestion pipeline.
type Pipeline struct {
	engine    *lifecycle.Engine
	specimens *specimen.Registry
	monitor   Checker
	inbox     *idempotency.Inbox
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// New creates a pipeline. inbox may be nil, in which case analyzer
// retransmissions are not deduplicated.
func New(engine *lifecycle.Engine, specimens *specimen.Registry, monitor Checker, inbox *idempotency.Inbox,
	logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		engine:    engine,
		specimens: specimens,
		monitor:   monitor,
		inbox:     inbox,
		logger:    logger,
		metrics:   m,
	}
}

// IngestAutoResult records a result reported by an analyzer for a running item.
func (p *Pipeline) IngestAutoResult(ctx context.Context, itemID, analyzerID string, in Input) (*Outcome, error) {
	if analyzerID == "" {
		return nil, fmt.Errorf("analyzer id required: %w", lab.ErrInvalidInput)
	}
	return p.ingest(ctx, itemID, lab.SourceAuto, analyzerID, in, false)
}

// IngestManualResult records a result entered at the bench.
func (p *Pipeline) IngestManualResult(ctx context.Context, itemID, enteredBy string, in Input) (*Outcome, error) {
	if enteredBy == "" || enteredBy == lab.SystemActor {
		return nil, fmt.Errorf("entered by: %w", lab.ErrValidatorRequired)
	}
	return p.ingest(ctx, itemID, lab.SourceManual, enteredBy, in, false)
}

// ingest records the result and evaluates it before the commit, so the
// alert is stored together with the result it was raised for. With
// implicitStart a received item is started first, which is how analyzers
// that never query the host report their first result.
func (p *Pipeline) ingest(ctx context.Context, itemID string, source lab.Source, actor string, in Input, implicitStart bool) (*Outcome, error) {
	if strings.TrimSpace(in.Value) == "" {
		return nil, fmt.Errorf("result value required: %w", lab.ErrInvalidInput)
	}
	repo := p.engine.Repository()
	out := &Outcome{}

	_, _, err := p.engine.UpdateItem(ctx, itemID, func(req *lab.Request, it *lab.Item) (*lab.Change, error) {
		now := p.engine.Now().UTC()
		analyzerID := ""
		if source == lab.SourceAuto {
			analyzerID = actor
		}
		if implicitStart && it.Status == lab.StatusReceived {
			if err := it.Start(analyzerID, lab.SystemActor, now); err != nil {
				return nil, err
			}
		}

		resultTime, err := nextResultTime(ctx, repo, it.ID, in.ResultTime, now)
		if err != nil {
			return nil, err
		}
		res := &lab.Result{
			ID:             uuid.New().String(),
			ItemID:         it.ID,
			RequestID:      req.ID,
			TestCode:       it.TestCode,
			Value:          strings.TrimSpace(in.Value),
			Unit:           in.Unit,
			ReferenceRange: in.ReferenceRange,
			AbnormalFlag:   in.AbnormalFlag,
			Source:         source,
			AnalyzerID:     analyzerID,
			ResultTime:     resultTime,
			Status:         lab.ResultPending,
		}
		if source == lab.SourceManual {
			res.EnteredBy = actor
		}
		if err := it.RecordResult(res.ID, analyzerID, actor, now); err != nil {
			return nil, err
		}

		change := new(lab.Change).AddItems(it)
		ev, alert, err := p.monitor.Check(res, req.PatientSex)
		if err != nil {
			out.MonitorFailed = true
			if incident := p.monitor.ReportFailure(res, err); incident != nil {
				change.Events = append(change.Events, incident)
			}
		} else {
			res.Severity = ev.Severity
			out.Evaluation = ev
		}
		if alert != nil {
			event, err := alertEvent(lab.EventCriticalAlertRaised, req, alert, lab.SystemActor)
			if err != nil {
				return nil, err
			}
			change.Alerts = append(change.Alerts, alert)
			change.Events = append(change.Events, event)
			out.Alert = alert
		}
		change.Results = append(change.Results, res)
		out.Result = res
		return change, nil
	})
	if err != nil {
		return nil, err
	}

	p.metrics.ResultIngested(source)
	p.logger.Info("result recorded",
		zap.String("request_id", out.Result.RequestID),
		zap.String("item_id", itemID),
		zap.String("test_code", out.Result.TestCode),
		zap.String("source", string(source)),
		zap.String("severity", string(out.Result.Severity)))
	return out, nil
}

// nextResultTime returns the reported time, or now, moved past every
// earlier result of the item.
func nextResultTime(ctx context.Context, repo lab.Repository, itemID string, reported, now time.Time) (time.Time, error) {
	t := reported.UTC()
	if reported.IsZero() {
		t = now
	}
	prior, err := repo.Results(ctx, itemID)
	if err != nil {
		return time.Time{}, err
	}
	for _, r := range prior {
		if !t.After(r.ResultTime) {
			t = r.ResultTime.Add(time.Millisecond)
		}
	}
	return t, nil
}

func alertEvent(et lab.EventType, req *lab.Request, a *lab.Alert, actor string) (*lab.Event, error) {
	at := a.RaisedAt
	if et == lab.EventAlertAcknowledged {
		at = a.AcknowledgedAt
	}
	event, err := lab.NewEvent(a.ID, lab.AggregateAlert, et, &lab.AlertData{
		AlertID:        a.ID,
		RequestID:      a.RequestID,
		ItemID:         a.ItemID,
		ResultID:       a.ResultID,
		TestCode:       a.TestCode,
		Value:          a.Value,
		Unit:           a.Unit,
		Severity:       a.Severity,
		RecipientID:    req.RecipientID,
		PatientID:      req.PatientID,
		At:             at,
		AcknowledgedBy: a.AcknowledgedBy,
	})
	if err != nil {
		return nil, err
	}
	event.RequestID = a.RequestID
	event.Timestamp = at
	event.WithAuditInfo(actor, "")
	return event, nil
}

// Rerun sends items holding a result back to Running. Their current results
// are superseded and stay queryable; alerts raised for them stand. The items
// of one request are rerun in a single commit, so either all of them move or
// none does.
func (p *Pipeline) Rerun(ctx context.Context, itemIDs []string, reason, actor string) ([]*lab.Item, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, lab.ErrReasonRequired
	}
	if len(itemIDs) == 0 {
		return nil, fmt.Errorf("no items to rerun: %w", lab.ErrNoQualifyingItems)
	}
	repo := p.engine.Repository()
	var order []string
	byRequest := make(map[string][]string)
	for _, id := range itemIDs {
		it, err := repo.GetItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if !lab.CanRerun(it.Status) {
			return nil, &lab.TransitionError{ItemID: it.ID, From: it.Status, To: lab.StatusRunning}
		}
		if _, ok := byRequest[it.RequestID]; !ok {
			order = append(order, it.RequestID)
		}
		byRequest[it.RequestID] = append(byRequest[it.RequestID], id)
	}

	out := make([]*lab.Item, 0, len(itemIDs))
	for _, requestID := range order {
		ids := byRequest[requestID]
		var rerun []*lab.Item
		_, err := p.engine.Update(ctx, requestID, ids, func(req *lab.Request) (*lab.Change, error) {
			rerun = rerun[:0]
			now := p.engine.Now().UTC()
			change := new(lab.Change)
			for _, id := range ids {
				it, ok := req.Item(id)
				if !ok {
					return nil, fmt.Errorf("item %s: %w", id, lab.ErrNotFound)
				}
				res, err := lab.CurrentResult(ctx, repo, it)
				if err != nil {
					return nil, err
				}
				if err := it.Rerun(reason, actor, now); err != nil {
					return nil, err
				}
				res.Status = lab.ResultSuperseded
				res.SupersededAt = now
				res.SupersedeReason = reason
				change.AddItems(it)
				change.Results = append(change.Results, res)
				rerun = append(rerun, it)
			}
			return change, nil
		})
		if err != nil {
			return out, fmt.Errorf("rerun request %s: %w", requestID, err)
		}
		out = append(out, rerun...)
		p.logger.Info("items rerun",
			zap.String("request_id", requestID),
			zap.Strings("item_ids", ids),
			zap.String("reason", reason),
			zap.String("actor", actor))
	}
	return out, nil
}

// AcknowledgeAlert records that a user has seen an alert. Acknowledging
// twice keeps the first acknowledgement.
func (p *Pipeline) AcknowledgeAlert(ctx context.Context, alertID, userID string) (*lab.Alert, error) {
	if userID == "" || userID == lab.SystemActor {
		return nil, ErrUserRequired
	}
	repo := p.engine.Repository()
	a, err := repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.AcknowledgedBy != "" {
		return a, nil
	}

	var acked *lab.Alert
	_, _, err = p.engine.UpdateItem(ctx, a.ItemID, func(req *lab.Request, _ *lab.Item) (*lab.Change, error) {
		cur, err := repo.GetAlert(ctx, alertID)
		if err != nil {
			return nil, err
		}
		acked = cur
		if cur.AcknowledgedBy != "" {
			return nil, nil
		}
		cur.AcknowledgedBy = userID
		cur.AcknowledgedAt = p.engine.Now().UTC()
		event, err := alertEvent(lab.EventAlertAcknowledged, req, cur, userID)
		if err != nil {
			return nil, err
		}
		return &lab.Change{Alerts: []*lab.Alert{cur}, Events: []*lab.Event{event}}, nil
	})
	if err != nil {
		return nil, err
	}
	return acked, nil
}

// HandleResults takes analyzer results. Each result is matched to an item
// through its sample barcode and test code. Retransmitted results are
// skipped, and results that match no item are kept as unmatched events so
// nothing the analyzer reported is lost.
func (p *Pipeline) HandleResults(ctx context.Context, analyzerID string, results []protocol.Result) error {
	var errs []error
	for _, r := range results {
		if err := p.handleResult(ctx, analyzerID, r); err != nil {
			errs = append(errs, fmt.Errorf("sample %s test %s: %w", r.SampleID, r.TestCode, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) handleResult(ctx context.Context, analyzerID string, r protocol.Result) error {
	item, matchErr := p.match(ctx, r)
	if matchErr != nil && !errors.Is(matchErr, lab.ErrNotFound) {
		return matchErr
	}
	if p.inbox == nil {
		return p.ingestAnalyzerResult(ctx, analyzerID, r, item, matchErr)
	}
	err := p.inbox.Do(ctx, resultKey(analyzerID, r, item), analyzerID, func(ctx context.Context) error {
		return p.ingestAnalyzerResult(ctx, analyzerID, r, item, matchErr)
	})
	if errors.Is(err, idempotency.ErrDuplicate) || errors.Is(err, idempotency.ErrInProgress) {
		p.logger.Debug("skipping retransmitted result",
			zap.String("analyzer", analyzerID),
			zap.String("sample", r.SampleID),
			zap.String("test_code", r.TestCode))
		return nil
	}
	return err
}

// resultKey identifies an analyzer result for deduplication. A matched
// result is keyed to its item's rerun generation, so a rerun that reports
// the same value as the superseded run is not taken for a retransmission.
func resultKey(analyzerID string, r protocol.Result, item *lab.Item) string {
	parts := []string{analyzerID, r.SampleID, r.TestCode, r.Value, r.ResultTime.UTC().Format(time.RFC3339Nano)}
	if item != nil {
		parts = append(parts, item.ID, strconv.Itoa(item.RerunCount))
	}
	return idempotency.Key(parts...)
}

func (p *Pipeline) ingestAnalyzerResult(ctx context.Context, analyzerID string, r protocol.Result, item *lab.Item, matchErr error) error {
	if matchErr != nil {
		return p.unmatched(ctx, analyzerID, "", r, matchErr)
	}
	_, err := p.ingest(ctx, item.ID, lab.SourceAuto, analyzerID, Input{
		Value:          r.Value,
		Unit:           r.Unit,
		ReferenceRange: r.ReferenceRange,
		AbnormalFlag:   r.Flag,
		ResultTime:     r.ResultTime,
	}, true)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lab.ErrInvalidTransition), errors.Is(err, lab.ErrNotFound):
		return p.unmatched(ctx, analyzerID, item.RequestID, r, err)
	default:
		return err
	}
}

// match finds the item a result belongs to. Running items win over received
// ones.
func (p *Pipeline) match(ctx context.Context, r protocol.Result) (*lab.Item, error) {
	if r.SampleID == "" {
		return nil, fmt.Errorf("result without sample id: %w", lab.ErrNotFound)
	}
	res, err := p.specimens.ResolveBarcode(ctx, r.SampleID)
	if err != nil {
		return nil, err
	}
	var best *lab.Item
	for _, it := range res.Items {
		if !strings.EqualFold(it.TestCode, r.TestCode) || it.Barcode != r.SampleID {
			continue
		}
		if best == nil || it.Status == lab.StatusRunning {
			best = it
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no collected %s item for sample %s: %w", r.TestCode, r.SampleID, lab.ErrNotFound)
	}
	return best, nil
}

func (p *Pipeline) unmatched(ctx context.Context, analyzerID, requestID string, r protocol.Result, cause error) error {
	event, err := lab.NewEvent(analyzerID, lab.AggregateAnalyzer, lab.EventResultUnmatched, &lab.UnmatchedResultData{
		AnalyzerID: analyzerID,
		SampleID:   r.SampleID,
		TestCode:   r.TestCode,
		Value:      r.Value,
		Unit:       r.Unit,
		Flag:       r.Flag,
		ResultTime: r.ResultTime,
		Cause:      cause.Error(),
	})
	if err != nil {
		return err
	}
	event.RequestID = requestID
	event.WithAuditInfo(analyzerID, "unmatched")
	if err := p.engine.Repository().Commit(ctx, &lab.Change{Events: []*lab.Event{event}}); err != nil {
		return fmt.Errorf("record unmatched result: %w", err)
	}
	p.metrics.ResultUnmatched(analyzerID)
	p.logger.Warn("analyzer result matched no item",
		zap.String("analyzer", analyzerID),
		zap.String("sample", r.SampleID),
		zap.String("test_code", r.TestCode),
		zap.Error(cause))
	return nil
}
