// Package dispatch turns pending lab items into analyzer worklists and
// answers analyzer host queries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/analyzer"
	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/lifecycle"
	"github.com/drfirst/go-lis/internal/observability/metrics"
	"github.com/drfirst/go-lis/internal/protocol"
	"github.com/drfirst/go-lis/internal/specimen"
	"github.com/drfirst/go-lis/pkg/workerpool"
)

// Sender delivers worklists to analyzers.
type Sender interface {
	Send(ctx context.Context, analyzerID string, wl *protocol.Worklist) error
	Online(analyzerID string) bool
}

// Outcome of one analyzer delivery.
const (
	OutcomeSent      = "sent"
	OutcomeQueued    = "queued"
	OutcomeRetried   = "redelivered"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeBench     = "bench"
)

// Delivery reports what happened to one analyzer's share of a dispatch.
type Delivery struct {
	AnalyzerID string   `json:"analyzer_id"`
	ItemIDs    []string `json:"item_ids"`
	Outcome    string   `json:"outcome"`
}

// Result is the outcome of Dispatch.
type Result struct {
	WorklistID string     `json:"worklist_id"`
	Deliveries []Delivery `json:"deliveries"`
	// BenchItems have no analyzer mapping and are run manually.
	BenchItems []string `json:"bench_items,omitempty"`
}

// job is a queued redelivery.
type job struct {
	requestID  string
	worklistID string
	analyzerID string
	itemIDs    []string
	samples    map[string]string // specimen type -> barcode
	outcome    string
}

// Dispatcher sends worklists and queues deliveries to offline analyzers.
type Dispatcher struct {
	engine    *lifecycle.Engine
	specimens *specimen.Registry
	analyzers *analyzer.Registry
	sender    Sender
	pool      *workerpool.Pool[*job]
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	pending map[string]map[string]context.CancelFunc // request id -> task id -> cancel
}

// New creates a dispatcher and registers it for rejection notices.
func New(engine *lifecycle.Engine, specimens *specimen.Registry, analyzers *analyzer.Registry, sender Sender,
	poolCfg workerpool.Config, logger *zap.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		engine:    engine,
		specimens: specimens,
		analyzers: analyzers,
		sender:    sender,
		logger:    logger,
		metrics:   m,
		pending:   make(map[string]map[string]context.CancelFunc),
	}
	pool, err := workerpool.New(poolCfg, d.redeliver, d.settle, logger.Named("dispatch-retry"))
	if err != nil {
		return nil, err
	}
	d.pool = pool
	engine.OnReject(d.onReject)
	return d, nil
}

// Start launches the retry workers.
func (d *Dispatcher) Start() {
	d.pool.Start()
}

// Stop drops queued retries and stops the workers.
func (d *Dispatcher) Stop() error {
	return d.pool.Stop()
}

// Dispatch places every pending item of the request on a worklist. Items are
// grouped by the analyzer that runs their test and by specimen, which gets a
// barcode here unless it already has one. Offline analyzers get the worklist
// later through the retry queue.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID string) (*Result, error) {
	req, err := d.engine.Request(ctx, requestID)
	if err != nil {
		return nil, err
	}
	pending := req.ItemsInStatus(lab.StatusPendingCollection)
	if len(pending) == 0 {
		return nil, fmt.Errorf("request %s: %w", requestID, lab.ErrNoQualifyingItems)
	}

	samples, err := d.sampleIDs(ctx, req, pending)
	if err != nil {
		return nil, err
	}

	worklistID := lab.NewWorklistID(d.engine.Now(), req.ID)
	ids := make([]string, 0, len(pending))
	for _, it := range pending {
		ids = append(ids, it.ID)
	}
	req, err = d.engine.MarkWorklistSent(ctx, requestID, worklistID, ids)
	if err != nil {
		return nil, err
	}

	res := &Result{WorklistID: worklistID}
	groups := map[string][]string{}
	var order []string
	for _, id := range ids {
		it, _ := req.Item(id)
		route := d.analyzers.Route(it.TestCode)
		if len(route) == 0 {
			res.BenchItems = append(res.BenchItems, id)
			d.metrics.Dispatch(OutcomeBench)
			continue
		}
		aid := route[0].ID
		if _, ok := groups[aid]; !ok {
			order = append(order, aid)
		}
		groups[aid] = append(groups[aid], id)
	}

	for _, aid := range order {
		wl := buildWorklist(req, worklistID, aid, groups[aid], samples)
		outcome := d.deliver(ctx, req.ID, wl, groups[aid], samples)
		res.Deliveries = append(res.Deliveries, Delivery{AnalyzerID: aid, ItemIDs: groups[aid], Outcome: outcome})
	}

	d.logger.Info("worklist dispatched",
		zap.String("request_id", req.ID),
		zap.String("worklist_id", worklistID),
		zap.Int("analyzers", len(order)),
		zap.Int("bench_items", len(res.BenchItems)))
	return res, nil
}

// sampleIDs returns the tube barcode per specimen type, assigning one where
// the request has none yet.
func (d *Dispatcher) sampleIDs(ctx context.Context, req *lab.Request, items []*lab.Item) (map[string]string, error) {
	out := map[string]string{}
	if req.Barcode != "" {
		if res, err := d.specimens.ResolveBarcode(ctx, req.Barcode); err == nil {
			out[res.SpecimenType] = req.Barcode
		}
	}
	for _, it := range items {
		if it.Barcode != "" {
			out[it.SpecimenType] = it.Barcode
		}
	}
	for _, it := range items {
		if _, ok := out[it.SpecimenType]; ok {
			continue
		}
		bc, err := d.specimens.AssignBarcode(ctx, req.ID, it.SpecimenType, lab.SystemActor)
		if err != nil {
			return nil, fmt.Errorf("assign barcode for %s: %w", it.SpecimenType, err)
		}
		out[it.SpecimenType] = bc
	}
	return out, nil
}

func buildWorklist(req *lab.Request, worklistID, analyzerID string, itemIDs []string, samples map[string]string) *protocol.Worklist {
	wl := &protocol.Worklist{ID: worklistID, AnalyzerID: analyzerID}
	bySample := map[string]*protocol.WorklistItem{}
	var order []string
	for _, id := range itemIDs {
		it, ok := req.Item(id)
		if !ok {
			continue
		}
		sample := it.Barcode
		if sample == "" {
			sample = samples[it.SpecimenType]
		}
		wi, ok := bySample[sample]
		if !ok {
			wi = &protocol.WorklistItem{
				SampleID: sample,
				Patient: protocol.Patient{
					ID:   req.PatientID,
					Name: req.PatientName,
					DOB:  req.PatientDOB,
					Sex:  req.PatientSex,
				},
				Stat:        req.Priority.Stat(),
				RequestedAt: req.RequestedAt,
			}
			bySample[sample] = wi
			order = append(order, sample)
		}
		wi.TestCodes = append(wi.TestCodes, it.TestCode)
	}
	for _, s := range order {
		wl.Items = append(wl.Items, *bySample[s])
	}
	return wl
}

// deliver sends now when the analyzer is up and queues otherwise.
func (d *Dispatcher) deliver(ctx context.Context, requestID string, wl *protocol.Worklist, itemIDs []string, samples map[string]string) string {
	if d.sender.Online(wl.AnalyzerID) {
		err := d.sender.Send(ctx, wl.AnalyzerID, wl)
		if err == nil {
			d.metrics.Dispatch(OutcomeSent)
			return OutcomeSent
		}
		d.logger.Warn("worklist delivery failed, queueing retry",
			zap.String("analyzer", wl.AnalyzerID),
			zap.String("worklist_id", wl.ID),
			zap.Error(err))
	}

	j := &job{requestID: requestID, worklistID: wl.ID, analyzerID: wl.AnalyzerID, itemIDs: itemIDs, samples: samples}
	if err := d.enqueue(j); err != nil {
		d.logger.Error("queueing worklist retry failed", zap.String("worklist_id", wl.ID), zap.Error(err))
		d.metrics.Dispatch(OutcomeFailed)
		return OutcomeFailed
	}
	d.metrics.Dispatch(OutcomeQueued)
	return OutcomeQueued
}

func taskID(j *job) string { return j.worklistID + "/" + j.analyzerID }

func (d *Dispatcher) enqueue(j *job) error {
	ctx, cancel := context.WithCancel(context.Background())
	id := taskID(j)
	d.mu.Lock()
	if d.pending[j.requestID] == nil {
		d.pending[j.requestID] = map[string]context.CancelFunc{}
	}
	d.pending[j.requestID][id] = cancel
	d.mu.Unlock()

	if err := d.pool.Submit(workerpool.Job[*job]{ID: id, Value: j, Ctx: ctx}); err != nil {
		d.forget(j)
		return err
	}
	return nil
}

func (d *Dispatcher) forget(j *job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tasks := d.pending[j.requestID]
	if cancel, ok := tasks[taskID(j)]; ok {
		cancel()
		delete(tasks, taskID(j))
	}
	if len(tasks) == 0 {
		delete(d.pending, j.requestID)
	}
}

// Pending returns the number of queued deliveries for a request.
func (d *Dispatcher) Pending(requestID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[requestID])
}

// Cancel abandons every queued delivery of the request.
func (d *Dispatcher) Cancel(requestID string) int {
	d.mu.Lock()
	tasks := d.pending[requestID]
	delete(d.pending, requestID)
	d.mu.Unlock()
	for _, cancel := range tasks {
		cancel()
	}
	if len(tasks) > 0 {
		d.logger.Info("queued worklists cancelled", zap.String("request_id", requestID), zap.Int("deliveries", len(tasks)))
	}
	return len(tasks)
}

func (d *Dispatcher) onReject(ctx context.Context, requestID string, _ []string) {
	if d.Pending(requestID) == 0 {
		return
	}
	req, err := d.engine.Request(ctx, requestID)
	if err != nil {
		d.logger.Warn("loading rejected request failed", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if req.Status() == lab.StatusRejected {
		d.Cancel(requestID)
	}
}

// redeliver is the retry worker. It rebuilds the worklist from the items that
// are still waiting for the analyzer, so rejected or already started items
// are never sent again.
func (d *Dispatcher) redeliver(ctx context.Context, task workerpool.Job[*job], attempt int) error {
	j := task.Value
	req, err := d.engine.Request(ctx, j.requestID)
	if err != nil {
		if errors.Is(err, lab.ErrNotFound) {
			return workerpool.Permanent(err)
		}
		return err
	}

	var live []string
	for _, id := range j.itemIDs {
		it, ok := req.Item(id)
		if !ok {
			continue
		}
		switch it.Status {
		case lab.StatusWorklistSent, lab.StatusCollected, lab.StatusReceived:
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		j.outcome = OutcomeCancelled
		return nil
	}

	wl := buildWorklist(req, j.worklistID, j.analyzerID, live, j.samples)
	for _, wi := range wl.Items {
		if wi.SampleID == "" {
			return workerpool.Permanent(fmt.Errorf("worklist %s: sample without barcode", j.worklistID))
		}
	}
	if !d.sender.Online(j.analyzerID) {
		return fmt.Errorf("analyzer %s: %w", j.analyzerID, lab.ErrAnalyzerOffline)
	}
	if err := d.sender.Send(ctx, j.analyzerID, wl); err != nil {
		d.logger.Debug("worklist redelivery failed",
			zap.String("worklist_id", j.worklistID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}
	j.outcome = OutcomeRetried
	return nil
}

// settle records a finished redelivery.
func (d *Dispatcher) settle(o workerpool.Outcome[*job]) {
	j := o.Job.Value
	d.forget(j)
	switch {
	case o.Err == nil:
		d.metrics.Dispatch(j.outcome)
		d.logger.Info("queued worklist settled",
			zap.String("worklist_id", j.worklistID),
			zap.String("analyzer", j.analyzerID),
			zap.String("outcome", j.outcome),
			zap.Int("attempts", o.Attempts))
	case errors.Is(o.Err, context.Canceled):
		d.metrics.Dispatch(OutcomeCancelled)
	default:
		d.metrics.Dispatch(OutcomeFailed)
		d.logger.Error("queued worklist abandoned",
			zap.String("worklist_id", j.worklistID),
			zap.String("analyzer", j.analyzerID),
			zap.Int("attempts", o.Attempts),
			zap.Error(o.Err))
	}
}

// HandleQuery answers an analyzer asking what to run on the queried samples.
// Each known sample is claimed for the analyzer, moving its received items
// to Running. Unknown samples are answered with nothing.
func (d *Dispatcher) HandleQuery(ctx context.Context, analyzerID string, q *protocol.Query) (*protocol.Worklist, error) {
	a, err := d.analyzers.Get(analyzerID)
	if err != nil {
		return nil, err
	}
	runs := func(it *lab.Item) bool {
		_, ok := a.AnalyzerCode(it.TestCode)
		return ok
	}

	wl := &protocol.Worklist{ID: q.ID, AnalyzerID: analyzerID, Query: q}
	for _, sample := range q.SampleIDs {
		req, items, err := d.engine.Claim(ctx, sample, analyzerID, runs)
		if err != nil {
			if errors.Is(err, lab.ErrNotFound) || errors.Is(err, lab.ErrInvalidTransition) {
				d.logger.Info("query for unavailable sample", zap.String("analyzer", analyzerID), zap.String("sample", sample), zap.Error(err))
				continue
			}
			return nil, err
		}
		if len(items) == 0 {
			continue
		}
		codes := make([]string, 0, len(items))
		for _, it := range items {
			codes = append(codes, it.TestCode)
		}
		sort.Strings(codes)
		wl.Items = append(wl.Items, protocol.WorklistItem{
			SampleID: sample,
			Patient: protocol.Patient{
				ID:   req.PatientID,
				Name: req.PatientName,
				DOB:  req.PatientDOB,
				Sex:  req.PatientSex,
			},
			TestCodes:   codes,
			Stat:        req.Priority.Stat(),
			RequestedAt: req.RequestedAt,
		})
	}
	d.logger.Info("host query answered",
		zap.String("analyzer", analyzerID),
		zap.Strings("samples", q.SampleIDs),
		zap.Int("answered", len(wl.Items)))
	return wl, nil
}
