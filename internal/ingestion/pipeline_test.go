package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/critical"
	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/lifecycle"
	"github.com/drfirst/go-lis/internal/protocol"
	"github.com/drfirst/go-lis/internal/specimen"
	"github.com/drfirst/go-lis/pkg/idempotency"
	"github.com/drfirst/go-lis/pkg/keylock"
)

type fixture struct {
	repo      *lab.MemoryRepository
	specimens *specimen.Registry
	engine    *lifecycle.Engine
	pipeline  *Pipeline
	clock     time.Time
}

func newFixture(t *testing.T, catalog *critical.Catalog) *fixture {
	t.Helper()
	repo := lab.NewMemoryRepository()
	locker := keylock.NewMemory()
	specimens := specimen.NewRegistry(repo, specimen.NewMemoryIndex(), locker, nil)
	f := &fixture{
		repo:      repo,
		specimens: specimens,
		engine:    lifecycle.NewEngine(repo, locker, specimens, nil, nil),
		clock:     time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	f.engine.SetClock(func() time.Time {
		f.clock = f.clock.Add(time.Minute)
		return f.clock
	})
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultConfig(), zap.NewNop())
	f.pipeline = New(f.engine, specimens, critical.NewMonitor(catalog, zap.NewNop(), nil), inbox, zap.NewNop(), nil)
	return f
}

func glucoseCatalog(t *testing.T) *critical.Catalog {
	t.Helper()
	c, err := critical.NewCatalog(critical.Limits{
		TestCode:      "GLU",
		ReferenceLow:  critical.Float(70),
		ReferenceHigh: critical.Float(110),
		CriticalLow:   critical.Float(40),
		CriticalHigh:  critical.Float(200),
	})
	require.NoError(t, err)
	return c
}

// received creates a CBC + GLU request and brings it to Received under one
// barcode.
func (f *fixture) received(t *testing.T) (*lab.Request, string) {
	t.Helper()
	ctx := context.Background()
	req, err := lab.NewRequest(lab.NewRequestSpec{
		ServiceOrderID: "so-1",
		PatientID:      "pat-1",
		RecipientID:    "dr-1",
		PatientSex:     "F",
		Items: []lab.NewItemSpec{
			{ServiceID: "svc-cbc", TestCode: "CBC", SpecimenType: "BLOOD"},
			{ServiceID: "svc-glu", TestCode: "GLU", SpecimenType: "BLOOD"},
		},
	}, f.clock)
	require.NoError(t, err)
	require.NoError(t, f.repo.Commit(ctx, &lab.Change{NewRequest: req}))

	ids := []string{req.Items[0].ID, req.Items[1].ID}
	_, err = f.engine.MarkWorklistSent(ctx, req.ID, "WL1", ids)
	require.NoError(t, err)
	barcode, err := f.specimens.AssignBarcode(ctx, req.ID, "BLOOD", "nurse-1")
	require.NoError(t, err)
	_, _, err = f.engine.Collect(ctx, barcode, "nurse-1")
	require.NoError(t, err)
	_, _, err = f.engine.ScanIn(ctx, barcode, "tech-1")
	require.NoError(t, err)
	return req, barcode
}

func itemByCode(t *testing.T, req *lab.Request, code string) *lab.Item {
	t.Helper()
	for _, it := range req.Items {
		if it.TestCode == code {
			return it
		}
	}
	t.Fatalf("no %s item", code)
	return nil
}

func (f *fixture) request(t *testing.T, id string) *lab.Request {
	t.Helper()
	req, err := f.engine.Request(context.Background(), id)
	require.NoError(t, err)
	return req
}

func outboxCount(repo *lab.MemoryRepository, et lab.EventType) int {
	n := 0
	for _, e := range repo.Outbox() {
		if e.EventType == et {
			n++
		}
	}
	return n
}

func TestCriticalGlucoseBeforeCBC(t *testing.T) {
	f := newFixture(t, glucoseCatalog(t))
	ctx := context.Background()
	req, barcode := f.received(t)
	_, claimed, err := f.engine.Claim(ctx, barcode, "chem-1", nil)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	err = f.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{{
		SampleID:       barcode,
		TestCode:       "GLU",
		Value:          "250",
		Unit:           "mg/dL",
		ReferenceRange: "70-110",
		ResultTime:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)

	alerts, err := f.repo.Alerts(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, alerts, 1, "the monitor fires before anything is validated")
	assert.Equal(t, lab.SeverityCriticalHigh, alerts[0].Severity)
	assert.Equal(t, "GLU", alerts[0].TestCode)
	assert.Equal(t, 1, outboxCount(f.repo, lab.EventCriticalAlertRaised))

	cur := f.request(t, req.ID)
	assert.Equal(t, lab.StatusRunning, cur.Status(), "CBC is still running")
	glu := itemByCode(t, cur, "GLU")
	assert.Equal(t, lab.StatusResultAvailable, glu.Status)
	res, err := lab.CurrentResult(ctx, f.repo, glu)
	require.NoError(t, err)
	assert.Equal(t, lab.SourceAuto, res.Source)
	assert.Equal(t, "chem-1", res.AnalyzerID)
	assert.Equal(t, lab.SeverityCriticalHigh, res.Severity)

	out, err := f.pipeline.IngestAutoResult(ctx, itemByCode(t, cur, "CBC").ID, "hema-1", Input{Value: "7.2", Unit: "10^9/L"})
	require.NoError(t, err)
	assert.Nil(t, out.Alert)
	assert.Equal(t, lab.StatusResultAvailable, f.request(t, req.ID).Status())
}

func TestAnalyzerResultStartsReceivedItem(t *testing.T) {
	f := newFixture(t, glucoseCatalog(t))
	ctx := context.Background()
	req, barcode := f.received(t)

	err := f.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{{SampleID: barcode, TestCode: "glu", Value: "95"}})
	require.NoError(t, err)

	glu := itemByCode(t, f.request(t, req.ID), "GLU")
	assert.Equal(t, lab.StatusResultAvailable, glu.Status)
	assert.Equal(t, "chem-1", glu.AnalyzerID)
	assert.Equal(t, 1, outboxCount(f.repo, lab.EventItemStarted))
}

func TestRetransmittedResultIsSkipped(t *testing.T) {
	f := newFixture(t, glucoseCatalog(t))
	ctx := context.Background()
	req, barcode := f.received(t)
	r := protocol.Result{SampleID: barcode, TestCode: "GLU", Value: "95", ResultTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	require.NoError(t, f.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{r}))
	require.NoError(t, f.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{r}))

	glu := itemByCode(t, f.request(t, req.ID), "GLU")
	results, err := f.repo.Results(ctx, glu.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Zero(t, outboxCount(f.repo, lab.EventResultUnmatched))
}

func TestUnmatchedResultsAreKept(t *testing.T) {
	f := newFixture(t, glucoseCatalog(t))
	ctx := context.Background()
	req, barcode := f.received(t)

	err := f.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{
		{SampleID: "SP000000000000", TestCode: "GLU", Value: "95"},
		{SampleID: barcode, TestCode: "K", Value: "4.1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, outboxCount(f.repo, lab.EventResultUnmatched))

	// a second result for an item that already has one is not a transition
	require.NoError(t, f.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{{SampleID: barcode, TestCode: "GLU", Value: "95"}}))
	require.NoError(t, f.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{{SampleID: barcode, TestCode: "GLU", Value: "96"}}))
	assert.Equal(t, 3, outboxCount(f.repo, lab.EventResultUnmatched))

	var data lab.UnmatchedResultData
	for _, e := range f.repo.Outbox() {
		if e.EventType == lab.EventResultUnmatched && e.RequestID == req.ID {
			require.NoError(t, e.Decode(&data))
		}
	}
	assert.Equal(t, "96", data.Value)
	assert.Contains(t, data.Cause, "cannot move")
}

func TestManualResultNeedsUser(t *testing.T) {
	f := newFixture(t, glucoseCatalog(t))
	ctx := context.Background()
	req, _ := f.received(t)
	glu := itemByCode(t, req, "GLU")
	_, err := f.engine.Start(ctx, glu.ID, "", "tech-1")
	require.NoError(t, err)

	_, err = f.pipeline.IngestManualResult(ctx, glu.ID, "", Input{Value: "80"})
	assert.ErrorIs(t, err, lab.ErrValidatorRequired)
	_, err = f.pipeline.IngestManualResult(ctx, glu.ID, "tech-1", Input{Value: " "})
	assert.ErrorIs(t, err, lab.ErrInvalidInput)

	out, err := f.pipeline.IngestManualResult(ctx, glu.ID, "tech-1", Input{Value: "35", Unit: "mg/dL"})
	require.NoError(t, err)
	assert.Equal(t, lab.SourceManual, out.Result.Source)
	assert.Equal(t, "tech-1", out.Result.EnteredBy)
	require.NotNil(t, out.Alert)
	assert.Equal(t, lab.SeverityCriticalLow, out.Alert.Severity)
}

func TestAutoResultRequiresRunningItem(t *testing.T) {
	f := newFixture(t, glucoseCatalog(t))
	req, _ := f.received(t)

	_, err := f.pipeline.IngestAutoResult(context.Background(), itemByCode(t, req, "GLU").ID, "chem-1", Input{Value: "95"})
	assert.ErrorIs(t, err, lab.ErrInvalidTransition)
	_, err = f.pipeline.IngestAutoResult(context.Background(), "nope", "chem-1", Input{Value: "95"})
	assert.ErrorIs(t, err, lab.ErrNotFound)
	_, err = f.pipeline.IngestAutoResult(context.Background(), itemByCode(t, req, "GLU").ID, "", Input{Value: "95"})
	assert.ErrorIs(t, err, lab.ErrInvalidInput)
}

func TestAutoAndManualResultRace(t *testing.T) {
	f := newFixture(t, glucoseCatalog(t))
	ctx := context.Background()
	req, _ := f.received(t)
	glu := itemByCode(t, req, "GLU")
	_, err := f.engine.Start(ctx, glu.ID, "chem-1", "tech-1")
	require.NoError(t, err)
	fixed := f.clock.Add(time.Minute)
	f.engine.SetClock(func() time.Time { return fixed })

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.pipeline.IngestAutoResult(ctx, glu.ID, "chem-1", Input{Value: "250"})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.pipeline.IngestManualResult(ctx, glu.ID, "tech-1", Input{Value: "250"})
	}()
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, lab.ErrInvalidTransition)
			failed++
		}
	}
	assert.Equal(t, 1, failed, "exactly one entry wins")

	results, err := f.repo.Results(ctx, glu.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	alerts, err := f.repo.Alerts(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Equal(t, 1, outboxCount(f.repo, lab.EventCriticalAlertRaised))
}

func TestRerunSupersedesAndKeepsAlert(t *testing.T) {
	f := newFixture(t, glucoseCatalog(t))
	ctx := context.Background()
	req, _ := f.received(t)
	glu := itemByCode(t, req, "GLU")
	_, err := f.engine.Start(ctx, glu.ID, "chem-1", "tech-1")
	require.NoError(t, err)

	late := f.clock.Add(time.Hour)
	first, err := f.pipeline.IngestAutoResult(ctx, glu.ID, "chem-1", Input{Value: "250", ResultTime: late})
	require.NoError(t, err)
	require.NotNil(t, first.Alert)

	_, err = f.pipeline.Rerun(ctx, []string{glu.ID}, "", "tech-1")
	assert.ErrorIs(t, err, lab.ErrReasonRequired)

	items, err := f.pipeline.Rerun(ctx, []string{glu.ID}, "suspected clot", "tech-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, lab.StatusRunning, items[0].Status)
	assert.Empty(t, items[0].ResultID)
	assert.Equal(t, 1, items[0].RerunCount)

	_, err = f.pipeline.Rerun(ctx, []string{glu.ID}, "again", "tech-1")
	assert.ErrorIs(t, err, lab.ErrInvalidTransition)

	// the analyzer clock is behind the first result
	second, err := f.pipeline.IngestAutoResult(ctx, glu.ID, "chem-1", Input{Value: "98", ResultTime: late.Add(-time.Minute)})
	require.NoError(t, err)
	assert.True(t, second.Result.ResultTime.After(first.Result.ResultTime))
	assert.Nil(t, second.Alert)

	results, err := f.repo.Results(ctx, glu.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, lab.ResultSuperseded, results[0].Status)
	assert.Equal(t, "suspected clot", results[0].SupersedeReason)
	assert.True(t, results[1].Current())

	alerts, err := f.repo.Alerts(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, alerts, 1, "the first alert stands")
}

func TestRerunResultWithSameValue(t *testing.T) {
	f := newFixture(t, glucoseCatalog(t))
	ctx := context.Background()
	req, barcode := f.received(t)
	r := protocol.Result{SampleID: barcode, TestCode: "GLU", Value: "95", ResultTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	require.NoError(t, f.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{r}))
	glu := itemByCode(t, f.request(t, req.ID), "GLU")

	_, err := f.pipeline.Rerun(ctx, []string{glu.ID}, "hemolysed", "tech-1")
	require.NoError(t, err)

	// the repeat run reports the same value and the same analyzer timestamp
	require.NoError(t, f.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{r}))
	require.NoError(t, f.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{r}))

	glu = itemByCode(t, f.request(t, req.ID), "GLU")
	assert.Equal(t, lab.StatusResultAvailable, glu.Status)
	results, err := f.repo.Results(ctx, glu.ID)
	require.NoError(t, err)
	require.Len(t, results, 2, "the retransmission of the rerun result is skipped")
	assert.Equal(t, lab.ResultSuperseded, results[0].Status)
	assert.True(t, results[1].Current())
	assert.Zero(t, outboxCount(f.repo, lab.EventResultUnmatched))
}

func TestRerunIsAllOrNothingPerRequest(t *testing.T) {
	f := newFixture(t, glucoseCatalog(t))
	ctx := context.Background()
	req, barcode := f.received(t)
	require.NoError(t, f.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{{SampleID: barcode, TestCode: "GLU", Value: "95"}}))
	cbc := itemByCode(t, req, "CBC")
	glu := itemByCode(t, req, "GLU")

	_, err := f.pipeline.Rerun(ctx, []string{glu.ID, cbc.ID}, "clotted", "tech-1")
	assert.ErrorIs(t, err, lab.ErrInvalidTransition)
	cur := itemByCode(t, f.request(t, req.ID), "GLU")
	assert.Equal(t, lab.StatusResultAvailable, cur.Status)
	assert.Zero(t, cur.RerunCount)

	require.NoError(t, f.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{{SampleID: barcode, TestCode: "CBC", Value: "5.2"}}))
	before := outboxCount(f.repo, lab.EventItemRerun)
	items, err := f.pipeline.Rerun(ctx, []string{glu.ID, cbc.ID}, "clotted", "tech-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, lab.StatusRunning, it.Status)
		assert.Equal(t, 1, it.RerunCount)
	}
	assert.Equal(t, before+2, outboxCount(f.repo, lab.EventItemRerun))
}

type brokenMonitor struct{ *critical.Monitor }

func (brokenMonitor) Check(*lab.Result, string) (critical.Evaluation, *lab.Alert, error) {
	return critical.Evaluation{}, nil, errors.New("catalog unavailable")
}

func TestMonitorFailureStillRecordsResult(t *testing.T) {
	f := newFixture(t, nil)
	f.pipeline.monitor = brokenMonitor{critical.NewMonitor(nil, zap.NewNop(), nil)}
	ctx := context.Background()
	req, _ := f.received(t)
	glu := itemByCode(t, req, "GLU")
	_, err := f.engine.Start(ctx, glu.ID, "chem-1", "tech-1")
	require.NoError(t, err)

	out, err := f.pipeline.IngestAutoResult(ctx, glu.ID, "chem-1", Input{Value: "250"})
	require.NoError(t, err)
	assert.True(t, out.MonitorFailed)
	assert.Equal(t, lab.StatusResultAvailable, itemByCode(t, f.request(t, req.ID), "GLU").Status)
	assert.Equal(t, 1, outboxCount(f.repo, lab.EventMonitorFailure))
}

func TestAcknowledgeAlert(t *testing.T) {
	f := newFixture(t, glucoseCatalog(t))
	ctx := context.Background()
	req, _ := f.received(t)
	glu := itemByCode(t, req, "GLU")
	_, err := f.engine.Start(ctx, glu.ID, "chem-1", "tech-1")
	require.NoError(t, err)
	out, err := f.pipeline.IngestAutoResult(ctx, glu.ID, "chem-1", Input{Value: "20"})
	require.NoError(t, err)
	require.NotNil(t, out.Alert)

	_, err = f.pipeline.AcknowledgeAlert(ctx, out.Alert.ID, "")
	assert.ErrorIs(t, err, ErrUserRequired)

	a, err := f.pipeline.AcknowledgeAlert(ctx, out.Alert.ID, "dr-1")
	require.NoError(t, err)
	assert.Equal(t, "dr-1", a.AcknowledgedBy)
	assert.False(t, a.AcknowledgedAt.IsZero())

	again, err := f.pipeline.AcknowledgeAlert(ctx, out.Alert.ID, "dr-2")
	require.NoError(t, err)
	assert.Equal(t, "dr-1", again.AcknowledgedBy)
	assert.Equal(t, 1, outboxCount(f.repo, lab.EventAlertAcknowledged))

	_, err = f.pipeline.AcknowledgeAlert(ctx, "missing", "dr-1")
	assert.ErrorIs(t, err, lab.ErrNotFound)
}
