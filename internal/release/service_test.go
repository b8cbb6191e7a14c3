package release

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/analyzer"
	"github.com/drfirst/go-lis/internal/approval"
	"github.com/drfirst/go-lis/internal/critical"
	"github.com/drfirst/go-lis/internal/dispatch"
	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/ingestion"
	"github.com/drfirst/go-lis/internal/intake"
	"github.com/drfirst/go-lis/internal/lifecycle"
	"github.com/drfirst/go-lis/internal/protocol"
	"github.com/drfirst/go-lis/internal/specimen"
	"github.com/drfirst/go-lis/pkg/keylock"
	"github.com/drfirst/go-lis/pkg/workerpool"
)

type sink struct{ sent []*protocol.Worklist }

func (s *sink) Send(_ context.Context, _ string, wl *protocol.Worklist) error {
	s.sent = append(s.sent, wl)
	return nil
}

func (s *sink) Online(string) bool { return true }

type harness struct {
	repo       *lab.MemoryRepository
	source     *intake.MemorySource
	intake     *intake.Service
	engine     *lifecycle.Engine
	dispatcher *dispatch.Dispatcher
	pipeline   *ingestion.Pipeline
	gate       *approval.Gate
	release    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := lab.NewMemoryRepository()
	locker := keylock.NewMemory()
	specimens := specimen.NewRegistry(repo, specimen.NewMemoryIndex(), locker, nil)
	engine := lifecycle.NewEngine(repo, locker, specimens, nil, nil)

	source := intake.NewMemorySource(&intake.ServiceOrder{
		ID:          "so-1",
		PatientID:   "pat-1",
		RecipientID: "dr-7",
		PatientName: "Nguyen Van A",
		PatientSex:  "M",
		Lines: []intake.OrderLine{
			{ID: "l1", ServiceID: "svc-cbc", ServiceCode: "CBC", ServiceType: intake.ServiceTypeLab, SpecimenType: "BLOOD", Priority: 1},
			{ID: "l2", ServiceID: "svc-glu", ServiceCode: "GLU", ServiceType: intake.ServiceTypeLab, SpecimenType: "BLOOD", Priority: 1},
		},
	})
	intakeSvc := intake.NewService(source, repo, locker, nil, nil)

	analyzers, err := analyzer.NewRegistry(analyzer.Analyzer{
		ID: "chem-1", Protocol: protocol.ASTM, Method: analyzer.MethodTCPClient, Address: "10.0.0.9:5000",
		Mappings: []analyzer.Mapping{{TestCode: "CBC"}, {TestCode: "GLU"}},
	})
	require.NoError(t, err)
	d, err := dispatch.New(engine, specimens, analyzers, &sink{}, workerpool.DefaultConfig(), zap.NewNop(), nil)
	require.NoError(t, err)

	catalog, err := critical.NewCatalog(critical.Limits{
		TestCode:      "GLU",
		ReferenceLow:  critical.Float(70),
		ReferenceHigh: critical.Float(110),
		CriticalLow:   critical.Float(40),
		CriticalHigh:  critical.Float(200),
	})
	require.NoError(t, err)

	return &harness{
		repo:       repo,
		source:     source,
		intake:     intakeSvc,
		engine:     engine,
		dispatcher: d,
		pipeline:   ingestion.New(engine, specimens, critical.NewMonitor(catalog, nil, nil), nil, nil, nil),
		gate:       approval.New(engine, nil),
		release:    NewService(engine, intakeSvc, nil, nil),
	}
}

// received takes the order through intake, dispatch, collection and scan-in.
func (l *harness) received(t *testing.T) (*lab.Request, string) {
	t.Helper()
	ctx := context.Background()
	req, err := l.intake.ReceiveOrder(ctx, "so-1")
	require.NoError(t, err)
	_, err = l.dispatcher.Dispatch(ctx, req.ID)
	require.NoError(t, err)
	req, err = l.engine.Request(ctx, req.ID)
	require.NoError(t, err)
	_, _, err = l.engine.Collect(ctx, req.Barcode, "nurse-1")
	require.NoError(t, err)
	_, _, err = l.engine.ScanIn(ctx, req.Barcode, "tech-1")
	require.NoError(t, err)
	return req, req.Barcode
}

func (l *harness) status(t *testing.T, id string) lab.Status {
	t.Helper()
	req, err := l.engine.Request(context.Background(), id)
	require.NoError(t, err)
	return req.Status()
}

func item(t *testing.T, req *lab.Request, code string) *lab.Item {
	t.Helper()
	for _, it := range req.Items {
		if it.TestCode == code {
			return it
		}
	}
	t.Fatalf("no %s item", code)
	return nil
}

func TestCriticalGlucoseScenario(t *testing.T) {
	l := newHarness(t)
	ctx := context.Background()
	req, barcode := l.received(t)
	_, _, err := l.engine.Claim(ctx, barcode, "chem-1", nil)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, l.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{
		{SampleID: barcode, TestCode: "GLU", Value: "250", Unit: "mg/dL", ReferenceRange: "70-110", ResultTime: at},
	}))
	alerts, err := l.repo.Alerts(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, lab.StatusRunning, l.status(t, req.ID))

	outcome, _, err := l.release.Release(ctx, req.ID)
	assert.ErrorIs(t, err, lab.ErrIncompleteValidation)
	assert.Empty(t, outcome)

	require.NoError(t, l.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{
		{SampleID: barcode, TestCode: "CBC", Value: "6.8", ResultTime: at.Add(5 * time.Minute)},
	}))
	assert.Equal(t, lab.StatusResultAvailable, l.status(t, req.ID))

	for _, code := range []string{"CBC", "GLU"} {
		v, err := l.gate.Validate(ctx, item(t, req, code).ID, "dr-lab")
		require.NoError(t, err)
		assert.Equal(t, approval.Validated, v)
	}
	assert.Equal(t, lab.StatusValidated, l.status(t, req.ID))

	outcome, note, err := l.release.Release(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, Released, outcome)
	require.NotNil(t, note)
	assert.True(t, note.HasCritical)
	assert.True(t, note.HasAbnormal)
	assert.Equal(t, "dr-7", note.RecipientID)
	assert.Equal(t, lab.StatusReleased, l.status(t, req.ID))

	outcome, note, err = l.release.Release(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, AlreadyReleased, outcome)
	assert.Nil(t, note)

	var released, completed int
	for _, e := range l.repo.Outbox() {
		switch e.EventType {
		case lab.EventRequestReleased:
			released++
			var data lab.NotificationData
			require.NoError(t, e.Decode(&data))
			assert.True(t, data.HasCritical)
		case lab.EventItemCompleted:
			completed++
		}
	}
	assert.Equal(t, 1, released)
	assert.Equal(t, 2, completed)

	order, err := l.source.GetServiceOrder(ctx, "so-1")
	require.NoError(t, err)
	for _, line := range order.Lines {
		assert.Equal(t, intake.LineCompleted, line.Status)
	}
}

func TestHemolysisRejectionScenario(t *testing.T) {
	l := newHarness(t)
	ctx := context.Background()
	req, barcode := l.received(t)

	_, err := l.engine.RejectItem(ctx, item(t, req, "GLU").ID, "hemolysis", "tech-1")
	require.NoError(t, err)
	assert.Equal(t, lab.StatusReceived, l.status(t, req.ID), "the sibling is unaffected")

	cur, err := l.engine.Request(ctx, req.ID)
	require.NoError(t, err)
	glu := item(t, cur, "GLU")
	assert.Equal(t, lab.StatusRejected, glu.Status)
	assert.Equal(t, "hemolysis", glu.RejectReason)

	require.NoError(t, l.pipeline.HandleResults(ctx, "chem-1", []protocol.Result{{SampleID: barcode, TestCode: "CBC", Value: "6.8"}}))
	_, err = l.gate.Validate(ctx, item(t, req, "CBC").ID, "dr-lab")
	require.NoError(t, err)

	outcome, note, err := l.release.Release(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, Released, outcome)
	assert.False(t, note.HasCritical)
	assert.False(t, note.HasAbnormal)

	order, err := l.source.GetServiceOrder(ctx, "so-1")
	require.NoError(t, err)
	assert.Equal(t, intake.LineCompleted, order.Lines[0].Status)
	assert.Equal(t, intake.LineAccepted, order.Lines[1].Status)
}

func TestReleaseRejectedRequest(t *testing.T) {
	l := newHarness(t)
	ctx := context.Background()
	req, _ := l.received(t)
	_, err := l.engine.RejectRequest(ctx, req.ID, "patient discharged", "clerk-1")
	require.NoError(t, err)

	_, _, err = l.release.Release(ctx, req.ID)
	assert.ErrorIs(t, err, lab.ErrInvalidTransition)
	_, _, err = l.release.Release(ctx, "missing")
	assert.ErrorIs(t, err, lab.ErrNotFound)
}
