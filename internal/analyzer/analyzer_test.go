package analyzer

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/observability/metrics"
	"github.com/drfirst/go-lis/internal/protocol"
	"github.com/drfirst/go-lis/internal/protocol/astm"
	"github.com/drfirst/go-lis/internal/protocol/hl7"
	"github.com/drfirst/go-lis/internal/protocol/vendor"
)

// pipeConnect hands out the host end of conn once, then blocks.
func pipeConnect(conn net.Conn) func(Analyzer) (Connector, error) {
	used := false
	return func(Analyzer) (Connector, error) {
		return connectorFunc(func(ctx context.Context) (io.ReadWriteCloser, error) {
			if !used {
				used = true
				return conn, nil
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}), nil
	}
}

func startGateway(t *testing.T, a Analyzer, connect func(Analyzer) (Connector, error), h Handler, m *metrics.Metrics) *Gateway {
	t.Helper()
	reg, err := NewRegistry(a)
	require.NoError(t, err)
	g, err := NewGateway(reg, GatewayConfig{Connect: connect, DeliveryTimeout: 5 * time.Second}, zap.NewNop(), m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return reg.Online(a.ID) }, 2*time.Second, 10*time.Millisecond)
	return g
}

type recorder struct {
	results chan []protocol.Result
	queries chan *protocol.Query
	answer  *protocol.Worklist
}

func newRecorder() *recorder {
	return &recorder{results: make(chan []protocol.Result, 4), queries: make(chan *protocol.Query, 4)}
}

func (r *recorder) HandleResults(_ context.Context, _ string, res []protocol.Result) error {
	r.results <- res
	return nil
}

func (r *recorder) HandleQuery(_ context.Context, _ string, q *protocol.Query) (*protocol.Worklist, error) {
	r.queries <- q
	return r.answer, nil
}

func TestAnalyzerValidate(t *testing.T) {
	valid := Analyzer{ID: "A1", Protocol: protocol.HL7, Method: MethodTCPServer, Address: ":0"}
	require.NoError(t, valid.Validate())

	cases := map[string]func(a *Analyzer){
		"no id":          func(a *Analyzer) { a.ID = "" },
		"bad protocol":   func(a *Analyzer) { a.Protocol = "dicom" },
		"no address":     func(a *Analyzer) { a.Address = "" },
		"serial device":  func(a *Analyzer) { a.Method = MethodSerial },
		"file dirs":      func(a *Analyzer) { a.Method = MethodFile },
		"unknown method": func(a *Analyzer) { a.Method = "usb" },
		"double mapping": func(a *Analyzer) {
			a.Mappings = []Mapping{{TestCode: "GLU"}, {TestCode: "glu"}}
		},
	}
	for name, mutate := range cases {
		a := valid
		mutate(&a)
		assert.Error(t, a.Validate(), name)
	}
}

func TestCodeMapping(t *testing.T) {
	a := Analyzer{Mappings: []Mapping{{TestCode: "HGB", AnalyzerCode: "HB"}, {TestCode: "WBC"}}}
	code, ok := a.AnalyzerCode("hgb")
	assert.True(t, ok)
	assert.Equal(t, "HB", code)
	code, ok = a.AnalyzerCode("WBC")
	assert.True(t, ok)
	assert.Equal(t, "WBC", code)
	_, ok = a.AnalyzerCode("GLU")
	assert.False(t, ok)

	assert.Equal(t, "HGB", a.TestCode("HB"))
	assert.Equal(t, "XYZ", a.TestCode("XYZ"))
}

func TestRegistryRoutePrefersOnline(t *testing.T) {
	mk := func(id string) Analyzer {
		return Analyzer{ID: id, Protocol: protocol.ASTM, Method: MethodTCPClient, Address: "h:1", Mappings: []Mapping{{TestCode: "GLU"}}}
	}
	reg, err := NewRegistry(mk("A1"), mk("A2"))
	require.NoError(t, err)

	route := reg.Route("GLU")
	require.Len(t, route, 2)
	assert.Equal(t, "A1", route[0].ID)

	reg.setOnline("A2", true, nil)
	assert.Equal(t, "A2", reg.Route("GLU")[0].ID)
	assert.Empty(t, reg.Route("CBC"))

	_, err = NewRegistry(mk("A1"), mk("A1"))
	assert.Error(t, err)

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, lab.ErrNotFound)
}

func TestSendToOfflineAnalyzer(t *testing.T) {
	a := Analyzer{ID: "A1", Protocol: protocol.ASTM, Method: MethodTCPClient, Address: "h:1", Mappings: []Mapping{{TestCode: "GLU"}}}
	reg, err := NewRegistry(a)
	require.NoError(t, err)
	g, err := NewGateway(reg, GatewayConfig{}, nil, nil)
	require.NoError(t, err)

	err = g.Send(context.Background(), "A1", &protocol.Worklist{Items: []protocol.WorklistItem{{SampleID: "S1", TestCodes: []string{"GLU"}}}})
	assert.ErrorIs(t, err, lab.ErrAnalyzerOffline)
	assert.False(t, g.Online("A1"))

	err = g.Send(context.Background(), "A9", &protocol.Worklist{})
	assert.ErrorIs(t, err, lab.ErrNotFound)
}

func TestHL7ResultsAreHandledThenAcknowledged(t *testing.T) {
	host, inst := net.Pipe()
	defer inst.Close()
	rec := newRecorder()
	a := Analyzer{ID: "BC5380", Protocol: protocol.HL7, Method: MethodTCPClient, Address: "h:1",
		Mappings: []Mapping{{TestCode: "HGB", AnalyzerCode: "HB"}}}
	startGateway(t, a, pipeConnect(host), rec, nil)

	oru := "MSH|^~\\&|BC5380|LAB|LIS|HOSP|20260301091500||ORU^R01|M1|P|2.3.1\r" +
		"OBR|1||SP1|CBC\r" +
		"OBX|1|NM|HB^Hemoglobin||6.1|g/dL|12-16|LL|||F\r"
	_, err := inst.Write(hl7.FrameMessage([]byte(oru)))
	require.NoError(t, err)

	select {
	case res := <-rec.results:
		require.Len(t, res, 1)
		assert.Equal(t, "HGB", res[0].TestCode)
		assert.Equal(t, "SP1", res[0].SampleID)
	case <-time.After(2 * time.Second):
		t.Fatal("results not handled")
	}

	r := bufio.NewReader(inst)
	framed, err := r.ReadBytes(hl7.EndBlock)
	require.NoError(t, err)
	last, err := r.ReadByte()
	require.NoError(t, err)
	ack, _, ok := hl7.UnframeMessage(append(framed, last))
	require.True(t, ok)
	assert.Contains(t, string(ack), "MSA|AA|M1")
}

func TestGatewayRunIsExclusive(t *testing.T) {
	host, inst := net.Pipe()
	defer inst.Close()
	rec := newRecorder()
	a := Analyzer{ID: "BC5380", Protocol: protocol.HL7, Method: MethodTCPClient, Address: "h:1"}
	g := startGateway(t, a, pipeConnect(host), rec, nil)

	other := newRecorder()
	assert.ErrorIs(t, g.Run(context.Background(), other), ErrGatewayRunning)

	oru := "MSH|^~\\&|BC5380|LAB|LIS|HOSP|20260301091500||ORU^R01|M2|P|2.3.1\r" +
		"OBR|1||SP2|CBC\r" +
		"OBX|1|NM|WBC^Leukocytes||7.2|10*9/L|4-10|N|||F\r"
	_, err := inst.Write(hl7.FrameMessage([]byte(oru)))
	require.NoError(t, err)

	select {
	case res := <-rec.results:
		require.Len(t, res, 1)
		assert.Equal(t, "SP2", res[0].SampleID)
	case <-time.After(2 * time.Second):
		t.Fatal("results not handled by the running handler")
	}
	assert.Empty(t, other.results)
}

func TestUndecodableMessageIsDropped(t *testing.T) {
	host, inst := net.Pipe()
	defer inst.Close()
	rec := newRecorder()
	m := metrics.New(prometheus.NewRegistry())
	a := Analyzer{ID: "BC5380", Protocol: protocol.HL7, Method: MethodTCPClient, Address: "h:1"}
	g := startGateway(t, a, pipeConnect(host), rec, m)

	_, err := inst.Write(hl7.FrameMessage([]byte("garbage")))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DecodeErrors.WithLabelValues("hl7")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, g.Online("BC5380"))
}

func TestASTMWorklistDelivery(t *testing.T) {
	host, inst := net.Pipe()
	defer inst.Close()
	a := Analyzer{ID: "AU480", Protocol: protocol.ASTM, Method: MethodTCPClient, Address: "h:1",
		Mappings: []Mapping{{TestCode: "GLU", AnalyzerCode: "GLU1"}}}
	g := startGateway(t, a, pipeConnect(host), newRecorder(), nil)

	errc := make(chan error, 1)
	go func() {
		errc <- g.Send(context.Background(), "AU480", &protocol.Worklist{ID: "WL1", Items: []protocol.WorklistItem{
			{SampleID: "SP1", TestCodes: []string{"GLU", "CBC"}},
		}})
	}()

	r := bufio.NewReader(inst)
	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(astm.ENQ), b)
	_, err = inst.Write([]byte{astm.ACK})
	require.NoError(t, err)

	var text strings.Builder
	for {
		b, err := r.ReadByte()
		require.NoError(t, err)
		if b == astm.EOT {
			break
		}
		require.Equal(t, byte(astm.STX), b)
		rest, err := r.ReadBytes(astm.LF)
		require.NoError(t, err)
		_, body, _, err := astm.ParseFrame(append([]byte{astm.STX}, rest...))
		require.NoError(t, err)
		text.Write(body)
		_, err = inst.Write([]byte{astm.ACK})
		require.NoError(t, err)
	}
	require.NoError(t, <-errc)

	assert.Contains(t, text.String(), "^^^GLU1")
	assert.NotContains(t, text.String(), "CBC")
}

func TestVendorHostQuery(t *testing.T) {
	host, inst := net.Pipe()
	defer inst.Close()
	rec := newRecorder()
	rec.answer = &protocol.Worklist{Items: []protocol.WorklistItem{{SampleID: "SP1", TestCodes: []string{"PT"}}}}
	a := Analyzer{ID: "CA600", Protocol: protocol.Vendor, Method: MethodTCPClient, Address: "h:1",
		Mappings: []Mapping{{TestCode: "PT"}}}
	startGateway(t, a, pipeConnect(host), rec, nil)

	query := "HCA600     20260301100000\r\nQSP1\r\nL0001\r\n"
	_, err := inst.Write(vendor.Frame([]byte(query)))
	require.NoError(t, err)

	r := bufio.NewReader(inst)
	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(vendor.ACK), b)

	frame, err := r.ReadBytes(vendor.ETX)
	require.NoError(t, err)
	tail := make([]byte, 3)
	_, err = io.ReadFull(r, tail)
	require.NoError(t, err)
	frame = append(frame, tail...)
	payload, err := vendor.Unframe(frame)
	require.NoError(t, err)
	items, err := vendor.ParseWorklist(payload)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []string{"PT"}, items[0].TestCodes)
	_, err = inst.Write([]byte{vendor.ACK})
	require.NoError(t, err)

	q := <-rec.queries
	assert.Equal(t, []string{"SP1"}, q.SampleIDs)
}

func TestFileDropAnalyzer(t *testing.T) {
	dir := t.TempDir()
	a := Analyzer{ID: "URIT", Protocol: protocol.Vendor, Method: MethodFile,
		InboxDir: filepath.Join(dir, "in"), OutboxDir: filepath.Join(dir, "out"),
		PollInterval: 20 * time.Millisecond, Mappings: []Mapping{{TestCode: "GLU"}}}
	require.NoError(t, os.MkdirAll(a.InboxDir, 0o750))
	rec := newRecorder()
	g := startGateway(t, a, nil, rec, nil)

	raw := vendor.FormatResults("URIT", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), []protocol.Result{
		{SampleID: "SP1", TestCode: "GLU", Value: "5.4", Unit: "mmol/L"},
	})
	require.NoError(t, os.WriteFile(filepath.Join(a.InboxDir, "r1.txt"), raw, 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(a.InboxDir, "r2.txt"), []byte("junk"), 0o640))

	select {
	case res := <-rec.results:
		assert.Equal(t, "5.4", res[0].Value)
	case <-time.After(2 * time.Second):
		t.Fatal("result file not processed")
	}
	assert.Eventually(t, func() bool {
		_, err1 := os.Stat(filepath.Join(a.InboxDir, processedDir, "r1.txt"))
		_, err2 := os.Stat(filepath.Join(a.InboxDir, failedDir, "r2.txt"))
		return err1 == nil && err2 == nil
	}, 2*time.Second, 10*time.Millisecond)

	err := g.Send(context.Background(), "URIT", &protocol.Worklist{Items: []protocol.WorklistItem{{SampleID: "SP2", TestCodes: []string{"GLU"}}}})
	require.NoError(t, err)
	files, err := filepath.Glob(filepath.Join(a.OutboxDir, "URIT-*.txt"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	written, err := os.ReadFile(files[0])
	require.NoError(t, err)
	items, err := vendor.ParseWorklist(written)
	require.NoError(t, err)
	assert.Equal(t, "SP2", items[0].SampleID)
}
