package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/observability/metrics"
	"github.com/drfirst/go-lis/internal/protocol"
)

// Handler receives what the instrument sends. Results must be durable when
// HandleResults returns; the application ACK is sent afterwards.
type Handler interface {
	HandleResults(ctx context.Context, analyzerID string, results []protocol.Result) error
	HandleQuery(ctx context.Context, analyzerID string, q *protocol.Query) (*protocol.Worklist, error)
}

// Handlers adapts two functions to Handler.
type Handlers struct {
	Results func(ctx context.Context, analyzerID string, results []protocol.Result) error
	Query   func(ctx context.Context, analyzerID string, q *protocol.Query) (*protocol.Worklist, error)
}

func (h Handlers) HandleResults(ctx context.Context, analyzerID string, results []protocol.Result) error {
	if h.Results == nil {
		return fmt.Errorf("no result handler")
	}
	return h.Results(ctx, analyzerID, results)
}

func (h Handlers) HandleQuery(ctx context.Context, analyzerID string, q *protocol.Query) (*protocol.Worklist, error) {
	if h.Query == nil {
		return nil, fmt.Errorf("no query handler")
	}
	return h.Query(ctx, analyzerID, q)
}

// delivery is one outbound message. Replies to the instrument have no done
// channel.
type delivery struct {
	payload []byte
	done    chan error
}

func (d *delivery) finish(err error) {
	if d.done != nil {
		d.done <- err
	}
}

// Session owns the connection to one analyzer. A single goroutine reads,
// writes and drives the protocol link.
type Session struct {
	analyzer  Analyzer
	adapter   protocol.Adapter
	connector Connector
	registry  *Registry
	logger    *zap.Logger
	metrics   *metrics.Metrics

	now      func() time.Time
	tick     time.Duration
	outbound chan *delivery

	mu      sync.Mutex
	handler Handler
	// down is closed when the current connection ends; nil while offline.
	down chan struct{}
}

func newSession(a Analyzer, adapter protocol.Adapter, connector Connector, handler Handler,
	registry *Registry, logger *zap.Logger, m *metrics.Metrics) *Session {
	return &Session{
		analyzer:  a,
		adapter:   adapter,
		connector: connector,
		handler:   handler,
		registry:  registry,
		logger:    logger.With(zap.String("analyzer", a.ID), zap.String("protocol", string(a.Protocol))),
		metrics:   m,
		now:       time.Now,
		tick:      250 * time.Millisecond,
		outbound:  make(chan *delivery),
	}
}

// Run keeps the session connected until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	if s.analyzer.Method == MethodFile {
		return s.runFiles(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	for {
		conn, err := s.connector.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.registry.setOnline(s.analyzer.ID, false, err)
			delay := b.NextBackOff()
			s.logger.Warn("analyzer connect failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		b.Reset()

		err = s.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("analyzer disconnected", zap.Error(err))
	}
}

func (s *Session) setHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Session) currentHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return Handlers{}
	}
	return s.handler
}

func (s *Session) connected() chan struct{} {
	down := make(chan struct{})
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
	s.registry.setOnline(s.analyzer.ID, true, nil)
	s.registry.touch(s.analyzer.ID, s.now())
	s.metrics.AnalyzerStatus(s.analyzer.ID, true)
	s.logger.Info("analyzer online")
	return down
}

func (s *Session) disconnected(down chan struct{}, cause error) {
	s.mu.Lock()
	s.down = nil
	s.mu.Unlock()
	close(down)
	s.registry.setOnline(s.analyzer.ID, false, cause)
	s.metrics.AnalyzerStatus(s.analyzer.ID, false)
}

// serve drives one connection until it fails or ctx ends.
func (s *Session) serve(ctx context.Context, conn io.ReadWriteCloser) (err error) {
	link := s.adapter.NewLink()
	down := s.connected()
	stop := make(chan struct{})

	var current *delivery
	var queue []*delivery
	defer func() {
		close(stop)
		conn.Close()
		offline := fmt.Errorf("analyzer %s: %w", s.analyzer.ID, lab.ErrAnalyzerOffline)
		if current != nil {
			current.finish(offline)
		}
		for _, d := range queue {
			d.finish(offline)
		}
		s.disconnected(down, err)
	}()

	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				select {
				case chunks <- append([]byte(nil), buf[:n]...):
				case <-stop:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	apply := func(out protocol.Output) error {
		if len(out.Write) > 0 {
			if _, err := conn.Write(out.Write); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		for _, raw := range out.Messages {
			replies, _ := s.handle(ctx, raw, true)
			queue = append(queue, replies...)
		}
		if out.Delivered && current != nil {
			current.finish(nil)
			current = nil
		}
		if out.Err != nil {
			s.logger.Warn("link error", zap.Error(out.Err))
			if current != nil && link.Idle() {
				current.finish(out.Err)
				current = nil
			}
		}
		return nil
	}

	for {
		var in chan *delivery
		if current == nil && len(queue) == 0 && link.Idle() {
			in = s.outbound
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case p := <-chunks:
			s.registry.touch(s.analyzer.ID, s.now())
			if err := apply(link.Receive(p, s.now())); err != nil {
				return err
			}
		case <-ticker.C:
			if err := apply(link.Tick(s.now())); err != nil {
				return err
			}
		case d := <-in:
			queue = append(queue, d)
		}

		for current == nil && len(queue) > 0 && link.Idle() {
			d := queue[0]
			queue = queue[1:]
			out, err := link.Send(d.payload, s.now())
			if err != nil {
				d.finish(err)
				continue
			}
			current = d
			if err := apply(out); err != nil {
				return err
			}
		}
	}
}

// handle decodes one inbound message, hands it over and returns what must
// be sent back. Undecodable messages are logged and dropped.
func (s *Session) handle(ctx context.Context, raw []byte, ack bool) ([]*delivery, error) {
	msg, err := s.adapter.Decode(raw)
	if err != nil {
		s.metrics.DecodeError(string(s.analyzer.Protocol))
		s.logger.Warn("dropping undecodable message", zap.Error(err), zap.Int("bytes", len(raw)))
		return nil, err
	}

	handler := s.currentHandler()
	var cause error
	var response *delivery
	switch msg.Kind {
	case protocol.KindResults:
		for i := range msg.Results {
			msg.Results[i].TestCode = s.analyzer.TestCode(msg.Results[i].TestCode)
		}
		if cause = handler.HandleResults(ctx, s.analyzer.ID, msg.Results); cause != nil {
			s.logger.Error("result handling failed", zap.Error(cause), zap.String("control_id", msg.ControlID))
		}
	case protocol.KindQuery:
		wl, err := handler.HandleQuery(ctx, s.analyzer.ID, msg.Query)
		if err == nil {
			var payload []byte
			payload, err = s.encode(wl)
			if err == nil {
				response = &delivery{payload: payload}
			}
		}
		if err != nil {
			cause = err
			s.logger.Error("host query failed", zap.Error(err), zap.Strings("samples", msg.Query.SampleIDs))
		}
	case protocol.KindAck:
		s.logger.Debug("application ack", zap.String("code", msg.Ack.Code), zap.String("control_id", msg.Ack.ControlID))
		return nil, nil
	default:
		s.logger.Info("ignoring message", zap.String("type", msg.Type))
	}

	var replies []*delivery
	if a, ok := s.adapter.(protocol.Acknowledger); ok && ack {
		b, err := a.Acknowledge(msg, cause)
		if err != nil {
			s.logger.Warn("building ack failed", zap.Error(err))
		} else {
			replies = append(replies, &delivery{payload: b})
		}
	}
	if response != nil {
		replies = append(replies, response)
	}
	return replies, nil
}

// encode translates lab test codes to instrument codes. Codes the
// instrument does not run are left out, as are samples left with none.
func (s *Session) encode(wl *protocol.Worklist) ([]byte, error) {
	out := *wl
	out.AnalyzerID = s.analyzer.ID
	out.Items = nil
	for _, it := range wl.Items {
		var codes []string
		for _, c := range it.TestCodes {
			if code, ok := s.analyzer.AnalyzerCode(c); ok {
				codes = append(codes, code)
			}
		}
		if len(codes) == 0 {
			continue
		}
		it.TestCodes = codes
		out.Items = append(out.Items, it)
	}
	if len(out.Items) == 0 && out.Query == nil {
		return nil, fmt.Errorf("analyzer %s runs none of the worklist tests", s.analyzer.ID)
	}
	return s.adapter.Encode(&out)
}

// Send encodes the worklist and waits until the instrument accepted it.
func (s *Session) Send(ctx context.Context, wl *protocol.Worklist) error {
	payload, err := s.encode(wl)
	if err != nil {
		return err
	}
	return s.deliver(ctx, payload)
}

func (s *Session) deliver(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	offline := fmt.Errorf("analyzer %s: %w", s.analyzer.ID, lab.ErrAnalyzerOffline)
	if down == nil {
		return offline
	}

	d := &delivery{payload: payload, done: make(chan error, 1)}
	select {
	case s.outbound <- d:
	case <-down:
		return offline
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-d.done:
		if errors.Is(err, protocol.ErrDeliveryFailed) {
			return fmt.Errorf("analyzer %s: %w", s.analyzer.ID, err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
