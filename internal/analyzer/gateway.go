package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/observability/metrics"
	"github.com/drfirst/go-lis/internal/protocol"
	_ "github.com/drfirst/go-lis/internal/protocol/astm"
	_ "github.com/drfirst/go-lis/internal/protocol/hl7"
	_ "github.com/drfirst/go-lis/internal/protocol/vendor"
	"github.com/drfirst/go-lis/pkg/circuitbreaker"
)

// GatewayConfig tunes delivery to instruments.
type GatewayConfig struct {
	// DeliveryTimeout bounds one worklist delivery including link retries.
	DeliveryTimeout time.Duration
	// Connect overrides connector construction.
	Connect func(a Analyzer) (Connector, error)
	// Protocol carries the host identities written into message headers.
	Protocol protocol.Options
}

// Gateway owns every analyzer session.
type Gateway struct {
	registry *Registry
	cfg      GatewayConfig
	breakers *circuitbreaker.Manager
	logger   *zap.Logger
	metrics  *metrics.Metrics

	sessions map[string]*Session
	running  atomic.Bool
}

// ErrGatewayRunning is returned by Run while another Run is active.
var ErrGatewayRunning = errors.New("analyzer gateway already running")

// NewGateway builds one adapter per analyzer. Sessions start with Run.
func NewGateway(registry *Registry, cfg GatewayConfig, logger *zap.Logger, m *metrics.Metrics) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 2 * time.Minute
	}
	if cfg.Connect == nil {
		cfg.Connect = NewConnector
	}
	g := &Gateway{
		registry: registry,
		cfg:      cfg,
		breakers: circuitbreaker.NewManager(logger),
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
	g.breakers.OnStateChange(func(name string, _, to circuitbreaker.State) {
		v := 0.0
		switch to {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		m.BreakerState(name, v)
	})
	for _, a := range registry.All() {
		adapter, err := protocol.New(a.Protocol, cfg.Protocol)
		if err != nil {
			return nil, fmt.Errorf("analyzer %s: %w", a.ID, err)
		}
		var conn Connector
		if a.Method != MethodFile {
			if conn, err = cfg.Connect(a); err != nil {
				return nil, err
			}
		}
		g.sessions[a.ID] = newSession(a, adapter, conn, nil, registry, logger, m)
	}
	return g, nil
}

// Registry returns the analyzer registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Run starts every session and blocks until ctx ends or a file session
// cannot prepare its directories. Only one Run may be active at a time.
func (g *Gateway) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("analyzer gateway needs a handler")
	}
	if !g.running.CompareAndSwap(false, true) {
		return ErrGatewayRunning
	}
	defer g.running.Store(false)

	for _, s := range g.sessions {
		s.setHandler(handler)
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, s := range g.sessions {
		eg.Go(func() error {
			defer func() {
				if s.connector != nil {
					s.connector.Close()
				}
			}()
			return s.Run(ctx)
		})
	}
	g.logger.Info("analyzer gateway started", zap.Int("analyzers", len(g.sessions)))
	err := eg.Wait()
	g.logger.Info("analyzer gateway stopped")
	return err
}

// Send delivers a worklist. Offline analyzers and open breakers fail with
// ErrAnalyzerOffline so the caller can queue a retry.
func (g *Gateway) Send(ctx context.Context, analyzerID string, wl *protocol.Worklist) error {
	s, ok := g.sessions[analyzerID]
	if !ok {
		if _, err := g.registry.Get(analyzerID); err != nil {
			return err
		}
		return fmt.Errorf("analyzer %s: %w", analyzerID, lab.ErrAnalyzerOffline)
	}
	if !g.registry.Online(analyzerID) {
		return fmt.Errorf("analyzer %s: %w", analyzerID, lab.ErrAnalyzerOffline)
	}

	cfg := circuitbreaker.DefaultConfig(analyzerID)
	cfg.Ignore = func(err error) bool { return errors.Is(err, protocol.ErrLinkBusy) }
	cb, err := g.breakers.GetOrCreate(analyzerID, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.DeliveryTimeout)
	defer cancel()
	err = cb.Execute(ctx, func(ctx context.Context) error {
		return s.Send(ctx, wl)
	})
	if circuitbreaker.IsOpen(err) {
		return fmt.Errorf("analyzer %s breaker open: %w", analyzerID, lab.ErrAnalyzerOffline)
	}
	return err
}

// Online reports whether the analyzer accepts deliveries now.
func (g *Gateway) Online(analyzerID string) bool {
	if !g.registry.Online(analyzerID) {
		return false
	}
	if cb, ok := g.breakers.Get(analyzerID); ok && cb.IsOpen() {
		return false
	}
	return true
}
