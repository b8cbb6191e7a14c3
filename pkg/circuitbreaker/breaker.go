// Package circuitbreaker guards outbound links such as analyzer worklist
// delivery and notification queues. It wraps sony/gobreaker and reports
// calls through an OpenTelemetry counter.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config describes when a breaker opens and how it recovers.
type Config struct {
	Name string
	// Probes is how many calls a half-open breaker lets through.
	Probes uint32
	// Window is the period after which closed-state counts reset.
	Window time.Duration
	// OpenFor is how long an open breaker rejects calls before probing.
	OpenFor time.Duration
	// ConsecutiveFailures opens the breaker while fewer than MinRequests
	// calls were seen in the window.
	ConsecutiveFailures uint32
	// FailureRatio opens the breaker once MinRequests calls were seen.
	FailureRatio float64
	MinRequests  uint32
	// Ignore reports errors that say nothing about the link's health.
	// Cancellation by the caller is always ignored.
	Ignore func(error) bool
}

// DefaultConfig returns defaults for instrument links. An analyzer link is
// point to point, so three failures in a row already mean it is down.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		Probes:              1,
		Window:              time.Minute,
		OpenFor:             20 * time.Second,
		ConsecutiveFailures: 3,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

// IsOpen reports whether err is a rejection by an open or saturated breaker.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

var (
	meter  = otel.Meter("github.com/drfirst/go-lis/pkg/circuitbreaker")
	tracer = otel.Tracer("github.com/drfirst/go-lis/pkg/circuitbreaker")
)

// CircuitBreaker guards one link.
type CircuitBreaker struct {
	cb    *gobreaker.CircuitBreaker
	name  string
	calls metric.Int64Counter
}

// New creates a breaker. onChange may be nil.
func New(cfg Config, logger *zap.Logger, onChange func(name string, from, to State)) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	calls, err := meter.Int64Counter("lis.breaker.calls",
		metric.WithDescription("Calls through a circuit breaker by outcome"))
	if err != nil {
		return nil, err
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.Probes,
		Interval:    cfg.Window,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < cfg.MinRequests {
				return c.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || (cfg.Ignore != nil && cfg.Ignore(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", string(stateOf(from))),
				zap.String("to", string(stateOf(to))))
			if onChange != nil {
				onChange(name, stateOf(from), stateOf(to))
			}
		},
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings), name: cfg.Name, calls: calls}, nil
}

// Execute runs fn unless the breaker is open.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "breaker "+c.name,
		trace.WithAttributes(attribute.String("breaker.state", string(c.State()))))
	defer span.End()

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	outcome := "success"
	switch {
	case err == nil:
	case IsOpen(err):
		outcome = "rejected"
		span.SetAttributes(attribute.Bool("breaker.rejected", true))
	default:
		outcome = "failure"
		span.RecordError(err)
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", c.name),
		attribute.String("outcome", outcome)))
	return err
}

// State returns the current state. An open breaker whose OpenFor elapsed
// reports half-open.
func (c *CircuitBreaker) State() State { return stateOf(c.cb.State()) }

func (c *CircuitBreaker) IsOpen() bool { return c.State() == StateOpen }

func (c *CircuitBreaker) IsClosed() bool { return c.State() == StateClosed }

// Manager keeps one breaker per link name.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
	onChange func(name string, from, to State)
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// OnStateChange registers a hook for every breaker transition. Breakers
// created before the call do not report to it.
func (m *Manager) OnStateChange(fn func(name string, from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// GetOrCreate returns the breaker for name, creating it from cfg on first
// use. cfg.Name is replaced by name.
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}
	cfg.Name = name
	cb, err := New(cfg, m.logger, m.onChange)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

func (m *Manager) Get(name string) (*CircuitBreaker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[name]
	return cb, ok
}

// States reports the state of every breaker by name.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.State()
	}
	return out
}
