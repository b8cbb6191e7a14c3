// Package workerpool runs jobs on a fixed set of workers. A failed job is
// parked on a delay heap and comes back after an exponential backoff, so a
// waiting retry never holds a worker.
package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("workerpool: queue full")
	ErrClosed    = errors.New("workerpool: closed")
)

// Permanent marks an error that retrying cannot fix.
func Permanent(err error) error { return backoff.Permanent(err) }

// Job is one unit of work. Ctx, when set, cancels the job including any
// retry it is waiting for.
type Job[T any] struct {
	ID    string
	Value T
	Ctx   context.Context
}

// Outcome reports a finished job. Err is nil on success.
type Outcome[T any] struct {
	Job      Job[T]
	Attempts int
	Err      error
}

// Handler runs one attempt; attempt starts at 1.
type Handler[T any] func(ctx context.Context, job Job[T], attempt int) error

// Config sizes the pool and its retry policy.
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of attempts after the first.
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig suits worklist redelivery to analyzers that may stay
// offline for minutes.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       1024,
		MaxRetries:      10,
		InitialBackoff:  2 * time.Second,
		MaxBackoff:      2 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

type entry[T any] struct {
	job     Job[T]
	attempt int
	backoff *backoff.ExponentialBackOff
	due     time.Time
	unhook  func() bool
}

// Pool runs jobs of type T.
type Pool[T any] struct {
	cfg    Config
	handle Handler[T]
	done   func(Outcome[T])
	logger *zap.Logger

	queue chan *entry[T]

	mu      sync.Mutex
	closed  bool
	delayed delayHeap[T]
	wake    chan struct{}

	base    context.Context
	abort   context.CancelFunc
	started atomic.Bool
	stop    chan struct{}
	sched   chan struct{}
	workers sync.WaitGroup

	submitted, succeeded, failed, retried, cancelled, dropped atomic.Int64
}

// New creates a pool. done is called once per finished job from the worker
// that finished it; it may be nil.
func New[T any](cfg Config, handle Handler[T], done func(Outcome[T]), logger *zap.Logger) (*Pool[T], error) {
	if handle == nil {
		return nil, errors.New("workerpool: handler required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if done == nil {
		done = func(Outcome[T]) {}
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	base, abort := context.WithCancel(context.Background())
	return &Pool[T]{
		cfg:    cfg,
		handle: handle,
		done:   done,
		logger: logger,
		queue:  make(chan *entry[T], cfg.QueueSize),
		wake:   make(chan struct{}, 1),
		base:   base,
		abort:  abort,
		stop:   make(chan struct{}),
		sched:  make(chan struct{}),
	}, nil
}

// Start launches the workers and the retry scheduler.
func (p *Pool[T]) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	go p.schedule()
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize),
		zap.Int("max_retries", p.cfg.MaxRetries))
}

// Submit queues a job without blocking.
func (p *Pool[T]) Submit(job Job[T]) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- &entry[T]{job: job, attempt: 1, backoff: b}:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects new jobs, drops parked retries and waits up to
// ShutdownTimeout for queued jobs to finish. Jobs still running then see
// their context cancelled.
func (p *Pool[T]) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	if p.started.Load() {
		<-p.sched
	}
	close(p.queue)

	finished := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(finished)
	}()
	var err error
	select {
	case <-finished:
	case <-time.After(p.cfg.ShutdownTimeout):
		err = errors.New("workerpool: shutdown timed out")
		p.abort()
		<-finished
	}
	p.abort()
	p.logger.Info("worker pool stopped", zap.Int64("dropped_retries", p.dropped.Load()))
	return err
}

func (p *Pool[T]) work() {
	defer p.workers.Done()
	for e := range p.queue {
		p.run(e)
	}
}

func (p *Pool[T]) run(e *entry[T]) {
	ctx := p.base
	if e.job.Ctx != nil {
		var stop context.CancelFunc
		ctx, stop = mergeCancel(e.job.Ctx, p.base)
		defer stop()
	}
	if err := ctx.Err(); err != nil {
		p.finish(e, err)
		return
	}

	err := p.handle(ctx, e.job, e.attempt)
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	var perm *backoff.PermanentError
	if err == nil || errors.As(err, &perm) || errors.Is(err, context.Canceled) || e.attempt > p.cfg.MaxRetries {
		p.finish(e, err)
		return
	}

	delay := e.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = p.cfg.MaxBackoff
	}
	p.retried.Add(1)
	p.logger.Debug("job retry scheduled",
		zap.String("job_id", e.job.ID),
		zap.Int("attempt", e.attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
	e.attempt++
	e.due = time.Now().Add(delay)
	p.park(e)
}

// mergeCancel returns a context that ends with either parent.
func mergeCancel(job, pool context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(job)
	unhook := context.AfterFunc(pool, cancel)
	return ctx, func() {
		unhook()
		cancel()
	}
}

func (p *Pool[T]) finish(e *entry[T], err error) {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	switch {
	case err == nil:
		p.succeeded.Add(1)
	case errors.Is(err, context.Canceled):
		p.cancelled.Add(1)
	default:
		p.failed.Add(1)
		p.logger.Warn("job failed",
			zap.String("job_id", e.job.ID),
			zap.Int("attempts", e.attempt),
			zap.Error(err))
	}
	p.done(Outcome[T]{Job: e.job, Attempts: e.attempt, Err: err})
}

func (p *Pool[T]) park(e *entry[T]) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.dropped.Add(1)
		return
	}
	heap.Push(&p.delayed, e)
	if e.job.Ctx != nil {
		e.unhook = context.AfterFunc(e.job.Ctx, p.signal)
	}
	p.mu.Unlock()
	p.signal()
}

func (p *Pool[T]) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// reap removes parked entries whose job was cancelled.
func (p *Pool[T]) reap() []*entry[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	var gone []*entry[T]
	kept := p.delayed[:0]
	for _, e := range p.delayed {
		if e.job.Ctx != nil && e.job.Ctx.Err() != nil {
			gone = append(gone, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(gone) > 0 {
		p.delayed = kept
		heap.Init(&p.delayed)
	}
	return gone
}

// schedule moves parked entries back to the queue when they are due.
func (p *Pool[T]) schedule() {
	defer close(p.sched)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, e := range p.reap() {
			p.finish(e, e.job.Ctx.Err())
		}

		p.mu.Lock()
		var next *entry[T]
		if len(p.delayed) > 0 && !p.delayed[0].due.After(time.Now()) {
			next = heap.Pop(&p.delayed).(*entry[T])
			if next.unhook != nil {
				next.unhook()
			}
		}
		wait := time.Hour
		if next == nil && len(p.delayed) > 0 {
			wait = time.Until(p.delayed[0].due)
		}
		p.mu.Unlock()

		if next != nil {
			select {
			case p.queue <- next:
				continue
			case <-p.stop:
				p.dropParked(1)
				return
			}
		}

		timer.Reset(wait)
		select {
		case <-p.stop:
			p.dropParked(0)
			return
		case <-p.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

func (p *Pool[T]) dropParked(extra int) {
	p.mu.Lock()
	n := len(p.delayed) + extra
	p.delayed = nil
	p.mu.Unlock()
	p.dropped.Add(int64(n))
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted, Succeeded, Failed, Retried, Cancelled, Dropped int64
	Queued, Parked                                            int
}

func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	parked := len(p.delayed)
	p.mu.Unlock()
	return Stats{
		Submitted: p.submitted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Cancelled: p.cancelled.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
		Parked:    parked,
	}
}

// delayHeap orders parked entries by due time.
type delayHeap[T any] []*entry[T]

func (h delayHeap[T]) Len() int           { return len(h) }
func (h delayHeap[T]) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h delayHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayHeap[T]) Push(x any)        { *h = append(*h, x.(*entry[T])) }
func (h *delayHeap[T]) Pop() any {
	old := *h
	e := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return e
}
