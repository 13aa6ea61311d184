// Package workpool runs CPU-bound tasks on a fixed-size set of workers.
// Tasks queue FIFO and are picked up by the first idle worker; nothing
// orders completions across workers.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/cpu"

	"github.com/creatordeck/coresync/log"
)

// ErrNotRunning is returned by Submit before Run has started the workers or
// after it returned. Tasks still queued at shutdown settle with it as well.
var ErrNotRunning = errors.New("workpool: pool is not running")

// ErrQueueFull is returned by Submit when no queue slot is free.
var ErrQueueFull = errors.New("workpool: task queue is full")

// Logger captures structured log output for the pool.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Func is a unit of work. It must respect ctx and return exactly once.
type Func func(ctx context.Context) (any, error)

// Result carries a settled task outcome.
type Result struct {
	Value any
	Err   error
}

// Config controls pool sizing.
type Config struct {
	// Workers fixes the worker count. Zero sizes the pool to the host's
	// reported logical CPU count.
	Workers int
	// QueueDepth bounds tasks waiting for an idle worker.
	QueueDepth int
}

// Option customises pool construction.
type Option func(*Pool)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

type task struct {
	fn     Func
	result chan Result
}

// Pool dispatches submitted tasks across its workers. Each submission
// settles exactly once, through the channel returned by Submit.
type Pool struct {
	cfg    Config
	logger Logger
	tasks  chan *task

	busy atomic.Int32

	mu      sync.Mutex
	running bool
}

// New constructs a pool. The worker count defaults to the host parallelism
// probe.
func New(cfg Config, opts ...Option) (*Pool, error) {
	cfg = applyDefaults(cfg)

	p := &Pool{
		cfg:    cfg,
		logger: defaultLogger(),
		tasks:  make(chan *task, cfg.QueueDepth),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = defaultLogger()
	}

	return p, nil
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("workpool: already running")
	}
	p.running = true
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}

	p.logger.Debugf("worker pool started with %d workers", p.cfg.Workers)
	<-ctx.Done()

	// Stop accepting work before the workers exit so every queued task is
	// either executed or settled by the drain below.
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	wg.Wait()
	p.drainPending()
	return ctx.Err()
}

// drainPending settles tasks that were queued but never picked up before
// shutdown, so no Submit caller waits forever.
func (p *Pool) drainPending() {
	for {
		select {
		case t := <-p.tasks:
			t.result <- Result{Err: ErrNotRunning}
		default:
			return
		}
	}
}

// Submit enqueues fn and returns the channel its outcome will arrive on.
// The channel is buffered; the caller may read it whenever convenient. Every
// accepted task settles exactly once, with ErrNotRunning if the pool shuts
// down before a worker picks it up.
func (p *Pool) Submit(ctx context.Context, fn Func) (<-chan Result, error) {
	if fn == nil {
		return nil, errors.New("workpool: task func is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := &task{
		fn:     fn,
		result: make(chan Result, 1),
	}

	// The enqueue happens under the same lock Run flips running under, so
	// every task in the queue at shutdown is visible to the drain.
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, ErrNotRunning
	}
	select {
	case p.tasks <- t:
		return t.result, nil
	default:
		return nil, ErrQueueFull
	}
}

// Busy reports how many workers are currently executing a task.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

func (p *Pool) worker(ctx context.Context) {
	for {
		// Cancellation wins over pending work; leftovers are settled by the
		// shutdown drain.
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case t := <-p.tasks:
			p.busy.Add(1)
			t.result <- p.execute(ctx, t.fn)
			p.busy.Add(-1)
		}
	}
}

// execute settles a task, converting panics into errors so a bad task never
// takes down a worker.
func (p *Pool) execute(ctx context.Context, fn Func) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("worker task panicked: %v", r)
			res = Result{Err: fmt.Errorf("workpool: task panic: %v", r)}
		}
	}()

	value, err := fn(ctx)
	return Result{Value: value, Err: err}
}

func applyDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = hostParallelism()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Workers * 16
	}
	return cfg
}

// hostParallelism prefers the gopsutil probe and falls back to the runtime's
// view when the probe fails (containers with restricted /proc, notably).
func hostParallelism() int {
	if count, err := cpu.Counts(true); err == nil && count > 0 {
		return count
	}
	return runtime.NumCPU()
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("sync-workpool")}
}

type logHandleAdapter struct {
	handle *log.LogHandle
}

func (l logHandleAdapter) Debugf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Debug().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Infof(format string, args ...any) {
	if l.handle != nil {
		l.handle.Info().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Warnf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Warn().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Errorf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Error().Msgf(format, args...)
	}
}
