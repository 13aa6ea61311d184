// Package prefetch schedules speculative background loads triggered by
// navigation intent. Prefetching is best-effort: loader failures are logged
// and swallowed, and results land in the cache store without touching the
// pending-write ledger since nothing speculative needs rolling back.
package prefetch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"

	"github.com/creatordeck/coresync/log"
)

// Logger captures structured log output for the scheduler.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// LoaderFunc produces the value for a prefetch task.
type LoaderFunc[V any] func(ctx context.Context) (V, error)

// Writer receives completed prefetch results. Satisfied by store.Store.
type Writer[V any] interface {
	Set(key string, value V, ttl time.Duration)
}

// Config controls scheduler behaviour.
type Config struct {
	// WriteTTL applies to every cache entry the scheduler writes.
	WriteTTL time.Duration
}

// Option customises scheduler construction.
type Option[V any] func(*Scheduler[V])

// WithLogger overrides the default logger.
func WithLogger[V any](logger Logger) Option[V] {
	return func(s *Scheduler[V]) {
		s.logger = logger
	}
}

type task[V any] struct {
	priority int
	seq      uint64
	route    string
	key      string
	loader   LoaderFunc[V]
}

// Scheduler drains queued loads one at a time in priority order, yielding
// between tasks so foreground work is never starved. Ties are broken by
// insertion order.
type Scheduler[V any] struct {
	cfg    Config
	cache  Writer[V]
	logger Logger

	tree *btree.BTreeG[task[V]]
	wake chan struct{}
	seq  atomic.Uint64
}

// New constructs a scheduler writing results through cache.
func New[V any](cfg Config, cache Writer[V], opts ...Option[V]) (*Scheduler[V], error) {
	if cache == nil {
		return nil, errors.New("prefetch scheduler: cache writer is required")
	}

	s := &Scheduler[V]{
		cfg:    cfg,
		cache:  cache,
		logger: defaultLogger(),
		tree: btree.NewBTreeG(func(a, b task[V]) bool {
			if a.priority != b.priority {
				return a.priority > b.priority
			}
			return a.seq < b.seq
		}),
		wake: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = defaultLogger()
	}

	return s, nil
}

// Queue inserts a load task. Higher priority runs first; equal priorities
// run in insertion order.
func (s *Scheduler[V]) Queue(route, key string, loader LoaderFunc[V], priority int) {
	if loader == nil {
		return
	}

	t := task[V]{
		priority: priority,
		seq:      s.seq.Add(1),
		route:    route,
		key:      key,
		loader:   loader,
	}
	s.tree.Set(t)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of tasks waiting to run.
func (s *Scheduler[V]) Len() int {
	return s.tree.Len()
}

// Run drains the queue until ctx is cancelled, executing one task at a time.
func (s *Scheduler[V]) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}

		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			t, ok := s.tree.Min()
			if !ok {
				break
			}
			s.tree.Delete(t)
			s.execute(ctx, t)
		}
	}
}

// execute runs a single task. The task is already off the queue and is
// discarded regardless of outcome.
func (s *Scheduler[V]) execute(ctx context.Context, t task[V]) {
	value, err := t.loader(ctx)
	if err != nil {
		s.logger.Debugf("prefetch %s (%s) failed: %v", t.key, t.route, err)
		return
	}

	s.cache.Set(t.key, value, s.cfg.WriteTTL)
	s.logger.Debugf("prefetched %s for route %s", t.key, t.route)
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("sync-prefetch")}
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
