// Package ledger tracks in-flight optimistic mutations so a failed server
// call can restore the last confirmed value. Every ApplyOptimistic must be
// paired with exactly one Confirm or Rollback; a periodic sweep forcibly
// rolls back entries that outlive the staleness window so the cache never
// diverges from the server indefinitely.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/creatordeck/coresync/log"
	"github.com/creatordeck/coresync/pkg/datasync/store"
)

// Logger captures structured log output for ledger operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config controls ledger behaviour.
type Config struct {
	// StalenessWindow bounds how long an unconfirmed optimistic write may
	// live before the sweep rolls it back.
	StalenessWindow time.Duration
	// SweepInterval is the cadence of the background sweep.
	SweepInterval time.Duration
	// WriteTTL is applied to every cache write the ledger performs.
	// Zero keeps ledger-written entries until invalidated.
	WriteTTL time.Duration
}

// Option customises ledger construction.
type Option[V any] func(*Ledger[V])

// WithLogger overrides the default logger.
func WithLogger[V any](logger Logger) Option[V] {
	return func(l *Ledger[V]) {
		l.logger = logger
	}
}

// WithClock overrides the time source (primarily for tests).
func WithClock[V any](clock store.Clock) Option[V] {
	return func(l *Ledger[V]) {
		l.clock = clock
	}
}

type pending[V any] struct {
	original  V
	createdAt time.Time
}

// Ledger records optimistic mutations keyed by resource id. At most one
// pending entry exists per key: a repeated optimistic write replaces the
// speculative value but keeps the original from the first write in the
// chain, so rollback always lands on the last confirmed state.
type Ledger[V any] struct {
	cfg    Config
	cache  *store.Store[V]
	clock  store.Clock
	logger Logger

	mu       sync.Mutex
	pendings map[string]pending[V]
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// New constructs a ledger writing through the given cache store.
func New[V any](cfg Config, cache *store.Store[V], opts ...Option[V]) *Ledger[V] {
	cfg = applyDefaults(cfg)

	l := &Ledger[V]{
		cfg:      cfg,
		cache:    cache,
		clock:    realClock{},
		logger:   defaultLogger(),
		pendings: make(map[string]pending[V]),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.clock == nil {
		l.clock = realClock{}
	}
	if l.logger == nil {
		l.logger = defaultLogger()
	}

	return l
}

// ApplyOptimistic records the mutation and immediately writes the
// speculative value into the cache, which notifies subscribers.
func (l *Ledger[V]) ApplyOptimistic(key string, original, optimistic V) {
	l.mu.Lock()
	if _, exists := l.pendings[key]; !exists {
		l.pendings[key] = pending[V]{
			original:  original,
			createdAt: l.clock.Now(),
		}
	}
	l.mu.Unlock()

	l.cache.Set(key, optimistic, l.cfg.WriteTTL)
}

// Confirm settles the pending write with the server-acknowledged value.
func (l *Ledger[V]) Confirm(key string, serverValue V) {
	l.mu.Lock()
	delete(l.pendings, key)
	l.mu.Unlock()

	l.cache.Set(key, serverValue, l.cfg.WriteTTL)
}

// Rollback restores the last confirmed value and returns it so the caller
// can surface a failure state. The second return is false when no pending
// write exists for key.
func (l *Ledger[V]) Rollback(key string) (V, bool) {
	l.mu.Lock()
	p, ok := l.pendings[key]
	if ok {
		delete(l.pendings, key)
	}
	l.mu.Unlock()

	if !ok {
		var zero V
		return zero, false
	}

	l.cache.Set(key, p.original, l.cfg.WriteTTL)
	return p.original, true
}

// PendingCount reports the number of unsettled optimistic writes.
func (l *Ledger[V]) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pendings)
}

// SweepOnce rolls back every pending write older than the staleness window
// and returns the affected keys.
func (l *Ledger[V]) SweepOnce() []string {
	cutoff := l.clock.Now().Add(-l.cfg.StalenessWindow)

	l.mu.Lock()
	stale := make([]string, 0)
	for key, p := range l.pendings {
		if p.createdAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	l.mu.Unlock()

	for _, key := range stale {
		if _, ok := l.Rollback(key); ok {
			l.logger.Warnf("forced rollback of stale optimistic write for %s", key)
		}
	}

	return stale
}

// Run executes the staleness sweep on a schedule until ctx is cancelled.
func (l *Ledger[V]) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if stale := l.SweepOnce(); len(stale) > 0 {
				l.logger.Infof("staleness sweep rolled back %d writes", len(stale))
			}
		}
	}
}

func applyDefaults(cfg Config) Config {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.StalenessWindow
	}
	return cfg
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("sync-ledger")}
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
