package prefetch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/creatordeck/coresync/pkg/datasync/prefetch"
	"github.com/creatordeck/coresync/pkg/datasync/store"
)

type captureLogger struct {
	mu     sync.Mutex
	debugs []string
}

func (l *captureLogger) Debugf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, format)
}

func (l *captureLogger) Infof(format string, args ...any)  {}
func (l *captureLogger) Warnf(format string, args ...any)  {}
func (l *captureLogger) Errorf(format string, args ...any) {}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestTasksRunInPriorityOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := store.New[string]()
	s, err := prefetch.New(prefetch.Config{}, cache, prefetch.WithLogger[string](&captureLogger{}))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var mu sync.Mutex
	var order []string
	loader := func(name string) prefetch.LoaderFunc[string] {
		return func(context.Context) (string, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	// Queue everything before starting the drain so priorities decide.
	s.Queue("/feed", "low", loader("low"), 1)
	s.Queue("/feed", "high", loader("high"), 10)
	s.Queue("/feed", "mid", loader("mid"), 5)

	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "high" || order[1] != "mid" || order[2] != "low" {
		t.Fatalf("unexpected execution order %v", order)
	}
}

func TestEqualPriorityPreservesInsertionOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := store.New[int]()
	s, err := prefetch.New(prefetch.Config{}, cache)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		s.Queue("/feed", "k", func(context.Context) (int, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}, 3)
	}

	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	})

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("expected stable FIFO within priority, got %v", order)
		}
	}
}

func TestResultsWrittenThroughStore(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := store.New[string]()
	s, err := prefetch.New(prefetch.Config{WriteTTL: time.Minute}, cache)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	s.Queue("/creator/7", "creator/7/profile", func(context.Context) (string, error) {
		return "payload", nil
	}, 1)

	waitFor(t, time.Second, func() bool {
		_, ok := cache.Get("creator/7/profile")
		return ok
	})

	cancel()
	<-done

	if v, _ := cache.Get("creator/7/profile"); v != "payload" {
		t.Fatalf("expected prefetched payload cached, got %q", v)
	}
}

func TestLoaderFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := store.New[string]()
	logger := &captureLogger{}
	s, err := prefetch.New(prefetch.Config{}, cache, prefetch.WithLogger[string](logger))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	s.Queue("/broken", "broken", func(context.Context) (string, error) {
		return "", errors.New("load failed")
	}, 1)
	s.Queue("/fine", "fine", func(context.Context) (string, error) {
		return "ok", nil
	}, 0)

	waitFor(t, time.Second, func() bool {
		_, ok := cache.Get("fine")
		return ok
	})

	cancel()
	<-done

	if _, ok := cache.Get("broken"); ok {
		t.Fatalf("failed load must not populate the cache")
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.debugs) == 0 {
		t.Fatalf("expected failure to be logged")
	}
}
