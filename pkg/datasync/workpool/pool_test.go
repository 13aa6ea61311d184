package workpool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creatordeck/coresync/pkg/datasync/workpool"
)

func startPool(t *testing.T, cfg workpool.Config) (*workpool.Pool, context.CancelFunc) {
	t.Helper()

	p, err := workpool.New(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Submit rejects until Run flips the running flag. Wait for the probe
	// task to settle so the pool starts each test idle with an empty queue.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ch, err := p.Submit(ctx, func(context.Context) (any, error) { return nil, nil }); err == nil {
			<-ch
			return p, cancel
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pool never became ready")
	return nil, nil
}

func TestEveryTaskSettlesExactlyOnce(t *testing.T) {
	t.Parallel()

	p, _ := startPool(t, workpool.Config{Workers: 2})

	const n = 20
	channels := make([]<-chan workpool.Result, n)
	for i := 0; i < n; i++ {
		i := i
		ch, err := p.Submit(context.Background(), func(context.Context) (any, error) {
			if i%5 == 0 {
				return nil, errors.New("task error")
			}
			return i * 2, nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		channels[i] = ch
	}

	for i, ch := range channels {
		select {
		case res := <-ch:
			if i%5 == 0 {
				if res.Err == nil {
					t.Fatalf("task %d: expected error", i)
				}
			} else if res.Err != nil || res.Value != i*2 {
				t.Fatalf("task %d: got %+v", i, res)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("task %d never settled", i)
		}

		select {
		case extra, ok := <-ch:
			if ok {
				t.Fatalf("task %d settled twice: %+v", i, extra)
			}
		default:
		}
	}
}

func TestExcessTasksQueueUntilWorkerIdle(t *testing.T) {
	t.Parallel()

	p, _ := startPool(t, workpool.Config{Workers: 1, QueueDepth: 8})

	block := make(chan struct{})
	first, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		<-block
		return "first", nil
	})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}

	var ran atomic.Int32
	second, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		ran.Add(1)
		return "second", nil
	})
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatalf("queued task ran while the only worker was busy")
	}

	close(block)
	if res := <-first; res.Err != nil || res.Value != "first" {
		t.Fatalf("first task: %+v", res)
	}
	if res := <-second; res.Err != nil || res.Value != "second" {
		t.Fatalf("second task: %+v", res)
	}
}

func TestNoCrossTaskOrdering(t *testing.T) {
	t.Parallel()

	p, _ := startPool(t, workpool.Config{Workers: 2})

	slowStarted := make(chan struct{})
	slow, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		close(slowStarted)
		time.Sleep(50 * time.Millisecond)
		return "slow", nil
	})
	if err != nil {
		t.Fatalf("submit slow: %v", err)
	}

	<-slowStarted
	fast, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		return "fast", nil
	})
	if err != nil {
		t.Fatalf("submit fast: %v", err)
	}

	select {
	case res := <-fast:
		if res.Value != "fast" {
			t.Fatalf("fast task: %+v", res)
		}
	case <-slow:
		t.Fatalf("slow task finished before fast despite a free worker")
	}
	<-slow
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	p, _ := startPool(t, workpool.Config{Workers: 1})

	ch, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := <-ch
	if res.Err == nil {
		t.Fatalf("expected panic surfaced as error")
	}

	// The worker survives.
	ch, err = p.Submit(context.Background(), func(context.Context) (any, error) {
		return "alive", nil
	})
	if err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	if res := <-ch; res.Value != "alive" {
		t.Fatalf("worker did not recover: %+v", res)
	}
}

func TestSubmitBeforeRunRejected(t *testing.T) {
	t.Parallel()

	p, err := workpool.New(workpool.Config{Workers: 1})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	if _, err := p.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, workpool.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestShutdownSettlesQueuedTasks(t *testing.T) {
	t.Parallel()

	p, cancel := startPool(t, workpool.Config{Workers: 1, QueueDepth: 8})

	started := make(chan struct{})
	block := make(chan struct{})
	blocker, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		close(started)
		<-block
		return "first", nil
	})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	queued, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		return "second", nil
	})
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	cancel()
	close(block)

	if res := <-blocker; res.Err != nil || res.Value != "first" {
		t.Fatalf("in-flight task: %+v", res)
	}

	select {
	case res := <-queued:
		if !errors.Is(res.Err, workpool.ErrNotRunning) {
			t.Fatalf("expected queued task settled with ErrNotRunning, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queued task never settled after shutdown")
	}
}

func TestQueueFullRejectsSubmit(t *testing.T) {
	t.Parallel()

	p, _ := startPool(t, workpool.Config{Workers: 1, QueueDepth: 1})

	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	if _, err := p.Submit(context.Background(), func(context.Context) (any, error) {
		close(started)
		<-block
		return nil, nil
	}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	// The worker is occupied and the queue holds one slot.
	if _, err := p.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("submit queued: %v", err)
	}
	if _, err := p.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, workpool.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestBusyTracking(t *testing.T) {
	t.Parallel()

	p, _ := startPool(t, workpool.Config{Workers: 2})

	block := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		ch, err := p.Submit(context.Background(), func(context.Context) (any, error) {
			<-block
			return nil, nil
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ch
		}()
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && p.Busy() != 2 {
		time.Sleep(time.Millisecond)
	}
	if p.Busy() != 2 {
		t.Fatalf("expected 2 busy workers, got %d", p.Busy())
	}

	close(block)
	wg.Wait()
}
