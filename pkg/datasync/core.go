package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/creatordeck/coresync/pkg/datasync/batch"
	"github.com/creatordeck/coresync/pkg/datasync/bus"
	"github.com/creatordeck/coresync/pkg/datasync/ledger"
	"github.com/creatordeck/coresync/pkg/datasync/prefetch"
	"github.com/creatordeck/coresync/pkg/datasync/store"
	"github.com/creatordeck/coresync/pkg/datasync/transport"
	"github.com/creatordeck/coresync/pkg/datasync/upload"
	"github.com/creatordeck/coresync/pkg/datasync/workpool"
)

// Core owns one process-wide instance of every sync component. It is built
// explicitly and handed to consumers; nothing here is a package-level
// singleton, so tests and embedders can run several cores side by side.
//
// Cached payloads are raw JSON keyed by logical resource id. Callers that
// want compile-time value typing instantiate their own store.Store[V] and
// ledger.Ledger[V] next to the shared one.
type Core struct {
	cfg Config

	Bus      *bus.Bus[json.RawMessage]
	Cache    *store.Store[json.RawMessage]
	Ledger   *ledger.Ledger[json.RawMessage]
	Batch    *batch.Coalescer
	Prefetch *prefetch.Scheduler[json.RawMessage]
	Uploader *upload.Uploader
	Pool     *workpool.Pool
}

// New wires the sync core against the given backend client. cfg gaps are
// filled with defaults.
func New(cfg Config, client transport.Client) (*Core, error) {
	if client == nil {
		return nil, errors.New("datasync: transport client is required")
	}

	cfg.ApplyDefaults()

	eventBus := bus.New[json.RawMessage]()
	cache := store.New(store.WithPublisher[json.RawMessage](eventBus))

	writeLedger := ledger.New(ledger.Config{
		StalenessWindow: time.Duration(cfg.Ledger.StalenessSec) * time.Second,
		SweepInterval:   time.Duration(cfg.Ledger.SweepSec) * time.Second,
		WriteTTL:        time.Duration(cfg.Cache.DefaultTTLMin) * time.Minute,
	}, cache)

	coalescer, err := batch.New(batch.Config{
		Delay:          time.Duration(cfg.Batch.CoalesceDelayMs) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.Batch.RequestTimeoutSec) * time.Second,
	}, client)
	if err != nil {
		return nil, err
	}

	scheduler, err := prefetch.New(prefetch.Config{
		WriteTTL: time.Duration(cfg.TunedPrefetchTTLMin()) * time.Minute,
	}, cache)
	if err != nil {
		return nil, err
	}

	uploader, err := upload.New(upload.Config{
		ChunkSize:        int64(cfg.Upload.ChunkKB) * 1024,
		MaxParallelFiles: int64(cfg.TunedParallelUploads()),
		MaxChunkAttempts: cfg.Upload.ChunkAttempts,
	}, client)
	if err != nil {
		return nil, err
	}

	pool, err := workpool.New(workpool.Config{
		Workers:    cfg.Workers.Count,
		QueueDepth: cfg.Workers.QueueDepth,
	})
	if err != nil {
		return nil, err
	}

	return &Core{
		cfg:      cfg,
		Bus:      eventBus,
		Cache:    cache,
		Ledger:   writeLedger,
		Batch:    coalescer,
		Prefetch: scheduler,
		Uploader: uploader,
		Pool:     pool,
	}, nil
}

// BaseURL reports the backend base URL the core was configured with.
func (c *Core) BaseURL() string {
	return c.cfg.BaseURL
}

// Run supervises the background loops until ctx is cancelled. Cancellation
// is the normal shutdown path and is not reported as an error.
func (c *Core) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return c.Ledger.Run(ctx) })
	group.Go(func() error { return c.Prefetch.Run(ctx) })
	group.Go(func() error { return c.Pool.Run(ctx) })

	err := group.Wait()
	c.Batch.Flush()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
