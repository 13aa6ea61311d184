// Package batch merges same-endpoint requests issued within a short window
// into a single backend call. The window length is fixed from the first
// request rather than reset on arrival, which bounds worst-case latency.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/creatordeck/coresync/log"
	"github.com/creatordeck/coresync/pkg/datasync/transport"
)

// ErrResultShape indicates the backend returned a result array whose length
// does not match the submitted request count.
var ErrResultShape = errors.New("batch coalescer: result count does not match request count")

// Logger captures structured log output for the coalescer.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config controls coalescing behaviour.
type Config struct {
	// Delay is the coalescing window opened by the first request for an
	// endpoint.
	Delay time.Duration
	// RequestTimeout bounds the flushed network call.
	RequestTimeout time.Duration
}

// Option customises coalescer construction.
type Option func(*Coalescer)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(c *Coalescer) {
		c.logger = logger
	}
}

type outcome struct {
	body json.RawMessage
	err  error
}

type request struct {
	params json.RawMessage
	result chan outcome
}

type window struct {
	requests []*request
}

// Coalescer groups requests per endpoint and flushes each group as one
// array-payload call to /batch/{endpoint}. Results are distributed back in
// submission order; positional correspondence is the contract with the
// backend. A failed batch call rejects every request in the window.
type Coalescer struct {
	cfg    Config
	client transport.Client
	logger Logger

	mu      sync.Mutex
	windows map[string]*window

	flushed sync.WaitGroup
}

// New constructs a coalescer issuing calls through client.
func New(cfg Config, client transport.Client, opts ...Option) (*Coalescer, error) {
	if client == nil {
		return nil, errors.New("batch coalescer: transport client is required")
	}

	cfg = applyDefaults(cfg)

	c := &Coalescer{
		cfg:     cfg,
		client:  client,
		logger:  defaultLogger(),
		windows: make(map[string]*window),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = defaultLogger()
	}

	return c, nil
}

// Enqueue joins the open window for endpoint, or opens one, and blocks until
// the batched call settles. When ctx ends first the caller is released with
// ctx's error; the request itself still rides the window and its slot in the
// result array is discarded.
func (c *Coalescer) Enqueue(ctx context.Context, endpoint string, params json.RawMessage) (json.RawMessage, error) {
	req := &request{
		params: params,
		result: make(chan outcome, 1),
	}

	c.mu.Lock()
	w, open := c.windows[endpoint]
	if !open {
		w = &window{}
		c.windows[endpoint] = w
		c.flushed.Add(1)
		time.AfterFunc(c.cfg.Delay, func() {
			defer c.flushed.Done()
			c.flush(endpoint)
		})
	}
	w.requests = append(w.requests, req)
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-req.result:
		return out.body, out.err
	}
}

// Flush waits until every opened window has fired and settled. Intended for
// shutdown and tests.
func (c *Coalescer) Flush() {
	c.flushed.Wait()
}

func (c *Coalescer) flush(endpoint string) {
	c.mu.Lock()
	w := c.windows[endpoint]
	delete(c.windows, endpoint)
	c.mu.Unlock()

	if w == nil || len(w.requests) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	payload := make([]json.RawMessage, len(w.requests))
	for i, req := range w.requests {
		payload[i] = req.params
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.fail(w, fmt.Errorf("batch coalescer: encode payload: %w", err))
		return
	}

	resp, err := c.client.Send(ctx, http.MethodPost, "/batch/"+endpoint, body)
	if err != nil {
		c.logger.Warnf("batch call to %s failed: %v", endpoint, err)
		c.fail(w, err)
		return
	}
	if resp.Status < 200 || resp.Status > 299 {
		c.logger.Warnf("batch call to %s returned status %d", endpoint, resp.Status)
		c.fail(w, transport.StatusError{Status: resp.Status})
		return
	}

	var results []json.RawMessage
	if err := json.Unmarshal(resp.Body, &results); err != nil {
		c.fail(w, fmt.Errorf("batch coalescer: decode results: %w", err))
		return
	}
	if len(results) != len(w.requests) {
		c.fail(w, fmt.Errorf("%w: sent %d, received %d", ErrResultShape, len(w.requests), len(results)))
		return
	}

	c.logger.Debugf("flushed %d requests to %s", len(w.requests), endpoint)
	for i, req := range w.requests {
		req.result <- outcome{body: results[i]}
	}
}

func (c *Coalescer) fail(w *window, err error) {
	for _, req := range w.requests {
		req.result <- outcome{err: err}
	}
}

func applyDefaults(cfg Config) Config {
	if cfg.Delay <= 0 {
		cfg.Delay = 10 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return cfg
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("sync-batch")}
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
