// Package upload splits large payloads into bounded-size chunks and ships
// them to the backend before a finalize call stitches them together. Chunks
// are serialized within one file; up to MaxParallelFiles files upload
// concurrently.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/creatordeck/coresync/log"
	"github.com/creatordeck/coresync/pkg/datasync/transport"
)

const (
	chunkPath    = "/upload/chunk"
	completePath = "/upload/complete"
)

// ErrIncompleteSession indicates finalize was attempted before every chunk
// acknowledged. Reaching it means a bookkeeping bug, not a network failure.
var ErrIncompleteSession = errors.New("uploader: session incomplete")

// Logger captures structured log output for uploads.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Sleeper abstracts time.Sleep for deterministic tests.
type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Config controls uploader runtime behaviour.
type Config struct {
	// ChunkSize is the fixed chunk payload size in bytes.
	ChunkSize int64
	// MaxParallelFiles bounds concurrent file uploads.
	MaxParallelFiles int64
	// MaxChunkAttempts bounds per-chunk delivery attempts.
	MaxChunkAttempts int
	// BaseRetryDelay seeds the exponential backoff between chunk retries.
	BaseRetryDelay time.Duration
	// MaxRetryDelay caps the backoff.
	MaxRetryDelay time.Duration
}

// Option customises uploader construction.
type Option func(*Uploader)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(u *Uploader) {
		u.logger = logger
	}
}

// WithSleeper overrides the sleep implementation (useful for tests).
func WithSleeper(sleeper Sleeper) Option {
	return func(u *Uploader) {
		u.sleeper = sleeper
	}
}

type chunkEnvelope struct {
	UploadID string `json:"upload_id"`
	Name     string `json:"name"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	Data     []byte `json:"data"`
}

type completeEnvelope struct {
	UploadID string `json:"upload_id"`
	Name     string `json:"name"`
	Total    int    `json:"total"`
}

type completeResult struct {
	URL string `json:"url"`
}

// Uploader coordinates chunked transfers through the backend transport.
type Uploader struct {
	cfg     Config
	client  transport.Client
	logger  Logger
	sleeper Sleeper
	slots   *semaphore.Weighted
}

// New constructs an Uploader with the provided configuration.
func New(cfg Config, client transport.Client, opts ...Option) (*Uploader, error) {
	if client == nil {
		return nil, errors.New("uploader: transport client is required")
	}

	cfg = applyDefaults(cfg)

	u := &Uploader{
		cfg:     cfg,
		client:  client,
		logger:  defaultLogger(),
		sleeper: realSleeper{},
		slots:   semaphore.NewWeighted(cfg.MaxParallelFiles),
	}

	for _, opt := range opts {
		opt(u)
	}

	if u.logger == nil {
		u.logger = defaultLogger()
	}
	if u.sleeper == nil {
		u.sleeper = realSleeper{}
	}

	return u, nil
}

// Upload transfers size bytes from r as fixed-size chunks and returns the
// remote URL reported by the finalize call. onProgress, when non-nil, is
// invoked with the completed percentage after each chunk acknowledges. Any
// terminal chunk failure aborts the session; finalize is never issued for a
// partial session.
func (u *Uploader) Upload(ctx context.Context, name string, r io.Reader, size int64, onProgress func(pct float64)) (string, error) {
	if size < 0 {
		return "", fmt.Errorf("uploader: negative size %d", size)
	}

	if err := u.slots.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer u.slots.Release(1)

	session := newSession(uuid.NewString(), name, size, u.cfg.ChunkSize)
	u.logger.Debugf("upload %s: %d bytes in %d chunks", session.id, size, session.totalChunks)

	buf := make([]byte, u.cfg.ChunkSize)
	for index := 0; index < session.totalChunks; index++ {
		n, err := readChunk(r, buf, size, int64(index)*u.cfg.ChunkSize, u.cfg.ChunkSize)
		if err != nil {
			return "", fmt.Errorf("uploader: read chunk %d: %w", index, err)
		}

		if err := u.sendChunk(ctx, session, index, buf[:n]); err != nil {
			u.logger.Warnf("upload %s aborted at chunk %d/%d: %v", session.id, index+1, session.totalChunks, err)
			return "", err
		}

		session.markCompleted(index)
		if onProgress != nil {
			onProgress(session.progress())
		}
	}

	return u.finalize(ctx, session)
}

func (u *Uploader) sendChunk(ctx context.Context, s *session, index int, data []byte) error {
	body, err := json.Marshal(chunkEnvelope{
		UploadID: s.id,
		Name:     s.name,
		Index:    index,
		Total:    s.totalChunks,
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("uploader: encode chunk: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= u.cfg.MaxChunkAttempts; attempt++ {
		resp, err := u.client.Send(ctx, http.MethodPost, chunkPath, body)
		if err == nil && resp.Status >= 200 && resp.Status <= 299 {
			return nil
		}
		if err == nil {
			err = transport.StatusError{Status: resp.Status}
		}
		lastErr = err

		if isContextError(err) || !transport.IsRetryable(err) || attempt == u.cfg.MaxChunkAttempts {
			break
		}

		delay := u.backoffDelay(attempt)
		u.logger.Debugf("upload %s chunk %d retry in %s: %v", s.id, index, delay, err)
		u.sleeper.Sleep(delay)
	}

	return fmt.Errorf("uploader: chunk %d/%d: %w", index+1, s.totalChunks, lastErr)
}

func (u *Uploader) finalize(ctx context.Context, s *session) (string, error) {
	if !s.complete() {
		return "", ErrIncompleteSession
	}

	body, err := json.Marshal(completeEnvelope{
		UploadID: s.id,
		Name:     s.name,
		Total:    s.totalChunks,
	})
	if err != nil {
		return "", fmt.Errorf("uploader: encode finalize: %w", err)
	}

	resp, err := u.client.Send(ctx, http.MethodPost, completePath, body)
	if err != nil {
		return "", fmt.Errorf("uploader: finalize: %w", err)
	}
	if resp.Status < 200 || resp.Status > 299 {
		return "", fmt.Errorf("uploader: finalize: %w", transport.StatusError{Status: resp.Status})
	}

	var result completeResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return "", fmt.Errorf("uploader: decode finalize result: %w", err)
	}

	u.logger.Infof("upload %s complete: %s", s.id, result.URL)
	return result.URL, nil
}

func (u *Uploader) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := u.cfg.BaseRetryDelay
	pow := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(base) * pow)
	if delay > u.cfg.MaxRetryDelay {
		return u.cfg.MaxRetryDelay
	}
	if delay < base {
		return base
	}
	return delay
}

// session tracks one chunked transfer. Completion is keyed off the set of
// acknowledged chunk indices, never off a bare counter.
type session struct {
	id          string
	name        string
	size        int64
	totalChunks int
	completed   map[int]struct{}
}

func newSession(id, name string, size, chunkSize int64) *session {
	total := int((size + chunkSize - 1) / chunkSize)
	return &session{
		id:          id,
		name:        name,
		size:        size,
		totalChunks: total,
		completed:   make(map[int]struct{}, total),
	}
}

func (s *session) markCompleted(index int) {
	s.completed[index] = struct{}{}
}

func (s *session) complete() bool {
	return len(s.completed) == s.totalChunks
}

func (s *session) progress() float64 {
	if s.totalChunks == 0 {
		return 100
	}
	return float64(len(s.completed)) / float64(s.totalChunks) * 100
}

// readChunk fills buf with the next chunk. The final chunk may be short.
func readChunk(r io.Reader, buf []byte, size, offset, chunkSize int64) (int, error) {
	want := chunkSize
	if remaining := size - offset; remaining < want {
		want = remaining
	}
	return io.ReadFull(r, buf[:want])
}

func isContextError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func applyDefaults(cfg Config) Config {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1 << 20
	}
	if cfg.MaxParallelFiles <= 0 {
		cfg.MaxParallelFiles = 3
	}
	if cfg.MaxChunkAttempts <= 0 {
		cfg.MaxChunkAttempts = 3
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 100 * time.Millisecond
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 5 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.BaseRetryDelay {
		cfg.MaxRetryDelay = cfg.BaseRetryDelay
	}
	return cfg
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("sync-upload")}
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
