// Package engine orchestrates chunked, encrypted uploads and downloads
// across the backend pool, and the lifecycle of stored files.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/chunkvault/internal/audit"
	"github.com/kenneth/chunkvault/internal/backend"
	"github.com/kenneth/chunkvault/internal/cache"
	"github.com/kenneth/chunkvault/internal/chunker"
	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/crypto"
	"github.com/kenneth/chunkvault/internal/metastore"
	"github.com/kenneth/chunkvault/internal/metrics"
	"github.com/kenneth/chunkvault/internal/pool"
)

const (
	defaultConcurrency   = 4
	defaultStoreAttempts = 2
)

// Engine is safe for concurrent use. Each call builds its own backend pool
// snapshot; nothing about the account set is cached between calls.
type Engine struct {
	store   metastore.Store
	factory backend.Factory
	codec   *crypto.Codec

	chunkSize     int
	concurrency   int
	storeAttempts int

	cache   cache.Cache
	audit   audit.Logger
	metrics *metrics.Metrics
	logger  *logrus.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithChunkSize sets the plaintext chunk size.
func WithChunkSize(n int) Option {
	return func(e *Engine) { e.chunkSize = n }
}

// WithConcurrency sets how many chunk fetches a download keeps in flight.
// 1 makes downloads strictly sequential.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

// WithStoreAttempts sets how often a chunk store is attempted before the
// upload is failed.
func WithStoreAttempts(n int) Option {
	return func(e *Engine) { e.storeAttempts = n }
}

// WithCache enables the encrypted chunk cache on the read path.
func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithAuditLogger records file events.
func WithAuditLogger(l audit.Logger) Option {
	return func(e *Engine) { e.audit = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New validates its dependencies up front and returns a ready engine.
func New(store metastore.Store, factory backend.Factory, codec *crypto.Codec, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: metadata store is required", common.ErrConfiguration)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: backend factory is required", common.ErrConfiguration)
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: cipher codec is required", common.ErrConfiguration)
	}

	e := &Engine{
		store:         store,
		factory:       factory,
		codec:         codec,
		chunkSize:     chunker.DefaultChunkSize,
		concurrency:   defaultConcurrency,
		storeAttempts: defaultStoreAttempts,
		tracer:        otel.Tracer("chunkvault/engine"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.chunkSize <= 0 || e.chunkSize > chunker.MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d outside 1..%d", common.ErrConfiguration, e.chunkSize, chunker.MaxChunkSize)
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}
	if e.storeAttempts < 1 {
		e.storeAttempts = 1
	}
	if e.logger == nil {
		e.logger = logrus.StandardLogger()
	}
	if e.metrics == nil {
		e.metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	return e, nil
}

// ChunkSize returns the plaintext chunk size clients must use.
func (e *Engine) ChunkSize() int {
	return e.chunkSize
}

// Ready checks the metadata store.
func (e *Engine) Ready(ctx context.Context) error {
	return e.store.Ping(ctx)
}

func (e *Engine) pool() *pool.Pool {
	return pool.New(e.store)
}

func (e *Engine) auditFile(eventType audit.EventType, op, ownerID, fileID string, err error, start time.Time, meta map[string]interface{}) {
	if e.audit == nil {
		return
	}
	e.audit.LogFileEvent(eventType, op, ownerID, fileID, err, time.Since(start), meta)
}

// errorType is a coarse label for metrics.
func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, common.ErrObjectNotFound):
		return "not_found"
	case errors.Is(err, common.ErrIntegrity):
		return "integrity"
	case errors.Is(err, common.ErrBackendUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

// isRequestError reports errors caused by the request itself. They leave
// an in-progress upload untouched.
func isRequestError(err error) bool {
	return errors.Is(err, common.ErrInvalidRequest) ||
		errors.Is(err, common.ErrNotFound) ||
		errors.Is(err, common.ErrUnauthorized) ||
		errors.Is(err, common.ErrChunkExists)
}
