package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/chunkvault/internal/audit"
	"github.com/kenneth/chunkvault/internal/chunker"
	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/crypto"
	"github.com/kenneth/chunkvault/internal/models"
	"github.com/kenneth/chunkvault/internal/pool"
)

// StreamError is returned by Download.Stream. BytesWritten tells the
// transport whether a clean error response is still possible.
type StreamError struct {
	BytesWritten int64
	Err          error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("download aborted after %d bytes: %v", e.BytesWritten, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Download is an opened, validated file ready to be streamed once.
type Download struct {
	File *models.File

	engine *Engine
	chunks []*models.Chunk
	pool   *pool.Pool
	shared bool
}

// OpenDownload resolves the owner's file and its chunk list. Nothing is
// fetched from the backends yet, so every error here can still be
// reported cleanly.
func (e *Engine) OpenDownload(ctx context.Context, ownerID, fileID string) (*Download, error) {
	if ownerID == "" {
		return nil, common.ErrUnauthorized
	}
	f, err := e.store.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	return e.open(ctx, f, false)
}

// OpenShared resolves a file by its public share token.
func (e *Engine) OpenShared(ctx context.Context, token string) (*Download, error) {
	f, err := e.store.GetFileByShareToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !f.IsPublic {
		return nil, common.ErrNotFound
	}
	return e.open(ctx, f, true)
}

func (e *Engine) open(ctx context.Context, f *models.File, shared bool) (*Download, error) {
	if f.IsDeleted {
		return nil, fmt.Errorf("file %s: %w", f.ID, common.ErrNotFound)
	}
	if f.Status != models.StatusCompleted {
		return nil, fmt.Errorf("file %s is %s: %w", f.ID, f.Status, common.ErrNotReady)
	}

	chunks, err := e.store.ListChunks(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("file %s has no chunks: %w", f.ID, common.ErrNotFound)
	}

	indices := make([]int, len(chunks))
	var total int64
	for i, c := range chunks {
		indices[i] = c.Index
		total += crypto.PlaintextSize(c.StoredSize)
	}
	if err := chunker.CheckSequence(indices); err != nil {
		return nil, fmt.Errorf("file %s: %w", f.ID, err)
	}
	if total != f.Size {
		return nil, fmt.Errorf("%w: file %s chunks hold %d bytes, expected %d", common.ErrIntegrity, f.ID, total, f.Size)
	}

	return &Download{
		File:   f,
		engine: e,
		chunks: chunks,
		pool:   e.pool(),
		shared: shared,
	}, nil
}

// WriteTo streams the file to w. It implements io.WriterTo.
func (d *Download) WriteTo(w io.Writer) (int64, error) {
	return d.Stream(context.Background(), w)
}

// Stream fetches, verifies and decrypts every chunk and writes the
// plaintext to w strictly in index order. Up to the engine's concurrency
// limit of chunks are fetched ahead. The first failure cancels all
// outstanding fetches; nothing unverified is ever written.
func (d *Download) Stream(ctx context.Context, w io.Writer) (int64, error) {
	e := d.engine
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.download", trace.WithAttributes(
		attribute.String("file.id", d.File.ID),
		attribute.Int("file.chunks", len(d.chunks)),
		attribute.Bool("download.shared", d.shared),
	))
	defer span.End()

	written, err := d.stream(ctx, w)

	op := "download"
	if d.shared {
		op = "shared_download"
	}
	e.auditFile(audit.EventTypeDownload, op, d.File.OwnerID, d.File.ID, err, start, map[string]interface{}{"bytes": written})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.WithFields(logrus.Fields{
			"file_id":       d.File.ID,
			"owner_id":      d.File.OwnerID,
			"bytes_written": written,
		}).WithError(err).Error("Download failed")
		return written, &StreamError{BytesWritten: written, Err: err}
	}
	return written, nil
}

func (d *Download) stream(ctx context.Context, w io.Writer) (int64, error) {
	key, err := d.engine.codec.DeriveKey(d.File.OwnerID)
	if err != nil {
		return 0, err
	}
	defer wipe(key)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// One result slot per chunk; slots bounds fetched-but-unwritten chunks.
	results := make([]chan []byte, len(d.chunks))
	for i := range results {
		results[i] = make(chan []byte, 1)
	}
	slots := make(chan struct{}, d.engine.concurrency)

	g.Go(func() error {
		for i, c := range d.chunks {
			select {
			case slots <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			i, c := i, c
			g.Go(func() error {
				plain, err := d.fetchChunk(gctx, key, c)
				if err != nil {
					return err
				}
				results[i] <- plain
				return nil
			})
		}
		return nil
	})

	var (
		written  int64
		sent     int
		writeErr error
	)
	for i := range d.chunks {
		var plain []byte
		select {
		case plain = <-results[i]:
		case <-gctx.Done():
		}
		if plain == nil && gctx.Err() != nil {
			break
		}

		n, err := w.Write(plain)
		written += int64(n)
		<-slots
		if err != nil {
			writeErr = fmt.Errorf("failed to write chunk %d: %w", i, err)
			cancel()
			break
		}
		d.engine.metrics.RecordChunkBytes("download", n)
		sent++
	}

	waitErr := g.Wait()
	if writeErr != nil {
		return written, writeErr
	}
	if waitErr != nil {
		return written, waitErr
	}
	if sent < len(d.chunks) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		return written, fmt.Errorf("download stopped after %d of %d chunks", sent, len(d.chunks))
	}
	return written, nil
}

// fetchChunk returns the verified plaintext of one chunk. The checksum is
// checked before decryption is attempted.
func (d *Download) fetchChunk(ctx context.Context, key []byte, c *models.Chunk) ([]byte, error) {
	e := d.engine
	ctx, span := e.tracer.Start(ctx, "engine.fetch_chunk", trace.WithAttributes(
		attribute.String("file.id", c.FileID),
		attribute.Int("chunk.index", c.Index),
		attribute.String("backend.account", c.AccountID),
	))
	defer span.End()

	chunkErr := func(op string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, op)
		return &common.ChunkError{Op: op, FileID: c.FileID, Index: c.Index, AccountID: c.AccountID, Err: err}
	}

	payload, cached, err := d.loadPayload(ctx, c)
	if err != nil {
		return nil, chunkErr("fetch", err)
	}

	if err := crypto.VerifyChunk(payload, c.Checksum); err != nil {
		if cached {
			_ = e.cache.Delete(ctx, c.AccountID, c.RemoteID)
		}
		e.metrics.RecordCryptoError("verify", errorType(err))
		return nil, chunkErr("verify", err)
	}
	if e.cache != nil && !cached {
		if err := e.cache.Set(ctx, c.AccountID, c.RemoteID, payload, 0); err != nil {
			e.logger.WithError(err).WithField("chunk_index", c.Index).Debug("Chunk not cached")
		}
	}

	openStart := time.Now()
	plain, err := crypto.OpenChunk(payload, key)
	e.metrics.RecordCryptoOperation("open", time.Since(openStart))
	if err != nil {
		e.metrics.RecordCryptoError("open", errorType(err))
		return nil, chunkErr("decrypt", err)
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

func (d *Download) loadPayload(ctx context.Context, c *models.Chunk) ([]byte, bool, error) {
	e := d.engine
	if e.cache != nil {
		if entry, ok := e.cache.Get(ctx, c.AccountID, c.RemoteID); ok {
			return entry.Data, true, nil
		}
	}

	// placement is read from the chunk row, so inactive accounts still serve reads
	account, err := d.pool.Account(ctx, c.AccountID)
	if err != nil {
		return nil, false, err
	}
	adapter, err := e.factory.Adapter(account)
	if err != nil {
		return nil, false, err
	}

	start := time.Now()
	payload, err := adapter.Fetch(ctx, c.RemoteID)
	e.metrics.RecordBackendOperation("fetch", account.ID, time.Since(start))
	if err != nil {
		e.metrics.RecordBackendError("fetch", account.ID, errorType(err))
		return nil, false, err
	}
	return payload, false, nil
}

// ReadAll buffers the whole file in memory.
func (e *Engine) ReadAll(ctx context.Context, ownerID, fileID string) ([]byte, error) {
	d, err := e.OpenDownload(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(int(d.File.Size))
	if _, err := d.Stream(ctx, &buf); err != nil {
		var se *StreamError
		if errors.As(err, &se) {
			return nil, se.Err
		}
		return nil, err
	}
	return buf.Bytes(), nil
}
