package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/chunkvault/internal/audit"
	"github.com/kenneth/chunkvault/internal/backend"
	"github.com/kenneth/chunkvault/internal/chunker"
	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/crypto"
	"github.com/kenneth/chunkvault/internal/models"
	"github.com/kenneth/chunkvault/internal/pool"
)

const defaultMimeType = "application/octet-stream"

// InitUpload creates the file record in the uploading state.
func (e *Engine) InitUpload(ctx context.Context, ownerID, name string, size int64, mimeType string) (*models.File, error) {
	if ownerID == "" {
		return nil, common.ErrUnauthorized
	}
	if name == "" {
		return nil, fmt.Errorf("%w: file name is required", common.ErrInvalidRequest)
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative file size", common.ErrInvalidRequest)
	}
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	f := &models.File{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		Size:      size,
		MimeType:  mimeType,
		Status:    models.StatusUploading,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.CreateFile(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to create file record: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"file_id":  f.ID,
		"owner_id": ownerID,
		"size":     size,
		"chunks":   chunker.Count(size, e.chunkSize),
	}).Debug("Upload initialised")
	return f, nil
}

// PutChunk encrypts and stores one chunk of an uploading file. Request
// errors (bad index, oversized chunk, unknown file) leave the upload as is;
// any other failure marks the file failed.
func (e *Engine) PutChunk(ctx context.Context, ownerID, fileID string, index int, data []byte) (*models.Chunk, error) {
	f, err := e.store.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if f.Status != models.StatusUploading {
		return nil, fmt.Errorf("%w: file %s is %s", common.ErrInvalidRequest, f.ID, f.Status)
	}
	if n := chunker.Count(f.Size, e.chunkSize); index < 0 || index >= n {
		return nil, fmt.Errorf("%w: chunk index %d outside 0..%d", common.ErrInvalidRequest, index, n-1)
	}
	if len(data) > e.chunkSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes exceeds %d", common.ErrInvalidRequest, len(data), e.chunkSize)
	}

	key, err := e.codec.DeriveKey(ownerID)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	c, err := e.putChunk(ctx, e.pool(), key, f, index, data)
	if err != nil {
		if !isRequestError(err) {
			e.failUpload(ctx, f, err)
		}
		return nil, err
	}
	return c, nil
}

// FinishUpload completes the file once every chunk is recorded.
func (e *Engine) FinishUpload(ctx context.Context, ownerID, fileID string) (*models.File, error) {
	f, err := e.store.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	switch f.Status {
	case models.StatusCompleted:
		return f, nil
	case models.StatusFailed:
		return nil, fmt.Errorf("%w: upload of file %s failed", common.ErrInvalidRequest, f.ID)
	}
	return e.finalize(ctx, f, time.Now())
}

// Upload runs the whole upload from a stream: init, split, store each
// chunk in order, finish. Chunks stored before a failure are not rolled
// back; the file is left failed for the stale-upload sweep.
func (e *Engine) Upload(ctx context.Context, ownerID, name, mimeType string, size int64, r io.Reader) (*models.File, error) {
	start := time.Now()
	f, err := e.InitUpload(ctx, ownerID, name, size, mimeType)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "engine.upload", trace.WithAttributes(
		attribute.String("file.id", f.ID),
		attribute.Int64("file.size", size),
	))
	defer span.End()

	if err := e.uploadParts(ctx, f, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.failUpload(ctx, f, err)
		return nil, err
	}

	f, err = e.finalize(ctx, f, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return f, nil
}

func (e *Engine) uploadParts(ctx context.Context, f *models.File, r io.Reader) error {
	key, err := e.codec.DeriveKey(f.OwnerID)
	if err != nil {
		return err
	}
	defer wipe(key)

	p := e.pool()
	// fail fast before reading anything
	if _, err := p.Active(ctx); err != nil {
		return err
	}

	limit := chunker.Count(f.Size, e.chunkSize)
	splitter := chunker.NewSplitter(io.LimitReader(r, f.Size+1), e.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		part, err := splitter.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if part.Index >= limit {
			return fmt.Errorf("%w: stream is longer than the declared %d bytes", common.ErrInvalidRequest, f.Size)
		}
		if _, err := e.putChunk(ctx, p, key, f, part.Index, part.Data); err != nil {
			return err
		}
	}
}

// putChunk seals data, stores it on the round-robin account for index and
// records the chunk. Metadata is written only after the backend confirmed
// the store.
func (e *Engine) putChunk(ctx context.Context, p *pool.Pool, key []byte, f *models.File, index int, data []byte) (*models.Chunk, error) {
	ctx, span := e.tracer.Start(ctx, "engine.store_chunk", trace.WithAttributes(
		attribute.String("file.id", f.ID),
		attribute.Int("chunk.index", index),
	))
	defer span.End()

	account, err := p.SelectForChunk(ctx, index)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("backend.account", account.ID))
	fields := logrus.Fields{"file_id": f.ID, "chunk_index": index, "account_id": account.ID}
	chunkErr := func(op string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, op)
		return &common.ChunkError{Op: op, FileID: f.ID, Index: index, AccountID: account.ID, Err: err}
	}

	sealStart := time.Now()
	payload, checksum, err := crypto.SealChunk(data, key)
	e.metrics.RecordCryptoOperation("seal", time.Since(sealStart))
	if err != nil {
		e.metrics.RecordCryptoError("seal", errorType(err))
		return nil, chunkErr("seal", err)
	}

	adapter, err := e.factory.Adapter(account)
	if err != nil {
		return nil, chunkErr("store", err)
	}

	var (
		remoteID string
		stored   int64
	)
	for attempt := 1; attempt <= e.storeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, chunkErr("store", err)
		}
		opStart := time.Now()
		remoteID, stored, err = adapter.Store(ctx, backend.ObjectName(f.ID, index), payload)
		e.metrics.RecordBackendOperation("store", account.ID, time.Since(opStart))
		if err == nil {
			break
		}
		e.metrics.RecordBackendError("store", account.ID, errorType(err))
		e.logger.WithFields(fields).WithError(err).WithField("attempt", attempt).Warn("Chunk store failed")
	}
	if err != nil {
		return nil, chunkErr("store", err)
	}

	c := &models.Chunk{
		FileID:     f.ID,
		Index:      index,
		AccountID:  account.ID,
		RemoteID:   remoteID,
		StoredSize: stored,
		Checksum:   checksum,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.InsertChunk(ctx, c); err != nil {
		// the object has no metadata pointing at it; remove it now
		if _, delErr := adapter.Delete(context.WithoutCancel(ctx), remoteID); delErr != nil {
			e.logger.WithFields(fields).WithError(delErr).Warn("Failed to remove unrecorded chunk object")
		}
		return nil, chunkErr("record", err)
	}

	if err := e.store.AdjustStorageUsed(ctx, account.ID, stored); err != nil {
		e.logger.WithFields(fields).WithError(err).Error("Failed to update backend storage usage")
	}
	e.metrics.RecordChunkBytes("upload", len(data))

	e.logger.WithFields(fields).WithField("stored_size", stored).Debug("Chunk stored")
	return c, nil
}

// finalize checks the recorded chunks against the declared size and moves
// the file to completed. A gap or size mismatch fails the upload.
func (e *Engine) finalize(ctx context.Context, f *models.File, start time.Time) (*models.File, error) {
	chunks, err := e.store.ListChunks(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	if err := verifyChunkSet(f, chunks, e.chunkSize); err != nil {
		e.failUpload(ctx, f, err)
		return nil, err
	}

	if err := e.store.UpdateStatus(ctx, f.ID, models.StatusUploading, models.StatusCompleted); err != nil {
		return nil, fmt.Errorf("failed to complete upload: %w", err)
	}
	f.Status = models.StatusCompleted

	e.metrics.RecordUpload(string(models.StatusCompleted))
	e.auditFile(audit.EventTypeUpload, "finish", f.OwnerID, f.ID, nil, start, map[string]interface{}{
		"chunks": len(chunks),
		"size":   f.Size,
	})
	e.logger.WithFields(logrus.Fields{
		"file_id":  f.ID,
		"owner_id": f.OwnerID,
		"chunks":   len(chunks),
		"size":     f.Size,
	}).Info("Upload completed")
	return f, nil
}

func verifyChunkSet(f *models.File, chunks []*models.Chunk, chunkSize int) error {
	indices := make([]int, len(chunks))
	var total int64
	for i, c := range chunks {
		indices[i] = c.Index
		total += crypto.PlaintextSize(c.StoredSize)
	}
	if err := chunker.CheckSequence(indices); err != nil {
		return err
	}
	if want := chunker.Count(f.Size, chunkSize); len(chunks) != want {
		return fmt.Errorf("%w: have %d of %d chunks", common.ErrMissingChunk, len(chunks), want)
	}
	if total != f.Size {
		return fmt.Errorf("%w: chunks hold %d bytes, file declares %d", common.ErrMissingChunk, total, f.Size)
	}
	return nil
}

// failUpload records the failed state. It runs even if ctx was cancelled.
func (e *Engine) failUpload(ctx context.Context, f *models.File, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := e.logger.WithFields(logrus.Fields{"file_id": f.ID, "owner_id": f.OwnerID}).WithError(cause)

	if err := e.store.UpdateStatus(ctx, f.ID, models.StatusUploading, models.StatusFailed); err != nil {
		log.WithField("status_error", err.Error()).Error("Upload failed and could not be marked failed")
	} else {
		f.Status = models.StatusFailed
		log.Error("Upload failed")
	}

	e.metrics.RecordUpload(string(models.StatusFailed))
	e.auditFile(audit.EventTypeUpload, "upload", f.OwnerID, f.ID, cause, e.now(), nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
