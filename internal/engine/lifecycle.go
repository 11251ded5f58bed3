package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/audit"
	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/models"
	"github.com/kenneth/chunkvault/internal/pool"
)

// ReclaimReport summarises a permanent delete.
type ReclaimReport struct {
	FileID     string `json:"file_id"`
	Chunks     int    `json:"chunks"`
	Deleted    int    `json:"deleted"`
	Missing    int    `json:"missing"` // already gone from the backend
	Failed     int    `json:"failed"`
	BytesFreed int64  `json:"bytes_freed"`
}

// DriveUsage is one placement account in a usage summary.
type DriveUsage struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Label      string  `json:"label"`
	UsedBytes  int64   `json:"usedBytes"`
	TotalBytes int64   `json:"totalBytes"`
	Percentage float64 `json:"percentage"`
}

// UsageSummary reports an owner's usage against pool capacity.
type UsageSummary struct {
	UsedBytes      int64        `json:"usedBytes"`
	TotalBytes     int64        `json:"totalBytes"`
	DriveUsedBytes int64        `json:"driveUsedBytes"`
	DriveCount     int          `json:"driveCount"`
	Drives         []DriveUsage `json:"drives"`
}

// Files lists the owner's files, newest first, trashed ones included.
func (e *Engine) Files(ctx context.Context, ownerID string) ([]*models.File, error) {
	if ownerID == "" {
		return nil, common.ErrUnauthorized
	}
	return e.store.ListFiles(ctx, ownerID)
}

// SoftDelete moves a file to the trash. Trashing a trashed file is a no-op.
func (e *Engine) SoftDelete(ctx context.Context, ownerID, fileID string) error {
	f, err := e.store.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return err
	}
	if f.IsDeleted {
		return nil
	}
	now := e.now().UTC()
	err = e.store.SetDeleted(ctx, ownerID, fileID, true, &now)
	e.auditFile(audit.EventTypeDelete, "soft_delete", ownerID, fileID, err, now, nil)
	return err
}

// Restore takes a file out of the trash. Restoring an active file is a no-op.
func (e *Engine) Restore(ctx context.Context, ownerID, fileID string) error {
	f, err := e.store.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return err
	}
	if !f.IsDeleted {
		return nil
	}
	start := e.now()
	err = e.store.SetDeleted(ctx, ownerID, fileID, false, nil)
	e.auditFile(audit.EventTypeDelete, "restore", ownerID, fileID, err, start, nil)
	return err
}

// SetStarred flags or unflags a file.
func (e *Engine) SetStarred(ctx context.Context, ownerID, fileID string, starred bool) (*models.File, error) {
	if err := e.store.SetStarred(ctx, ownerID, fileID, starred); err != nil {
		return nil, err
	}
	return e.store.GetFile(ctx, ownerID, fileID)
}

// Share enables or disables the public link of a completed file. A file
// keeps its token, so re-enabling restores the previous link.
func (e *Engine) Share(ctx context.Context, ownerID, fileID string, enable bool) (*models.File, error) {
	f, err := e.store.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if f.IsDeleted {
		return nil, fmt.Errorf("file %s: %w", f.ID, common.ErrNotFound)
	}
	if enable && f.Status != models.StatusCompleted {
		return nil, fmt.Errorf("file %s is %s: %w", f.ID, f.Status, common.ErrNotReady)
	}

	token := f.ShareToken
	if enable && token == "" {
		if token, err = newShareToken(); err != nil {
			return nil, err
		}
	}

	start := e.now()
	err = e.store.SetShare(ctx, ownerID, fileID, enable, token)
	e.auditFile(audit.EventTypeShare, shareOp(enable), ownerID, fileID, err, start, nil)
	if err != nil {
		return nil, err
	}
	f.IsPublic = enable
	f.ShareToken = token
	return f, nil
}

func shareOp(enable bool) string {
	if enable {
		return "share_enable"
	}
	return "share_disable"
}

func newShareToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate share token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// PermanentDelete removes every chunk from its backend and then the
// metadata. Backend failures are logged and counted, never fatal: the
// chunk and file rows are removed regardless.
func (e *Engine) PermanentDelete(ctx context.Context, ownerID, fileID string) (*ReclaimReport, error) {
	f, err := e.store.GetFile(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	start := e.now()
	report, err := e.reclaim(ctx, e.pool(), f)
	e.auditFile(audit.EventTypeDelete, "permanent_delete", ownerID, fileID, err, start, map[string]interface{}{
		"chunks": report.Chunks,
		"failed": report.Failed,
	})
	return report, err
}

// ReclaimStale permanently removes uploads that never completed and are
// older than olderThan. Orphaned chunks of failed uploads are freed here.
func (e *Engine) ReclaimStale(ctx context.Context, olderThan time.Duration) ([]*ReclaimReport, error) {
	cutoff := e.now().Add(-olderThan)
	files, err := e.store.ListStaleUploads(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale uploads: %w", err)
	}

	p := e.pool()
	reports := make([]*ReclaimReport, 0, len(files))
	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		start := e.now()
		report, err := e.reclaim(ctx, p, f)
		e.auditFile(audit.EventTypeReclaim, "sweep", f.OwnerID, f.ID, err, start, map[string]interface{}{
			"status": string(f.Status),
			"chunks": report.Chunks,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("file %s: %w", f.ID, err))
			continue
		}
		reports = append(reports, report)
	}

	e.logger.WithFields(logrus.Fields{
		"cutoff":     cutoff,
		"candidates": len(files),
		"reclaimed":  len(reports),
	}).Info("Stale upload sweep finished")
	return reports, errors.Join(errs...)
}

func (e *Engine) reclaim(ctx context.Context, p *pool.Pool, f *models.File) (*ReclaimReport, error) {
	report := &ReclaimReport{FileID: f.ID}

	chunks, err := e.store.ListChunks(ctx, f.ID)
	if err != nil {
		return report, fmt.Errorf("failed to list chunks: %w", err)
	}

	for _, c := range chunks {
		report.Chunks++
		freed, err := e.deleteChunk(ctx, p, c)
		switch {
		case err == nil:
			report.Deleted++
			report.BytesFreed += freed
		case errors.Is(err, common.ErrObjectNotFound):
			report.Missing++
			e.logger.WithFields(logrus.Fields{
				"file_id":     c.FileID,
				"chunk_index": c.Index,
				"account_id":  c.AccountID,
			}).Warn("Chunk object already missing from backend")
		default:
			report.Failed++
			e.metrics.RecordReclaimFailure(c.AccountID)
			e.logger.WithFields(logrus.Fields{
				"file_id":     c.FileID,
				"chunk_index": c.Index,
				"account_id":  c.AccountID,
			}).WithError(err).Error("Failed to delete chunk from backend")
		}
	}

	if _, err := e.store.DeleteChunks(ctx, f.ID); err != nil {
		return report, fmt.Errorf("failed to delete chunk records: %w", err)
	}
	if err := e.store.DeleteFile(ctx, f.ID); err != nil {
		return report, fmt.Errorf("failed to delete file record: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"file_id":     f.ID,
		"owner_id":    f.OwnerID,
		"chunks":      report.Chunks,
		"failed":      report.Failed,
		"bytes_freed": report.BytesFreed,
	}).Info("File permanently deleted")
	return report, nil
}

// deleteChunk removes one object and credits its size back to the account.
// The counter is only touched after the backend confirmed the delete.
func (e *Engine) deleteChunk(ctx context.Context, p *pool.Pool, c *models.Chunk) (int64, error) {
	if e.cache != nil {
		_ = e.cache.Delete(ctx, c.AccountID, c.RemoteID)
	}

	account, err := p.Account(ctx, c.AccountID)
	if err != nil {
		return 0, err
	}
	adapter, err := e.factory.Adapter(account)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	size, err := adapter.Delete(ctx, c.RemoteID)
	e.metrics.RecordBackendOperation("delete", account.ID, time.Since(start))
	if err != nil {
		e.metrics.RecordBackendError("delete", account.ID, errorType(err))
		return 0, err
	}
	if size <= 0 {
		size = c.StoredSize
	}

	if err := e.store.AdjustStorageUsed(ctx, account.ID, -size); err != nil {
		e.logger.WithFields(logrus.Fields{
			"account_id": account.ID,
			"delta":      -size,
		}).WithError(err).Error("Failed to update backend storage usage")
	}
	return size, nil
}

// Usage reports the owner's stored bytes and the capacity of the
// placement accounts.
func (e *Engine) Usage(ctx context.Context, ownerID string) (*UsageSummary, error) {
	if ownerID == "" {
		return nil, common.ErrUnauthorized
	}
	used, err := e.store.OwnerUsage(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum usage: %w", err)
	}

	summary := &UsageSummary{UsedBytes: used, Drives: []DriveUsage{}}
	active, err := e.pool().Active(ctx)
	if err != nil && !errors.Is(err, common.ErrNoBackendsAvailable) {
		return nil, err
	}
	for _, a := range active {
		limit := a.Limit()
		pct := float64(a.StorageUsed) / float64(limit) * 100
		if pct > 100 {
			pct = 100
		}
		summary.Drives = append(summary.Drives, DriveUsage{
			ID:         a.ID,
			Name:       fmt.Sprintf("Drive %d", a.DriveNumber),
			Label:      a.Label,
			UsedBytes:  a.StorageUsed,
			TotalBytes: limit,
			Percentage: pct,
		})
		summary.TotalBytes += limit
		summary.DriveUsedBytes += a.StorageUsed
	}
	summary.DriveCount = len(summary.Drives)
	if summary.TotalBytes == 0 {
		summary.TotalBytes = models.DefaultStorageLimit
	}
	return summary, nil
}
