// Package upload publishes finalized archives to durable object
// storage with at-most-one-published-copy semantics per archive
// identity, surviving process crashes and redelivered jobs.
package upload

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/datavault/pkg/archive"
	"github.com/ajitpratap0/datavault/pkg/config"
	"github.com/ajitpratap0/datavault/pkg/errors"
	"github.com/ajitpratap0/datavault/pkg/jobstore"
	"github.com/ajitpratap0/datavault/pkg/logger"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size   int64
	SHA256 string
}

// ObjectStore is the storage backend archives are published to.
type ObjectStore interface {
	// Put writes an object; sha256 travels with it for later verification
	Put(ctx context.Context, key string, r io.Reader, size int64, sha256 string) error

	// Head describes an object, returning nil when it does not exist
	Head(ctx context.Context, key string) (*ObjectInfo, error)
}

// RecordStore is the subset of the job store the uploader needs.
type RecordStore interface {
	GetUploadRecord(ctx context.Context, archiveID string) (*jobstore.UploadRecord, error)
	CreateUploadRecord(ctx context.Context, archiveID, storageKey string) error
	CommitUploadRecord(ctx context.Context, archiveID string) (bool, error)
}

// Uploader publishes archives exactly once per logical archive ID.
type Uploader struct {
	objects ObjectStore
	records RecordStore
	cfg     config.StorageConfig
	logger  *zap.Logger

	// sleep is swappable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Uploader.
func New(objects ObjectStore, records RecordStore, cfg config.StorageConfig) *Uploader {
	return &Uploader{
		objects: objects,
		records: records,
		cfg:     cfg,
		logger:  logger.Get().With(zap.String("component", "uploader")),
		sleep:   sleepCtx,
	}
}

// Publish uploads the archive to its content-addressed key and commits
// the upload record. Calling it again for the same archive, from this
// or any other worker, returns the existing key without re-uploading
// once a copy is committed. The object itself may transiently exist
// more than once under concurrent retries; the committed record is the
// single source of truth.
func (u *Uploader) Publish(ctx context.Context, a *archive.Archive) (string, error) {
	rec, err := u.records.GetUploadRecord(ctx, a.ID)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeStore, "failed to read upload record")
	}
	if rec != nil && rec.Status == jobstore.UploadCommitted {
		u.logger.Info("archive already committed, skipping upload",
			zap.String("archive_id", a.ID),
			zap.String("storage_key", rec.StorageKey))
		return rec.StorageKey, nil
	}

	key := u.storageKey(a)
	if err := u.records.CreateUploadRecord(ctx, a.ID, key); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeStore, "failed to create upload record")
	}

	if err := u.uploadWithRetry(ctx, a, key); err != nil {
		return "", err
	}

	committed, err := u.records.CommitUploadRecord(ctx, a.ID)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeStore, "failed to commit upload record")
	}
	if !committed {
		// Another worker won the race; the object is verified either way.
		u.logger.Info("upload record committed by a concurrent worker",
			zap.String("archive_id", a.ID))
	}

	return key, nil
}

// uploadWithRetry copies the archive bytes to storage unless a
// verified copy is already there, retrying I/O failures with backoff.
func (u *Uploader) uploadWithRetry(ctx context.Context, a *archive.Archive, key string) error {
	delay := u.cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= u.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := u.sleep(ctx, delay); err != nil {
				return errors.Wrap(err, errors.ErrorTypeCancelled, "upload interrupted")
			}
			delay *= 2
		}

		lastErr = u.uploadOnce(ctx, a, key)
		if lastErr == nil {
			return nil
		}
		u.logger.Warn("archive upload attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	return errors.Wrap(lastErr, errors.ErrorTypeUploadFailed,
		fmt.Sprintf("upload not verified after %d attempts", u.cfg.MaxRetries+1))
}

func (u *Uploader) uploadOnce(ctx context.Context, a *archive.Archive, key string) error {
	// A crash between a previous upload and commit leaves the object in
	// place; re-verify instead of re-uploading.
	info, err := u.objects.Head(ctx, key)
	if err != nil {
		return err
	}
	if info == nil || info.Size != a.Size || info.SHA256 != a.SHA256 {
		body, err := a.Open()
		if err != nil {
			return err
		}
		err = u.objects.Put(ctx, key, body, a.Size, a.SHA256)
		body.Close()
		if err != nil {
			return err
		}
	}

	// Verify the remote copy before anyone is allowed to commit it.
	info, err = u.objects.Head(ctx, key)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("object %s missing after upload", key)
	}
	if info.Size != a.Size || info.SHA256 != a.SHA256 {
		return fmt.Errorf("object %s does not match archive (size %d/%d, hash %s/%s)",
			key, info.Size, a.Size, info.SHA256, a.SHA256)
	}
	return nil
}

// storageKey derives the content-addressed key for an archive.
func (u *Uploader) storageKey(a *archive.Archive) string {
	prefix := u.cfg.Prefix
	if prefix == "" {
		prefix = "archives"
	}
	return fmt.Sprintf("%s/%s/%s-%s.tar.gz", prefix, a.ID[:2], a.SourceID, a.ID[:12])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
