package jobstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/datavault/pkg/errors"
)

// schema creates the tables the worker writes into. The jobs table is
// owned by the enqueuing service; the worker only updates rows it was
// handed, so the DDL here is guarded with IF NOT EXISTS.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id       TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'queued',
	reason       TEXT,
	storage_key  TEXT,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS upload_records (
	archive_id   TEXT PRIMARY KEY,
	storage_key  TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	committed_at TIMESTAMPTZ
);
`

// PostgresStore is the production Store, shared by all workers.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the metadata database and ensures the
// worker's tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to create postgres pool")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to ensure schema")
	}
	return &PostgresStore{pool: pool}, nil
}

// UpdateStatus implements Store.
func (s *PostgresStore) UpdateStatus(ctx context.Context, jobID string, status Status) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (job_id, status, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (job_id) DO UPDATE SET status = $2, updated_at = now()`,
		jobID, string(status))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "failed to update job status")
	}
	return nil
}

// RecordResult implements Store.
func (s *PostgresStore) RecordResult(ctx context.Context, jobID, storageKey string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (job_id, status, storage_key, updated_at)
		VALUES ($1, 'completed', $2, now())
		ON CONFLICT (job_id) DO UPDATE
		SET status = 'completed', storage_key = $2, reason = NULL, updated_at = now()`,
		jobID, storageKey)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "failed to record job result")
	}
	return nil
}

// RecordFailure implements Store.
func (s *PostgresStore) RecordFailure(ctx context.Context, jobID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (job_id, status, reason, updated_at)
		VALUES ($1, 'failed', $2, now())
		ON CONFLICT (job_id) DO UPDATE
		SET status = 'failed', reason = $2, updated_at = now()`,
		jobID, reason)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "failed to record job failure")
	}
	return nil
}

// GetUploadRecord implements Store.
func (s *PostgresStore) GetUploadRecord(ctx context.Context, archiveID string) (*UploadRecord, error) {
	var rec UploadRecord
	err := s.pool.QueryRow(ctx, `
		SELECT archive_id, storage_key, status, created_at,
		       COALESCE(committed_at, 'epoch'::timestamptz)
		FROM upload_records WHERE archive_id = $1`, archiveID).
		Scan(&rec.ArchiveID, &rec.StorageKey, &rec.Status, &rec.CreatedAt, &rec.CommittedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to read upload record")
	}
	return &rec, nil
}

// CreateUploadRecord implements Store. The conflict clause makes the
// insert a no-op when another worker already claimed the archive.
func (s *PostgresStore) CreateUploadRecord(ctx context.Context, archiveID, storageKey string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO upload_records (archive_id, storage_key, status)
		VALUES ($1, $2, 'pending')
		ON CONFLICT (archive_id) DO NOTHING`,
		archiveID, storageKey)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "failed to create upload record")
	}
	return nil
}

// CommitUploadRecord implements Store. The WHERE clause makes the
// pending-to-committed transition a single conditional update; the
// affected-row count tells the caller whether it won the race.
func (s *PostgresStore) CommitUploadRecord(ctx context.Context, archiveID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE upload_records
		SET status = 'committed', committed_at = now()
		WHERE archive_id = $1 AND status = 'pending'`,
		archiveID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeStore, "failed to commit upload record")
	}
	return tag.RowsAffected() == 1, nil
}

// Close implements Store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
