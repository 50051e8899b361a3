package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/qcsync/internal/domain"
)

type postgresFingerprintRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresFingerprintRepository wires a ledger backed by pgxpool.
func NewPostgresFingerprintRepository(pool *pgxpool.Pool) FingerprintRepository {
	return &postgresFingerprintRepository{pool: pool}
}

const fingerprintColumns = `path, content_hash, hash_algorithm, size, modified_time, processed_time, records_count`

func (r *postgresFingerprintRepository) Get(ctx context.Context, path string) (domain.FileFingerprint, bool, error) {
	if r.pool == nil {
		return domain.FileFingerprint{}, false, ErrNotInitialized
	}

	row := r.pool.QueryRow(ctx, `SELECT `+fingerprintColumns+` FROM file_fingerprints WHERE path = $1`, path)
	fp, err := scanPostgresFingerprint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FileFingerprint{}, false, nil
	}
	if err != nil {
		return domain.FileFingerprint{}, false, fmt.Errorf("failed to get fingerprint: %w", err)
	}
	return fp, true, nil
}

func (r *postgresFingerprintRepository) Put(ctx context.Context, fp domain.FileFingerprint) error {
	if r.pool == nil {
		return ErrNotInitialized
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO file_fingerprints (`+fingerprintColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (path) DO UPDATE SET
		   content_hash = EXCLUDED.content_hash,
		   hash_algorithm = EXCLUDED.hash_algorithm,
		   size = EXCLUDED.size,
		   modified_time = EXCLUDED.modified_time,
		   processed_time = GREATEST(file_fingerprints.processed_time, EXCLUDED.processed_time),
		   records_count = EXCLUDED.records_count`,
		fp.Path,
		fp.ContentHash,
		fp.HashAlgorithm,
		fp.Size,
		toUnixNanos(fp.ModifiedTime),
		fp.ProcessedTime,
		fp.RecordsCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save fingerprint: %w", err)
	}
	return nil
}

func (r *postgresFingerprintRepository) List(ctx context.Context) ([]domain.FileFingerprint, error) {
	if r.pool == nil {
		return nil, ErrNotInitialized
	}

	rows, err := r.pool.Query(ctx, `SELECT `+fingerprintColumns+` FROM file_fingerprints ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	defer rows.Close()

	out := []domain.FileFingerprint{}
	for rows.Next() {
		fp, scanErr := scanPostgresFingerprint(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", scanErr)
		}
		out = append(out, fp)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate fingerprints: %w", rowsErr)
	}
	return out, nil
}

func (r *postgresFingerprintRepository) Delete(ctx context.Context, paths ...string) error {
	if r.pool == nil {
		return ErrNotInitialized
	}
	if len(paths) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM file_fingerprints WHERE path = ANY($1)`, paths); err != nil {
		return fmt.Errorf("failed to delete fingerprints: %w", err)
	}
	return nil
}

func scanPostgresFingerprint(row pgx.Row) (domain.FileFingerprint, error) {
	var (
		fp       domain.FileFingerprint
		modified int64
	)
	err := row.Scan(
		&fp.Path,
		&fp.ContentHash,
		&fp.HashAlgorithm,
		&fp.Size,
		&modified,
		&fp.ProcessedTime,
		&fp.RecordsCount,
	)
	if err != nil {
		return fp, err
	}
	fp.ModifiedTime = fromUnixNanos(modified)
	return fp, nil
}

// Modification times are stored as Unix nanoseconds. TIMESTAMPTZ rounds to
// microseconds, after which a file's mtime never compares equal again.
func toUnixNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
