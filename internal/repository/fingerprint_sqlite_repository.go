package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/qcsync/internal/domain"
)

type sqliteFingerprintRepository struct {
	db *sql.DB
}

// NewSQLiteFingerprintRepository wires a ledger stored in a local SQLite database.
func NewSQLiteFingerprintRepository(db *sql.DB) FingerprintRepository {
	return &sqliteFingerprintRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *sqliteFingerprintRepository) Get(ctx context.Context, path string) (domain.FileFingerprint, bool, error) {
	if r.db == nil {
		return domain.FileFingerprint{}, false, ErrNotInitialized
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+fingerprintColumns+` FROM file_fingerprints WHERE path = ?`, path)
	fp, err := scanSQLiteFingerprint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FileFingerprint{}, false, nil
	}
	if err != nil {
		return domain.FileFingerprint{}, false, fmt.Errorf("failed to get fingerprint: %w", err)
	}
	return fp, true, nil
}

func (r *sqliteFingerprintRepository) Put(ctx context.Context, fp domain.FileFingerprint) error {
	if r.db == nil {
		return ErrNotInitialized
	}

	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO file_fingerprints (`+fingerprintColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (path) DO UPDATE SET
		   content_hash = excluded.content_hash,
		   hash_algorithm = excluded.hash_algorithm,
		   size = excluded.size,
		   modified_time = excluded.modified_time,
		   processed_time = MAX(file_fingerprints.processed_time, excluded.processed_time),
		   records_count = excluded.records_count`,
		fp.Path,
		fp.ContentHash,
		fp.HashAlgorithm,
		fp.Size,
		formatSQLiteTime(fp.ModifiedTime),
		formatSQLiteTime(fp.ProcessedTime),
		fp.RecordsCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save fingerprint: %w", err)
	}
	return nil
}

func (r *sqliteFingerprintRepository) List(ctx context.Context) ([]domain.FileFingerprint, error) {
	if r.db == nil {
		return nil, ErrNotInitialized
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+fingerprintColumns+` FROM file_fingerprints ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	defer rows.Close()

	out := []domain.FileFingerprint{}
	for rows.Next() {
		fp, scanErr := scanSQLiteFingerprint(rows)
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

func (r *sqliteFingerprintRepository) Delete(ctx context.Context, paths ...string) error {
	if r.db == nil {
		return ErrNotInitialized
	}
	if len(paths) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(paths)), ",")
	args := make([]any, len(paths))
	for i, path := range paths {
		args[i] = path
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM file_fingerprints WHERE path IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete fingerprints: %w", err)
	}
	return nil
}

func scanSQLiteFingerprint(row rowScanner) (domain.FileFingerprint, error) {
	var (
		fp        domain.FileFingerprint
		modified  string
		processed string
	)
	if err := row.Scan(&fp.Path, &fp.ContentHash, &fp.HashAlgorithm, &fp.Size, &modified, &processed, &fp.RecordsCount); err != nil {
		return fp, err
	}
	var err error
	if fp.ModifiedTime, err = parseSQLiteTime(modified); err != nil {
		return fp, err
	}
	if fp.ProcessedTime, err = parseSQLiteTime(processed); err != nil {
		return fp, err
	}
	return fp, nil
}

// SQLite has no timestamp type; times are stored as fixed-width UTC text so
// that MAX() and ORDER BY compare chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(sqliteTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", value, err)
	}
	return t, nil
}
