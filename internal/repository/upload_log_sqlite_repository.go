package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/qcsync/internal/domain"
)

type sqliteUploadLogRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteUploadLogRepository wires an upload log stored in a local SQLite database.
func NewSQLiteUploadLogRepository(db *sql.DB) UploadLogRepository {
	return &sqliteUploadLogRepository{db: db, now: time.Now}
}

func (r *sqliteUploadLogRepository) Record(ctx context.Context, entry domain.UploadLogEntry) error {
	if r.db == nil {
		return ErrNotInitialized
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO upload_logs (id, operation_id, actor, file_name, content_hash, status, records_processed, error_message, receipt_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(),
		entry.OperationID,
		entry.Actor,
		entry.FileName,
		entry.ContentHash,
		string(entry.Status),
		entry.RecordsProcessed,
		entry.ErrorMessage,
		entry.ReceiptPath,
		formatSQLiteTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record upload log: %w", err)
	}
	return nil
}

func (r *sqliteUploadLogRepository) List(ctx context.Context, limit int) ([]domain.UploadLogEntry, error) {
	if r.db == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, operation_id, actor, file_name, content_hash, status, records_processed, error_message, receipt_path, created_at
		 FROM upload_logs
		 ORDER BY created_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.UploadLogEntry{}
	for rows.Next() {
		var (
			entry     domain.UploadLogEntry
			id        string
			status    string
			createdAt string
		)
		if scanErr := rows.Scan(
			&id,
			&entry.OperationID,
			&entry.Actor,
			&entry.FileName,
			&entry.ContentHash,
			&status,
			&entry.RecordsProcessed,
			&entry.ErrorMessage,
			&entry.ReceiptPath,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan upload log: %w", scanErr)
		}
		if entry.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid upload log id %q: %w", id, err)
		}
		if entry.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
			return nil, err
		}
		entry.Status = domain.UploadStatus(status)
		logs = append(logs, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate upload logs: %w", rowsErr)
	}
	return logs, nil
}
