package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/qcsync/internal/domain"
)

type uploadLogRepository struct {
	pool *pgxpool.Pool
}

// NewUploadLogRepository wires an upload log backed by pgxpool.
func NewUploadLogRepository(pool *pgxpool.Pool) UploadLogRepository {
	return &uploadLogRepository{pool: pool}
}

func (r *uploadLogRepository) Record(ctx context.Context, entry domain.UploadLogEntry) error {
	if r.pool == nil {
		return fmt.Errorf("upload log repository not initialized")
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	var errorMessage, receiptPath any
	if entry.ErrorMessage != "" {
		errorMessage = entry.ErrorMessage
	}
	if entry.ReceiptPath != "" {
		receiptPath = entry.ReceiptPath
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO upload_logs (id, operation_id, actor, file_name, content_hash, status, records_processed, error_message, receipt_path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now()))`,
		entry.ID,
		entry.OperationID,
		entry.Actor,
		entry.FileName,
		entry.ContentHash,
		string(entry.Status),
		entry.RecordsProcessed,
		errorMessage,
		receiptPath,
		nullableTime(entry),
	)
	if err != nil {
		return fmt.Errorf("failed to record upload log: %w", err)
	}

	return nil
}

func (r *uploadLogRepository) List(ctx context.Context, limit int) ([]domain.UploadLogEntry, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("upload log repository not initialized")
	}

	if limit <= 0 {
		limit = 200
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, operation_id, actor, file_name, content_hash, status, records_processed, error_message, receipt_path, created_at
		 FROM upload_logs
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.UploadLogEntry{}
	for rows.Next() {
		var (
			entry        domain.UploadLogEntry
			status       string
			errorMessage pgtype.Text
			receiptPath  pgtype.Text
			createdAt    pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.OperationID,
			&entry.Actor,
			&entry.FileName,
			&entry.ContentHash,
			&status,
			&entry.RecordsProcessed,
			&errorMessage,
			&receiptPath,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan upload log: %w", scanErr)
		}

		entry.Status = domain.UploadStatus(status)
		if errorMessage.Valid {
			entry.ErrorMessage = errorMessage.String
		}
		if receiptPath.Valid {
			entry.ReceiptPath = receiptPath.String
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}

		logs = append(logs, entry)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate upload logs: %w", rowsErr)
	}

	return logs, nil
}

func nullableTime(entry domain.UploadLogEntry) any {
	if entry.CreatedAt.IsZero() {
		return nil
	}
	return entry.CreatedAt
}
