package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Receipt is written after a successful commit, or for a no-op attempt.
type Receipt struct {
	OperationID         string          `json:"operation_id"`
	UploadType          string          `json:"upload_type,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
	Actor               string          `json:"actor"`
	SourcePath          string          `json:"source_path,omitempty"`
	SourceHash          string          `json:"source_hash,omitempty"`
	RecordsProcessed    int             `json:"records_processed"`
	RecordsSkipped      int             `json:"records_skipped"`
	Batches             int             `json:"batches"`
	ImportResponse      json.RawMessage `json:"import_response,omitempty"`
	FingerprintsUpdated []string        `json:"fingerprints_updated,omitempty"`
	ChangeSetPath       string          `json:"change_set_path,omitempty"`
	SnapshotPath        string          `json:"snapshot_path,omitempty"`
	PayloadPath         string          `json:"payload_path,omitempty"`
	Forced              bool            `json:"forced"`
	Success             bool            `json:"success"`
	Warnings            []string        `json:"warnings,omitempty"`
}

// UploadStatus is the outcome recorded in the upload log.
type UploadStatus string

const (
	UploadStatusCommitted UploadStatus = "committed"
	UploadStatusNoop      UploadStatus = "noop"
	UploadStatusDryRun    UploadStatus = "dry_run"
	UploadStatusFailed    UploadStatus = "failed"
)

// UploadLogEntry captures one upload attempt in the persistent upload log.
type UploadLogEntry struct {
	ID               uuid.UUID    `json:"id"`
	OperationID      string       `json:"operation_id"`
	Actor            string       `json:"actor"`
	FileName         string       `json:"file_name"`
	ContentHash      string       `json:"content_hash,omitempty"`
	Status           UploadStatus `json:"status"`
	RecordsProcessed int          `json:"records_processed"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	ReceiptPath      string       `json:"receipt_path,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}
