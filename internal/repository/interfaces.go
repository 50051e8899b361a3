package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rpattn/qcsync/internal/domain"
	"github.com/rpattn/qcsync/pkg/validator"
)

// ErrNotInitialized is returned by repositories constructed without a backing store.
var ErrNotInitialized = errors.New("repository not initialized")

// FingerprintRepository persists the file fingerprint ledger.
type FingerprintRepository interface {
	Get(ctx context.Context, path string) (domain.FileFingerprint, bool, error)
	Put(ctx context.Context, fingerprint domain.FileFingerprint) error
	List(ctx context.Context) ([]domain.FileFingerprint, error)
	Delete(ctx context.Context, paths ...string) error
}

// UploadLogRepository stores one entry per upload attempt.
type UploadLogRepository interface {
	Record(ctx context.Context, entry domain.UploadLogEntry) error
	List(ctx context.Context, limit int) ([]domain.UploadLogEntry, error)
}

// ExportRequest narrows a record export. Empty slices mean "all".
type ExportRequest struct {
	Fields  []string
	Records []string
	Events  []string
}

// ImportResult reports what the remote store accepted.
type ImportResult struct {
	Count     int               `json:"count"`
	Batches   int               `json:"batches"`
	Responses []json.RawMessage `json:"responses,omitempty"`
}

// RecordStore is the remote record store.
type RecordStore interface {
	Export(ctx context.Context, req ExportRequest) ([]domain.Record, error)
	// Import writes records. On failure the returned result reports the
	// batches that were already committed.
	Import(ctx context.Context, records []domain.Record) (ImportResult, error)
}

// MetadataSource exposes the remote data dictionary.
type MetadataSource interface {
	ExportMetadata(ctx context.Context) ([]validator.FieldMetadata, error)
}
