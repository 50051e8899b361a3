package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/qcsync/internal/db"
	"github.com/rpattn/qcsync/internal/domain"
)

func exerciseUploadLogRepository(t *testing.T, repo UploadLogRepository) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Record(ctx, domain.UploadLogEntry{
		OperationID:      "op-1",
		Actor:            "AB",
		FileName:         "qc_a.csv",
		Status:           domain.UploadStatusCommitted,
		RecordsProcessed: 4,
		ReceiptPath:      "/out/receipts/r1.json",
		CreatedAt:        base,
	}))
	require.NoError(t, repo.Record(ctx, domain.UploadLogEntry{
		OperationID:  "op-2",
		Actor:        "AB",
		FileName:     "qc_b.csv",
		Status:       domain.UploadStatusFailed,
		ErrorMessage: "remote import: permanent failure",
		CreatedAt:    base.Add(time.Minute),
	}))

	entries, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "op-2", entries[0].OperationID)
	assert.Equal(t, domain.UploadStatusFailed, entries[0].Status)
	assert.Equal(t, "remote import: permanent failure", entries[0].ErrorMessage)
	assert.NotEqual(t, uuid.Nil, entries[0].ID)
	assert.Equal(t, 4, entries[1].RecordsProcessed)
	assert.Equal(t, "/out/receipts/r1.json", entries[1].ReceiptPath)

	limited, err := repo.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestJSONUploadLogRepository(t *testing.T) {
	exerciseUploadLogRepository(t, NewJSONUploadLogRepository(filepath.Join(t.TempDir(), "comprehensive_upload_log.json")))
}

func TestSQLiteUploadLogRepository(t *testing.T) {
	conn, err := db.OpenSQLite(context.Background(), openTestSQLite(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	exerciseUploadLogRepository(t, NewSQLiteUploadLogRepository(conn))
}
