package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/qcsync/internal/domain"
)

type jsonUploadLogRepository struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewJSONUploadLogRepository appends entries to a JSON array document.
func NewJSONUploadLogRepository(path string) UploadLogRepository {
	return &jsonUploadLogRepository{path: path, now: time.Now}
}

func (r *jsonUploadLogRepository) Record(_ context.Context, entry domain.UploadLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	entries, err := r.read()
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	if err := writeJSONFile(r.path, entries); err != nil {
		return &domain.LocalIOError{Op: "save upload log", Path: r.path, Err: err}
	}
	return nil
}

func (r *jsonUploadLogRepository) List(_ context.Context, limit int) ([]domain.UploadLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.read()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (r *jsonUploadLogRepository) read() ([]domain.UploadLogEntry, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return []domain.UploadLogEntry{}, nil
	}
	if err != nil {
		return nil, &domain.LocalIOError{Op: "read upload log", Path: r.path, Err: err}
	}
	entries := []domain.UploadLogEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &domain.LocalIOError{Op: "read upload log", Path: r.path, Err: fmt.Errorf("decode: %w", err)}
	}
	return entries, nil
}
