package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/rpattn/qcsync/internal/domain"
)

type memoryFingerprintRepository struct {
	mu      sync.RWMutex
	entries map[string]domain.FileFingerprint
}

// NewMemoryFingerprintRepository keeps the ledger in process memory.
func NewMemoryFingerprintRepository() FingerprintRepository {
	return &memoryFingerprintRepository{entries: map[string]domain.FileFingerprint{}}
}

func (r *memoryFingerprintRepository) Get(_ context.Context, path string) (domain.FileFingerprint, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fp, ok := r.entries[path]
	return fp, ok, nil
}

func (r *memoryFingerprintRepository) Put(_ context.Context, fingerprint domain.FileFingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[fingerprint.Path] = fingerprint
	return nil
}

func (r *memoryFingerprintRepository) List(_ context.Context) ([]domain.FileFingerprint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.FileFingerprint, 0, len(r.entries))
	for _, fp := range r.entries {
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (r *memoryFingerprintRepository) Delete(_ context.Context, paths ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, path := range paths {
		delete(r.entries, path)
	}
	return nil
}
