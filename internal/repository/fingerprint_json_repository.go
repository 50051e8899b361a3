package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/qcsync/internal/domain"
)

type jsonFingerprintRepository struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	loaded  bool
	entries map[string]domain.FileFingerprint
}

// NewJSONFingerprintRepository stores the ledger as one JSON document mapping
// path to fingerprint. An unreadable or corrupt ledger is moved aside and
// treated as empty, so every file is reprocessed rather than skipped.
func NewJSONFingerprintRepository(path string, logger *slog.Logger) FingerprintRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &jsonFingerprintRepository{path: path, logger: logger, now: time.Now}
}

func (r *jsonFingerprintRepository) Get(_ context.Context, path string) (domain.FileFingerprint, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load()

	fp, ok := r.entries[path]
	return fp, ok, nil
}

func (r *jsonFingerprintRepository) Put(_ context.Context, fingerprint domain.FileFingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load()

	previous, existed := r.entries[fingerprint.Path]
	r.entries[fingerprint.Path] = fingerprint
	if err := writeJSONFile(r.path, r.entries); err != nil {
		if existed {
			r.entries[fingerprint.Path] = previous
		} else {
			delete(r.entries, fingerprint.Path)
		}
		return &domain.LocalIOError{Op: "save fingerprint ledger", Path: r.path, Err: err}
	}
	return nil
}

func (r *jsonFingerprintRepository) List(_ context.Context) ([]domain.FileFingerprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load()

	out := make([]domain.FileFingerprint, 0, len(r.entries))
	for _, fp := range r.entries {
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (r *jsonFingerprintRepository) Delete(_ context.Context, paths ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load()

	removed := false
	for _, path := range paths {
		if _, ok := r.entries[path]; ok {
			delete(r.entries, path)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	if err := writeJSONFile(r.path, r.entries); err != nil {
		return &domain.LocalIOError{Op: "save fingerprint ledger", Path: r.path, Err: err}
	}
	return nil
}

// load reads the ledger once. Failures degrade to an empty ledger.
func (r *jsonFingerprintRepository) load() {
	if r.loaded {
		return
	}
	r.loaded = true
	r.entries = map[string]domain.FileFingerprint{}

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		r.logger.Warn("fingerprint ledger unreadable, treating as empty", "path", r.path, "error", err)
		return
	}

	entries := map[string]domain.FileFingerprint{}
	if err := json.Unmarshal(data, &entries); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%s", r.path, r.now().UTC().Format("20060102T150405"))
		if renameErr := os.Rename(r.path, aside); renameErr != nil {
			r.logger.Warn("fingerprint ledger corrupt, treating as empty", "path", r.path, "error", err, "rename_error", renameErr)
			return
		}
		r.logger.Warn("fingerprint ledger corrupt, moved aside and treating as empty", "path", r.path, "moved_to", aside, "error", err)
		return
	}
	for path, fp := range entries {
		if fp.Path == "" {
			fp.Path = path
		}
		r.entries[path] = fp
	}
}
