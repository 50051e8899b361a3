// Package fingerprint tracks which input files were already processed.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rpattn/qcsync/internal/domain"
	"github.com/rpattn/qcsync/internal/repository"
)

// Store decides whether input files changed since they were last processed.
type Store struct {
	repo   repository.FingerprintRepository
	hasher Hasher
	now    func() time.Time
	logger *slog.Logger

	// VerifyHashOnTouch makes an mtime-only change (same size) fall back to
	// comparing content hashes. When false any mtime change counts as changed.
	VerifyHashOnTouch bool
	// LedgerPath is excluded from directory scans.
	LedgerPath string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for processed times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVerifyHashOnTouch sets the mtime-only change policy.
func WithVerifyHashOnTouch(verify bool) Option {
	return func(s *Store) {
		s.VerifyHashOnTouch = verify
	}
}

// WithLedgerPath excludes the ledger file itself from directory scans.
func WithLedgerPath(path string) Option {
	return func(s *Store) {
		s.LedgerPath = path
	}
}

// NewStore wires a store over the given ledger repository.
func NewStore(repo repository.FingerprintRepository, hasher Hasher, opts ...Option) *Store {
	s := &Store{
		repo:              repo,
		hasher:            hasher,
		now:               time.Now,
		logger:            slog.Default(),
		VerifyHashOnTouch: true,
	}
	if s.hasher.factory == nil {
		s.hasher = SHA256()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hasher returns the store's content hasher.
func (s *Store) Hasher() Hasher {
	return s.hasher
}

// HasChanged reports whether path needs processing. Any doubt, including a
// failed stat or ledger read, is answered with true.
func (s *Store) HasChanged(ctx context.Context, path string) bool {
	key := normalizePath(path)

	info, err := os.Stat(key)
	if err != nil {
		s.logger.Debug("stat failed, treating file as changed", "path", key, "error", err)
		return true
	}

	stored, ok, err := s.repo.Get(ctx, key)
	if err != nil {
		s.logger.Warn("fingerprint lookup failed, treating file as changed", "path", key, "error", err)
		return true
	}
	if !ok {
		return true
	}

	if info.Size() != stored.Size {
		return true
	}
	if info.ModTime().Equal(stored.ModifiedTime) {
		return false
	}
	if !s.VerifyHashOnTouch {
		return true
	}

	sum, err := s.hasherFor(stored).HashFile(key)
	if err != nil {
		s.logger.Warn("hash failed, treating file as changed", "path", key, "error", err)
		return true
	}
	return sum != stored.ContentHash
}

// MarkProcessed records the current state of path. The ledger is persisted
// before returning. Processed time never moves backwards for a path.
func (s *Store) MarkProcessed(ctx context.Context, path string, recordsCount int) (domain.FileFingerprint, error) {
	key := normalizePath(path)

	info, err := os.Stat(key)
	if err != nil {
		return domain.FileFingerprint{}, &domain.LocalIOError{Op: "stat input file", Path: key, Err: err}
	}
	sum, err := s.hasher.HashFile(key)
	if err != nil {
		return domain.FileFingerprint{}, &domain.LocalIOError{Op: "hash input file", Path: key, Err: err}
	}

	return s.save(ctx, domain.FileFingerprint{
		Path:          key,
		ContentHash:   sum,
		HashAlgorithm: s.hasher.Algorithm(),
		Size:          info.Size(),
		ModifiedTime:  info.ModTime(),
	}, recordsCount)
}

// Observe reads path once and fingerprints exactly the bytes it returns. A
// file whose size or modification time moves during the read is a
// LocalIOError, so it is retried on a later run instead of parsed half written.
func (s *Store) Observe(path string) (domain.FileFingerprint, []byte, error) {
	key := normalizePath(path)

	before, err := os.Stat(key)
	if err != nil {
		return domain.FileFingerprint{}, nil, &domain.LocalIOError{Op: "stat input file", Path: key, Err: err}
	}
	data, err := os.ReadFile(key)
	if err != nil {
		return domain.FileFingerprint{}, nil, &domain.LocalIOError{Op: "read input file", Path: key, Err: err}
	}
	after, err := os.Stat(key)
	if err != nil {
		return domain.FileFingerprint{}, nil, &domain.LocalIOError{Op: "stat input file", Path: key, Err: err}
	}
	if before.Size() != after.Size() || !before.ModTime().Equal(after.ModTime()) || int64(len(data)) != after.Size() {
		return domain.FileFingerprint{}, nil, &domain.LocalIOError{Op: "read input file", Path: key, Err: errors.New("file changed while it was being read")}
	}

	return domain.FileFingerprint{
		Path:          key,
		ContentHash:   s.hasher.HashBytes(data),
		HashAlgorithm: s.hasher.Algorithm(),
		Size:          after.Size(),
		ModifiedTime:  after.ModTime(),
	}, data, nil
}

// MarkObserved records observed, the state of a file as Observe read it,
// rather than whatever is on disk now. A file rewritten since then no longer
// matches the ledger and is processed again.
func (s *Store) MarkObserved(ctx context.Context, observed domain.FileFingerprint, recordsCount int) (domain.FileFingerprint, error) {
	observed.Path = normalizePath(observed.Path)
	if info, err := os.Stat(observed.Path); err == nil && (info.Size() != observed.Size || !info.ModTime().Equal(observed.ModifiedTime)) {
		s.logger.Warn("file changed after it was read; it will be processed again", "path", observed.Path)
	}
	return s.save(ctx, observed, recordsCount)
}

func (s *Store) save(ctx context.Context, fp domain.FileFingerprint, recordsCount int) (domain.FileFingerprint, error) {
	processed := s.now().UTC()
	if previous, ok, getErr := s.repo.Get(ctx, fp.Path); getErr == nil && ok && previous.ProcessedTime.After(processed) {
		processed = previous.ProcessedTime
	}
	fp.ProcessedTime = processed
	fp.RecordsCount = recordsCount

	if err := s.repo.Put(ctx, fp); err != nil {
		if domain.IsLocalIO(err) {
			return domain.FileFingerprint{}, err
		}
		return domain.FileFingerprint{}, &domain.LocalIOError{Op: "save fingerprint", Path: fp.Path, Err: err}
	}

	s.logger.Debug("file marked processed", "path", fp.Path, "records", recordsCount)
	return fp, nil
}

// Status reports every regular file in dir together with its ledger state.
// Dotfiles and the ledger itself are skipped.
func (s *Store) Status(ctx context.Context, dir string) ([]domain.FileStatus, error) {
	files, err := s.scan(dir, "")
	if err != nil {
		return nil, err
	}

	statuses := make([]domain.FileStatus, 0, len(files))
	for _, file := range files {
		status := domain.FileStatus{
			Path:         file.path,
			Name:         filepath.Base(file.path),
			State:        domain.FileStateProcessed,
			Size:         file.info.Size(),
			ModifiedTime: file.info.ModTime(),
		}
		if s.HasChanged(ctx, file.path) {
			status.State = domain.FileStateChanged
		}
		if stored, ok, getErr := s.repo.Get(ctx, file.path); getErr == nil && ok {
			processed := stored.ProcessedTime
			status.LastProcessed = &processed
			status.RecordsProcessed = stored.RecordsCount
			status.ContentHash = stored.ContentHash
		}
		if status.ContentHash == "" {
			if sum, hashErr := s.hasher.HashFile(file.path); hashErr == nil {
				status.ContentHash = sum
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Files returns every file in dir whose base name matches pattern, newest
// first, whether or not it has changed.
func (s *Store) Files(dir, pattern string) ([]string, error) {
	files, err := s.newestFirst(dir, pattern)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, file := range files {
		out = append(out, file.path)
	}
	return out, nil
}

// NewFiles returns changed files in dir whose base name matches pattern,
// newest first. An empty pattern matches every file.
func (s *Store) NewFiles(ctx context.Context, dir, pattern string) ([]string, error) {
	files, err := s.newestFirst(dir, pattern)
	if err != nil {
		return nil, err
	}

	out := []string{}
	for _, file := range files {
		if s.HasChanged(ctx, file.path) {
			out = append(out, file.path)
		}
	}
	s.logger.Info("scanned for new files", "dir", dir, "pattern", pattern, "found", len(out), "total", len(files))
	return out, nil
}

// Sweep removes ledger entries whose file no longer exists or was last
// modified before now minus olderThan. It returns the removed paths.
func (s *Store) Sweep(ctx context.Context, olderThan time.Duration) ([]string, error) {
	entries, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}

	cutoff := s.now().Add(-olderThan)
	var stale []string
	for _, entry := range entries {
		info, statErr := os.Stat(entry.Path)
		if statErr != nil || info.ModTime().Before(cutoff) {
			stale = append(stale, entry.Path)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	if err := s.repo.Delete(ctx, stale...); err != nil {
		return nil, fmt.Errorf("failed to delete fingerprints: %w", err)
	}
	s.logger.Info("swept fingerprint ledger", "removed", len(stale), "cutoff", cutoff.UTC().Format(time.RFC3339))
	return stale, nil
}

type scannedFile struct {
	path string
	info fs.FileInfo
}

func (s *Store) newestFirst(dir, pattern string) ([]scannedFile, error) {
	files, err := s.scan(dir, pattern)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].info.ModTime().After(files[j].info.ModTime())
	})
	return files, nil
}

func (s *Store) scan(dir, pattern string) ([]scannedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("watch directory does not exist", "dir", dir)
			return nil, nil
		}
		return nil, &domain.LocalIOError{Op: "read directory", Path: dir, Err: err}
	}

	ledger := ""
	if s.LedgerPath != "" {
		ledger = normalizePath(s.LedgerPath)
	}

	files := []scannedFile{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if pattern != "" {
			matched, matchErr := filepath.Match(pattern, name)
			if matchErr != nil {
				return nil, fmt.Errorf("invalid file pattern %q: %w", pattern, matchErr)
			}
			if !matched {
				continue
			}
		}
		path := normalizePath(filepath.Join(dir, name))
		if path == ledger {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, scannedFile{path: path, info: info})
	}
	return files, nil
}

func (s *Store) hasherFor(stored domain.FileFingerprint) Hasher {
	if stored.HashAlgorithm == "" || stored.HashAlgorithm == s.hasher.Algorithm() {
		return s.hasher
	}
	if h, err := NewHasher(stored.HashAlgorithm); err == nil {
		return h
	}
	return s.hasher
}

func normalizePath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
