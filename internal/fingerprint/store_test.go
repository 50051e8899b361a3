package fingerprint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/qcsync/internal/repository"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestStore(t *testing.T, clock *fixedClock, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewStore(repository.NewMemoryFingerprintRepository(), SHA256(), opts...)
}

func TestHasChangedLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	path := filepath.Join(t.TempDir(), "qc.csv")
	writeFile(t, path, "ptid,qc_status\nP1,1\n")

	assert.True(t, store.HasChanged(ctx, path), "unknown file must be changed")

	fp, err := store.MarkProcessed(ctx, path, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, fp.RecordsCount)
	assert.Equal(t, "sha256", fp.HashAlgorithm)
	assert.False(t, store.HasChanged(ctx, path))

	writeFile(t, path, "ptid,qc_status\nP1,1\nP2,2\n")
	assert.True(t, store.HasChanged(ctx, path), "size change must be changed")
}

func TestHasChangedTouchWithSameContent(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Now()}
	path := filepath.Join(t.TempDir(), "qc.csv")
	writeFile(t, path, "ptid\nP1\n")

	verifying := newTestStore(t, clock)
	_, err := verifying.MarkProcessed(ctx, path, 1)
	require.NoError(t, err)

	strict := NewStore(repository.NewMemoryFingerprintRepository(), SHA256(), WithClock(clock.Now), WithVerifyHashOnTouch(false))
	_, err = strict.MarkProcessed(ctx, path, 1)
	require.NoError(t, err)

	touched := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, touched, touched))

	assert.False(t, verifying.HasChanged(ctx, path), "touch without content change is unchanged when hashes are verified")
	assert.True(t, strict.HasChanged(ctx, path), "touch is a change when hashes are not verified")
}

func TestHasChangedSameSizeDifferentContent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fixedClock{now: time.Now()})
	path := filepath.Join(t.TempDir(), "qc.csv")
	writeFile(t, path, "ptid\nP1\n")
	_, err := store.MarkProcessed(ctx, path, 1)
	require.NoError(t, err)

	writeFile(t, path, "ptid\nP2\n")
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	assert.True(t, store.HasChanged(ctx, path))
}

func TestHasChangedMissingFile(t *testing.T) {
	store := newTestStore(t, &fixedClock{now: time.Now()})
	assert.True(t, store.HasChanged(context.Background(), filepath.Join(t.TempDir(), "missing.csv")))
}

func TestMarkProcessedNeverMovesProcessedTimeBackwards(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	path := filepath.Join(t.TempDir(), "qc.csv")
	writeFile(t, path, "ptid\nP1\n")

	first, err := store.MarkProcessed(ctx, path, 1)
	require.NoError(t, err)

	clock.now = clock.now.Add(-24 * time.Hour)
	second, err := store.MarkProcessed(ctx, path, 1)
	require.NoError(t, err)

	assert.True(t, second.ProcessedTime.Equal(first.ProcessedTime))
}

func TestMarkProcessedMissingFileIsLocalIOError(t *testing.T) {
	store := newTestStore(t, &fixedClock{now: time.Now()})
	_, err := store.MarkProcessed(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), 0)
	require.Error(t, err)
}

func TestStatusAndNewFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ledger := filepath.Join(dir, "file_tracking.json")
	store := NewStore(repository.NewJSONFingerprintRepository(ledger, nil), SHA256(), WithLedgerPath(ledger))

	old := filepath.Join(dir, "qc_old.csv")
	fresh := filepath.Join(dir, "qc_new.csv")
	other := filepath.Join(dir, "notes.txt")
	writeFile(t, old, "ptid\nP1\n")
	writeFile(t, fresh, "ptid\nP2\n")
	writeFile(t, other, "hello")
	writeFile(t, filepath.Join(dir, ".hidden.csv"), "x")

	_, err := store.MarkProcessed(ctx, old, 1)
	require.NoError(t, err)

	statuses, err := store.Status(ctx, dir)
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	byName := map[string]string{}
	for _, status := range statuses {
		byName[status.Name] = string(status.State)
		assert.NotEmpty(t, status.ContentHash)
	}
	assert.Equal(t, "PROCESSED", byName["qc_old.csv"])
	assert.Equal(t, "CHANGED", byName["qc_new.csv"])
	assert.NotContains(t, byName, "file_tracking.json")

	files, err := store.NewFiles(ctx, dir, "qc_*.csv")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, fresh, files[0])
}

func TestSweepRemovesMissingAndOldEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := &fixedClock{now: time.Now()}
	repo := repository.NewMemoryFingerprintRepository()
	store := NewStore(repo, SHA256(), WithClock(clock.Now))

	keep := filepath.Join(dir, "keep.csv")
	old := filepath.Join(dir, "old.csv")
	gone := filepath.Join(dir, "gone.csv")
	for _, path := range []string{keep, old, gone} {
		writeFile(t, path, "ptid\nP1\n")
		_, err := store.MarkProcessed(ctx, path, 1)
		require.NoError(t, err)
	}
	require.NoError(t, os.Remove(gone))
	longAgo := clock.now.Add(-60 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, longAgo, longAgo))

	removed, err := store.Sweep(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{old, gone}, removed)

	remaining, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, keep, remaining[0].Path)
}

func TestObserveFingerprintsTheBytesRead(t *testing.T) {
	clock := &fixedClock{now: time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	path := filepath.Join(t.TempDir(), "qc.csv")
	writeFile(t, path, "ptid\nP1\n")

	fp, data, err := store.Observe(path)
	require.NoError(t, err)
	assert.Equal(t, "ptid\nP1\n", string(data))
	assert.Equal(t, SHA256().HashBytes(data), fp.ContentHash)
	assert.Equal(t, int64(len(data)), fp.Size)
	assert.True(t, fp.ProcessedTime.IsZero())

	_, _, err = store.Observe(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}

func TestMarkObservedKeepsTheObservedState(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	path := filepath.Join(t.TempDir(), "qc.csv")
	writeFile(t, path, "ptid\nP1\n")

	observed, _, err := store.Observe(path)
	require.NoError(t, err)
	writeFile(t, path, "ptid\nP1\nP2\n")

	fp, err := store.MarkObserved(ctx, observed, 1)
	require.NoError(t, err)
	assert.Equal(t, observed.ContentHash, fp.ContentHash)
	assert.Equal(t, clock.now, fp.ProcessedTime)
	assert.True(t, store.HasChanged(ctx, path), "a rewrite after the read must be processed again")

	again, _, err := store.Observe(path)
	require.NoError(t, err)
	_, err = store.MarkObserved(ctx, again, 2)
	require.NoError(t, err)
	assert.False(t, store.HasChanged(ctx, path))
}
