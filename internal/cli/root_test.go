package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/qcsync/internal/artifact"
	"github.com/rpattn/qcsync/internal/domain"
	"github.com/rpattn/qcsync/internal/logging"
	"github.com/rpattn/qcsync/internal/snapshot"
)

func clearRemoteEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"REDCAP_API_URL", "REDCAP_API_TOKEN", "QCSYNC_REDCAP_URL", "QCSYNC_REDCAP_TOKEN", "UPLOAD_READY_PATH", "QCSYNC_UPLOAD_PATH"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, dir, remoteURL string) {
	t.Helper()
	content := fmt.Sprintf(`output_dir: %s
upload_path: %s
ledger:
  backend: json
upload:
  validate_dictionary: false
redcap:
  url: %q
  token: test-token
  max_retries: 0
  rate_limit: 0
`, filepath.Join(dir, "out"), filepath.Join(dir, "upload"), remoteURL)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qcsync.yaml"), []byte(content), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "upload"), 0o755))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommandStructure(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"upload", "query-resolution", "fetch", "status", "sweep", "history", "snapshot"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	show, _, err := cmd.Find([]string{"snapshot", "show"})
	require.NoError(t, err)
	assert.Equal(t, "show", show.Name())

	for _, flag := range []string{"config", "initials", "log-level", "log-format", "metrics-file"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
	assert.Equal(t, "c", cmd.PersistentFlags().Lookup("config").Shorthand)
	assert.Equal(t, "i", cmd.PersistentFlags().Lookup("initials").Shorthand)
}

func TestUploadRequiresInitials(t *testing.T) {
	clearRemoteEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "")

	_, err := run(t, "upload", "--config", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--initials")
}

func TestUploadRequiresRemoteSettings(t *testing.T) {
	clearRemoteEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "")

	_, err := run(t, "upload", "--config", dir, "--initials", "JD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDCAP_API_URL")
}

func TestInvalidLogLevelIsRejected(t *testing.T) {
	clearRemoteEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "")

	_, err := run(t, "status", "--config", dir, "--log-level", "loud")
	require.Error(t, err)
}

func TestStatusListsInputFiles(t *testing.T) {
	clearRemoteEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "upload", "qc_run.csv"), []byte("ptid\nP1\n"), 0o644))

	out, err := run(t, "status", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "FILE")
	assert.Contains(t, out, "qc_run.csv")
	assert.Contains(t, out, string(domain.FileStateChanged))
}

func TestSweepOnEmptyLedger(t *testing.T) {
	clearRemoteEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "")

	out, err := run(t, "sweep", "--config", dir, "--days", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 fingerprints")
}

func TestHistoryOnEmptyLog(t *testing.T) {
	clearRemoteEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "")

	out, err := run(t, "history", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "OPERATION")
}

func TestSnapshotShow(t *testing.T) {
	clearRemoteEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "")

	scheme := domain.DefaultIdentityScheme()
	records := []domain.Record{
		domain.NewRecord("ptid", "P1", "redcap_event_name", "baseline", "qc_status", "1"),
	}
	manager := snapshot.NewManager(artifact.NewWriter(filepath.Join(dir, "snaps")), scheme,
		func() time.Time { return time.Date(2025, 1, 2, 10, 30, 0, 0, time.UTC) }, logging.Discard())
	ref, err := manager.SnapshotTargeted("op-123", records, []domain.RecordIdentity{scheme.Identity(records[0])}, []string{"qc_status"})
	require.NoError(t, err)

	out, err := run(t, "snapshot", "show", "--config", dir, ref.Path)
	require.NoError(t, err)
	assert.Contains(t, out, "operation: op-123")
	assert.Contains(t, out, "scope:     targeted")
	assert.Contains(t, out, "records:   1")
}

// fakeREDCap answers record export and import calls.
func fakeREDCap(t *testing.T, remote []map[string]string, imports *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.FormValue("content") == "record" && r.FormValue("action") == "import":
			var rows []map[string]any
			if err := json.Unmarshal([]byte(r.FormValue("data")), &rows); err != nil {
				http.Error(w, `{"error":"bad data"}`, http.StatusBadRequest)
				return
			}
			imports.Add(1)
			fmt.Fprintf(w, `{"count": %d}`, len(rows))
		case r.FormValue("content") == "record":
			_ = json.NewEncoder(w).Encode(remote)
		default:
			http.Error(w, `{"error":"unsupported"}`, http.StatusBadRequest)
		}
	}))
}

func TestUploadEndToEnd(t *testing.T) {
	clearRemoteEnv(t)
	var imports atomic.Int32
	server := fakeREDCap(t, []map[string]string{{
		"ptid":              "P1",
		"redcap_event_name": "baseline",
		"qc_last_run":       "01JAN2025",
		"qc_status":         "1",
		"qc_results":        "[2025-01-01 09:00:00] 1 AB;",
	}}, &imports)
	defer server.Close()

	dir := t.TempDir()
	writeConfig(t, dir, server.URL)
	input := "ptid,redcap_event_name,qc_last_run,qc_status\nP1,baseline,02JAN2025,2\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "upload", "qc_run.csv"), []byte(input), 0o644))

	out, err := run(t, "upload", "--config", dir, "--initials", "JD")
	require.NoError(t, err)
	assert.Contains(t, out, string(domain.UploadStatusCommitted))
	assert.Contains(t, out, "1 uploaded")
	assert.Equal(t, int32(1), imports.Load())

	receipts, err := filepath.Glob(filepath.Join(dir, "out", "receipts", "receipt_*.json"))
	require.NoError(t, err)
	assert.Len(t, receipts, 1)

	// The second run sees the file as already processed.
	out, err = run(t, "upload", "--config", dir, "--initials", "JD")
	require.NoError(t, err)
	assert.NotContains(t, out, string(domain.UploadStatusCommitted))
	assert.Equal(t, int32(1), imports.Load())
}

func TestUploadDryRunDoesNotImport(t *testing.T) {
	clearRemoteEnv(t)
	var imports atomic.Int32
	server := fakeREDCap(t, []map[string]string{{
		"ptid":              "P1",
		"redcap_event_name": "baseline",
		"qc_last_run":       "01JAN2025",
		"qc_status":         "1",
	}}, &imports)
	defer server.Close()

	dir := t.TempDir()
	writeConfig(t, dir, server.URL)
	path := filepath.Join(dir, "qc_run.csv")
	require.NoError(t, os.WriteFile(path, []byte("ptid,redcap_event_name,qc_last_run,qc_status\nP1,baseline,02JAN2025,2\n"), 0o644))

	out, err := run(t, "upload", "--config", dir, "--initials", "JD", "--dry-run", path)
	require.NoError(t, err)
	assert.Contains(t, out, string(domain.UploadStatusDryRun))
	assert.Equal(t, int32(0), imports.Load())

	reports, err := filepath.Glob(filepath.Join(dir, "out", "reports", "dry_run_*.json"))
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestQueryResolutionRequiresDataFile(t *testing.T) {
	clearRemoteEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "")

	_, err := run(t, "query-resolution", "--config", dir, "--initials", "JD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data-file")
}

func TestQueryResolutionUploadsWithoutDedupe(t *testing.T) {
	clearRemoteEnv(t)
	var imports atomic.Int32
	server := fakeREDCap(t, []map[string]string{{
		"ptid":              "P1",
		"redcap_event_name": "baseline",
		"qc_last_run":       "01JAN2025",
		"qc_status":         "1",
		"qc_results":        "[2025-01-01 09:00:00] 1 AB;",
	}}, &imports)
	defer server.Close()

	dir := t.TempDir()
	writeConfig(t, dir, server.URL)
	path := filepath.Join(dir, "queries.csv")
	require.NoError(t, os.WriteFile(path, []byte("ptid,redcap_event_name,qc_last_run,qc_status\nP1,baseline,01JAN2025,0\n"), 0o644))

	out, err := run(t, "upload-query-resolution", "--config", dir, "--initials", "JD", "--data-file", path)
	require.NoError(t, err)
	assert.Contains(t, out, string(domain.UploadStatusCommitted))
	assert.Contains(t, out, "1 uploaded")
	assert.Equal(t, int32(1), imports.Load())

	receipts, err := filepath.Glob(filepath.Join(dir, "out", "receipts", "receipt_*.json"))
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	var receipt domain.Receipt
	data, err := os.ReadFile(receipts[0])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &receipt))
	assert.Equal(t, "query_resolution", receipt.UploadType)

	snapshots, err := filepath.Glob(filepath.Join(dir, "out", "snapshots", "*.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, snapshots)
}
