package redcap

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/qcsync/internal/domain"
	"github.com/rpattn/qcsync/internal/repository"
)

func testConfig(url string) Config {
	return Config{
		URL:        url,
		Token:      "TOKEN",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		BatchSize:  2,
	}
}

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	client, err := NewClient(testConfig(url), opts...)
	require.NoError(t, err)
	return client
}

type recordingObserver struct {
	outcomes []string
}

func (o *recordingObserver) ObserveRemoteCall(operation, outcome string, _ time.Duration) {
	o.outcomes = append(o.outcomes, operation+":"+outcome)
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{Token: "x"})
	assert.Error(t, err)
	_, err = NewClient(Config{URL: "http://example"})
	assert.Error(t, err)
}

func TestExportSendsFiltersAndDecodesRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "TOKEN", r.PostForm.Get("token"))
		assert.Equal(t, "record", r.PostForm.Get("content"))
		assert.Equal(t, "export", r.PostForm.Get("action"))
		assert.Equal(t, "flat", r.PostForm.Get("type"))
		assert.Equal(t, "ptid", r.PostForm.Get("fields[0]"))
		assert.Equal(t, "qc_status", r.PostForm.Get("fields[1]"))
		assert.Equal(t, "P1", r.PostForm.Get("records[0]"))
		_, _ = w.Write([]byte(`[{"ptid":"P1","redcap_event_name":"baseline","qc_status":"1"}]`))
	}))
	defer server.Close()

	records, err := newTestClient(t, server.URL).Export(context.Background(), repository.ExportRequest{
		Fields:  []string{"ptid", "qc_status"},
		Records: []string{"P1"},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"ptid", "redcap_event_name", "qc_status"}, records[0].Fields())
}

func TestExportRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	observer := &recordingObserver{}
	records, err := newTestClient(t, server.URL, WithObserver(observer)).Export(context.Background(), repository.ExportRequest{})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"export:transient", "export:ok"}, observer.outcomes)
}

func TestExportGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Export(context.Background(), repository.ExportRequest{})
	require.Error(t, err)

	var transient *domain.TransientRemoteError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, http.StatusBadGateway, transient.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExportPermanentFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"You do not have permissions to use the API"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Export(context.Background(), repository.ExportRequest{})
	require.Error(t, err)

	var permanent *domain.PermanentRemoteError
	require.True(t, errors.As(err, &permanent))
	assert.Equal(t, http.StatusForbidden, permanent.StatusCode)
	assert.Contains(t, err.Error(), "permissions")
	assert.Equal(t, int32(1), calls.Load())
}

func TestExportErrorBodyWithOKStatusIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"invalid field"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Export(context.Background(), repository.ExportRequest{})
	assert.True(t, domain.IsPermanent(err))
}

func TestImportSplitsIntoBatches(t *testing.T) {
	var sizes []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "import", r.PostForm.Get("action"))
		assert.Equal(t, "overwrite", r.PostForm.Get("overwriteBehavior"))
		assert.Equal(t, "count", r.PostForm.Get("returnContent"))
		var batch []map[string]string
		require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("data")), &batch))
		sizes = append(sizes, len(batch))
		_ = json.NewEncoder(w).Encode(map[string]int{"count": len(batch)})
	}))
	defer server.Close()

	records := []domain.Record{
		domain.NewRecord("ptid", "P1"),
		domain.NewRecord("ptid", "P2"),
		domain.NewRecord("ptid", "P3"),
		domain.NewRecord("ptid", "P4"),
		domain.NewRecord("ptid", "P5"),
	}
	result, err := newTestClient(t, server.URL).Import(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Count)
	assert.Equal(t, 3, result.Batches)
	assert.Len(t, result.Responses, 3)
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestImportDoesNotRetryAfterResponse(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"count": 2}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	records := []domain.Record{domain.NewRecord("ptid", "P1"), domain.NewRecord("ptid", "P2"), domain.NewRecord("ptid", "P3")}
	result, err := newTestClient(t, server.URL).Import(context.Background(), records)
	require.Error(t, err)

	var transient *domain.TransientRemoteError
	require.True(t, errors.As(err, &transient))
	assert.True(t, transient.Sent)
	assert.Equal(t, int32(2), calls.Load(), "second batch must not be retried")
	assert.Equal(t, 1, result.Batches)
	assert.Equal(t, 2, result.Count)
}

type dialFailTransport struct {
	failures atomic.Int32
	remain   int32
}

func (d *dialFailTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if d.failures.Add(1) <= d.remain {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestImportRetriesDialFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`1`))
	}))
	defer server.Close()

	transport := &dialFailTransport{remain: 1}
	client := newTestClient(t, server.URL, WithHTTPClient(&http.Client{Transport: transport}))

	result, err := client.Import(context.Background(), []domain.Record{domain.NewRecord("ptid", "P1")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
	assert.Equal(t, int32(2), transport.failures.Load())
}

func TestImportDialFailuresExhausted(t *testing.T) {
	transport := &dialFailTransport{remain: 100}
	client := newTestClient(t, "http://redcap.invalid/api/", WithHTTPClient(&http.Client{Transport: transport}))

	_, err := client.Import(context.Background(), []domain.Record{domain.NewRecord("ptid", "P1")})
	require.Error(t, err)

	var transient *domain.TransientRemoteError
	require.True(t, errors.As(err, &transient))
	assert.False(t, transient.Sent)
	assert.Equal(t, int32(3), transport.failures.Load())
}

func TestExportMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "metadata", r.PostForm.Get("content"))
		_, _ = w.Write([]byte(`[{"field_name":"qc_status","form_name":"qc","field_type":"radio","select_choices_or_calculations":"1, A | 2, B"}]`))
	}))
	defer server.Close()

	fields, err := newTestClient(t, server.URL).ExportMetadata(context.Background())
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, []string{"1", "2"}, fields[0].ChoiceCodes())
}

func TestParseImportCount(t *testing.T) {
	cases := map[string]int{
		`{"count": 3}`:   3,
		`{"count": "4"}`: 4,
		`5`:              5,
		" 12\n":          12,
	}
	for body, want := range cases {
		got, err := ParseImportCount([]byte(body))
		require.NoError(t, err, body)
		assert.Equal(t, want, got, body)
	}

	_, err := ParseImportCount([]byte(`{"ids": []}`))
	assert.True(t, domain.IsPermanent(err))
	_, err = ParseImportCount([]byte(`ok`))
	assert.Error(t, err)
}
