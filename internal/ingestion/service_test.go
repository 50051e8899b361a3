package ingestion

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/qcsync/internal/domain"
	"github.com/rpattn/qcsync/pkg/validator"
)

func newTestService(opts ...Option) *Service {
	return NewService(domain.DefaultIdentityScheme(), opts...)
}

func TestLoadCSVNormalizesValues(t *testing.T) {
	data := "\xEF\xBB\xBFPTID,redcap_event_name,QC Status,notes\n" +
		"P1,baseline, 1 ,nan\n" +
		",,,\n" +
		"P2,baseline,2,\n"

	result, err := newTestService().Load(context.Background(), Request{FileName: "qc.csv", Data: strings.NewReader(data)})
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}

	if result.Format != "csv" || result.Decoded != "utf-8" {
		t.Fatalf("unexpected format/decoding: %s/%s", result.Format, result.Decoded)
	}
	if want := []string{"ptid", "redcap_event_name", "qc_status", "notes"}; strings.Join(result.Headers, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected headers: %v", result.Headers)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected 2 records after dropping the empty row, got %d", len(result.Records))
	}

	first := result.Records[0]
	if first.Value("ptid") != "P1" || first.Value("qc_status") != "1" {
		t.Fatalf("unexpected first record: %v", first.Map())
	}
	if got, ok := first.Get("notes"); !ok || got != "" {
		t.Fatalf("expected null token to normalize to empty, got %q (present=%v)", got, ok)
	}
}

func TestLoadCSVWarnsAboutCellsBeyondHeader(t *testing.T) {
	data := "ptid,qc_status\n" +
		"P1,1,stray\n" +
		"P2,2,,\n"

	result, err := newTestService().Load(context.Background(), Request{FileName: "wide.csv", Data: strings.NewReader(data)})
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(result.Records))
	}
	if result.Records[0].Has("column_3") {
		t.Fatalf("extra cell must not become a field: %v", result.Records[0].Map())
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one warning for the row with a non-empty extra cell, got %v", result.Warnings)
	}
	if !strings.Contains(result.Warnings[0], "row 2") {
		t.Fatalf("warning should name the file row, got %q", result.Warnings[0])
	}
}

func TestLoadCSVFallsBackToWindows1252(t *testing.T) {
	data := []byte("ptid,site\nP1,caf\xe9\n")

	result, err := newTestService().Load(context.Background(), Request{FileName: "latin.csv", Data: bytes.NewReader(data)})
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if result.Decoded != "windows-1252" {
		t.Fatalf("expected windows-1252 decoding, got %s", result.Decoded)
	}
	if got := result.Records[0].Value("site"); got != "café" {
		t.Fatalf("expected decoded value café, got %q", got)
	}
}

func TestLoadJSONShapes(t *testing.T) {
	cases := map[string]string{
		"array":   `[{"ptid":"P1","qc_status":1},{"ptid":"P2","qc_status":2}]`,
		"wrapped": `{"data":[{"ptid":"P1","qc_status":1},{"ptid":"P2","qc_status":2}]}`,
		"single":  `{"ptid":"P1","qc_status":1}`,
	}
	expected := map[string]int{"array": 2, "wrapped": 2, "single": 1}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			result, err := newTestService().Load(context.Background(), Request{FileName: "in.json", Data: strings.NewReader(payload)})
			if err != nil {
				t.Fatalf("load returned error: %v", err)
			}
			if len(result.Records) != expected[name] {
				t.Fatalf("expected %d records, got %d", expected[name], len(result.Records))
			}
			if result.Records[0].Value("qc_status") != "1" {
				t.Fatalf("expected numeric value to normalize to \"1\", got %q", result.Records[0].Value("qc_status"))
			}
			if strings.Join(result.Headers, ",") != "ptid,qc_status" {
				t.Fatalf("unexpected headers: %v", result.Headers)
			}
		})
	}
}

func TestLoadExcelReadsFirstSheet(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	if err := f.SetSheetRow(sheet, "A1", &[]any{"ptid", "redcap_event_name", "qc_status"}); err != nil {
		t.Fatalf("set header row: %v", err)
	}
	if err := f.SetSheetRow(sheet, "A2", &[]any{"P1", "baseline", "1"}); err != nil {
		t.Fatalf("set data row: %v", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	_ = f.Close()

	result, err := newTestService().Load(context.Background(), Request{FileName: "qc.xlsx", Data: bytes.NewReader(buf.Bytes())})
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(result.Records))
	}
	if result.Records[0].Value("redcap_event_name") != "baseline" {
		t.Fatalf("unexpected record: %v", result.Records[0].Map())
	}
}

func TestLoadRejectsDuplicateIdentity(t *testing.T) {
	data := "ptid,redcap_event_name,qc_status\nP1,baseline,1\nP1,baseline,2\n"

	_, err := newTestService().Load(context.Background(), Request{FileName: "dup.csv", Data: strings.NewReader(data)})
	if !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected duplicate identity error, got %v", err)
	}
}

func TestLoadAllowsSamePatientAcrossEvents(t *testing.T) {
	data := "ptid,redcap_event_name,qc_status\nP1,baseline,1\nP1,followup,2\n"

	result, err := newTestService().Load(context.Background(), Request{FileName: "events.csv", Data: strings.NewReader(data)})
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(result.Records))
	}
}

func TestLoadRejectsUnsupportedFormat(t *testing.T) {
	_, err := newTestService().Load(context.Background(), Request{FileName: "notes.txt", Data: strings.NewReader("x")})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}

func TestLoadDictionaryValidation(t *testing.T) {
	dictionary := []validator.FieldMetadata{
		{FieldName: "ptid", FormName: "qc", FieldType: "text", RequiredField: "y"},
		{FieldName: "qc_status", FormName: "qc", FieldType: "radio", Choices: "1, Pass | 2, Fail"},
	}
	data := "ptid,qc_status\nP1,1\nP2,7\n"

	lenient := newTestService(WithDictionary(dictionary, false))
	result, err := lenient.Load(context.Background(), Request{FileName: "qc.csv", Data: strings.NewReader(data)})
	if err != nil {
		t.Fatalf("non-strict load returned error: %v", err)
	}
	if len(result.Issues) != 1 || result.Issues[0].PrimaryID != "P2" || result.Issues[0].Row != 2 {
		t.Fatalf("unexpected issues: %+v", result.Issues)
	}

	strict := newTestService(WithDictionary(dictionary, true))
	_, err = strict.Load(context.Background(), Request{FileName: "qc.csv", Data: strings.NewReader(data)})
	if !errors.Is(err, ErrDictionaryViolation) {
		t.Fatalf("expected dictionary violation in strict mode, got %v", err)
	}
}

func TestLoadFileReportsMissingFileAsLocalIO(t *testing.T) {
	_, err := newTestService().LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	if !domain.IsLocalIO(err) {
		t.Fatalf("expected local io error, got %v", err)
	}
}

func TestLoadFileReadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qc.csv")
	if err := os.WriteFile(path, []byte("ptid,qc_status\nP1,1\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	result, err := newTestService().LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("load file returned error: %v", err)
	}
	if result.FileName != path || len(result.Records) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}
