// Package ingestion turns CSV, Excel and JSON input files into records.
package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/rpattn/qcsync/internal/domain"
	"github.com/rpattn/qcsync/pkg/validator"
)

var (
	// ErrUnsupportedFormat is returned when an input file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrDuplicateIdentity is returned when two rows share one record identity.
	ErrDuplicateIdentity = errors.New("duplicate record identity")
	// ErrDictionaryViolation is returned in strict mode when a row fails the data dictionary.
	ErrDictionaryViolation = errors.New("records violate the data dictionary")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

// Service loads input files into records.
type Service struct {
	scheme    domain.IdentityScheme
	logger    *slog.Logger
	validator *validator.DictionaryValidator
	strict    bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDictionary validates every row against the data dictionary. In strict
// mode any error rejects the whole file; otherwise errors are reported.
func WithDictionary(fields []validator.FieldMetadata, strict bool) Option {
	return func(s *Service) {
		if len(fields) > 0 {
			s.validator = validator.NewDictionaryValidator(fields)
			s.strict = strict
		}
	}
}

// NewService creates a new ingestion service.
func NewService(scheme domain.IdentityScheme, opts ...Option) *Service {
	s := &Service{scheme: scheme, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request names the input and carries its content.
type Request struct {
	FileName string
	Data     io.Reader
}

// RowIssue is a dictionary finding for one input row.
type RowIssue struct {
	Row       int                         `json:"row"`
	PrimaryID string                      `json:"primary_id,omitempty"`
	Errors    []validator.ValidationError `json:"errors,omitempty"`
	Warnings  []validator.ValidationError `json:"warnings,omitempty"`
}

// Result holds the parsed records in input order. Warnings are problems the
// parser recovered from, such as cells dropped past the header width.
type Result struct {
	FileName string          `json:"file_name"`
	Format   string          `json:"format"`
	Records  []domain.Record `json:"records"`
	Headers  []string        `json:"headers"`
	Issues   []RowIssue      `json:"issues,omitempty"`
	Decoded  string          `json:"decoded,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// LoadFile opens and parses the file at path.
func (s *Service) LoadFile(ctx context.Context, path string) (Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return Result{}, &domain.LocalIOError{Op: "open input file", Path: path, Err: err}
	}
	defer file.Close()

	return s.Load(ctx, Request{FileName: path, Data: file})
}

// Load parses one input. Values are normalized, fully empty rows dropped, and
// duplicate identities reject the input.
func (s *Service) Load(ctx context.Context, req Request) (Result, error) {
	if req.Data == nil {
		return Result{}, errors.New("missing input data")
	}
	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return Result{}, &domain.LocalIOError{Op: "read input file", Path: req.FileName, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	result := Result{FileName: req.FileName, Format: strings.TrimPrefix(strings.ToLower(filepath.Ext(req.FileName)), ".")}
	switch result.Format {
	case "csv":
		var table tableData
		table, result.Decoded, err = parseCSV(payload)
		if err != nil {
			return Result{}, err
		}
		result.Headers, result.Records, result.Warnings = table.headers, table.records(), table.warnings
	case "xlsx":
		table, err := parseExcel(payload)
		if err != nil {
			return Result{}, err
		}
		result.Headers, result.Records, result.Warnings = table.headers, table.records(), table.warnings
	case "json":
		result.Records, err = parseJSON(payload)
		if err != nil {
			return Result{}, err
		}
		result.Headers = collectHeaders(result.Records)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(req.FileName))
	}

	result.Records = filterEmptyRecords(result.Records)
	for _, warning := range result.Warnings {
		s.logger.Warn("input row truncated", "file", req.FileName, "problem", warning)
	}

	if err := s.checkDuplicates(result.Records); err != nil {
		return Result{}, fmt.Errorf("%s: %w", filepath.Base(req.FileName), err)
	}

	if s.validator != nil {
		result.Issues = s.validate(result.Records)
		invalid := 0
		for _, issue := range result.Issues {
			if len(issue.Errors) > 0 {
				invalid++
			}
		}
		if invalid > 0 {
			s.logger.Warn("records failed dictionary validation", "file", req.FileName, "invalid", invalid, "strict", s.strict)
			if s.strict {
				return result, fmt.Errorf("%s: %d rows: %w", filepath.Base(req.FileName), invalid, ErrDictionaryViolation)
			}
		}
	}

	s.logger.Info("loaded input file", "file", req.FileName, "format", result.Format, "records", len(result.Records))
	return result, nil
}

func (s *Service) checkDuplicates(records []domain.Record) error {
	seen := make(map[string]int, len(records))
	for idx, record := range records {
		identity := s.scheme.Identity(record)
		if identity.PrimaryID == "" {
			continue
		}
		if first, ok := seen[identity.Key()]; ok {
			return fmt.Errorf("%w: %s in rows %d and %d", ErrDuplicateIdentity, identity, first+1, idx+1)
		}
		seen[identity.Key()] = idx
	}
	return nil
}

func (s *Service) validate(records []domain.Record) []RowIssue {
	var issues []RowIssue
	for idx, record := range records {
		outcome := s.validator.ValidateProperties(record.Map())
		if len(outcome.Errors) == 0 && len(outcome.Warnings) == 0 {
			continue
		}
		issues = append(issues, RowIssue{
			Row:       idx + 1,
			PrimaryID: record.Value(s.scheme.PrimaryIDField),
			Errors:    outcome.Errors,
			Warnings:  outcome.Warnings,
		})
	}
	return issues
}

type tableData struct {
	headers  []string
	rows     [][]string
	warnings []string
}

func (t tableData) records() []domain.Record {
	out := make([]domain.Record, 0, len(t.rows))
	for _, row := range t.rows {
		record := domain.Record{}
		for i, header := range t.headers {
			record.Set(header, row[i])
		}
		out = append(out, record)
	}
	return out
}

// parseCSV reads UTF-8 input, falling back to Windows-1252 when the bytes are
// not valid UTF-8. The returned string names the decoding used.
func parseCSV(payload []byte) (tableData, string, error) {
	payload = bytes.TrimPrefix(payload, byteOrderMark)
	decoded := "utf-8"
	if !utf8.Valid(payload) {
		converted, err := charmap.Windows1252.NewDecoder().Bytes(payload)
		if err != nil {
			return tableData{}, "", fmt.Errorf("failed to decode csv: %w", err)
		}
		payload = converted
		decoded = "windows-1252"
	}

	csvReader := csv.NewReader(bufio.NewReader(bytes.NewReader(payload)))
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	rows, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, "", fmt.Errorf("failed to read csv: %w", err)
	}

	table, err := normalizeTable(rows)
	if err != nil {
		return tableData{}, "", err
	}
	return table, decoded, nil
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}

	return normalizeTable(rows)
}

// parseJSON accepts an array of objects, an object with a "data" array, or a
// single object.
func parseJSON(payload []byte) ([]domain.Record, error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(payload, byteOrderMark))
	if len(trimmed) == 0 {
		return nil, errors.New("empty json document")
	}

	if trimmed[0] == '[' {
		var records []domain.Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("failed to read json records: %w", err)
		}
		return records, nil
	}

	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to read json document: %w", err)
	}
	if len(bytes.TrimSpace(wrapper.Data)) > 0 && bytes.TrimSpace(wrapper.Data)[0] == '[' {
		var records []domain.Record
		if err := json.Unmarshal(wrapper.Data, &records); err != nil {
			return nil, fmt.Errorf("failed to read json data array: %w", err)
		}
		return records, nil
	}

	var single domain.Record
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("failed to read json record: %w", err)
	}
	return []domain.Record{single}, nil
}

func normalizeTable(rows [][]string) (tableData, error) {
	if len(rows) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	var headerRow []string
	var dataRows [][]string
	var lines []int
	for idx, row := range rows {
		if len(cleanRow(row)) == 0 {
			continue
		}
		if headerRow == nil {
			headerRow = row
			continue
		}
		dataRows = append(dataRows, row)
		lines = append(lines, idx+1)
	}

	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	var warnings []string
	for i := range dataRows {
		if extra := len(cleanRow(overflow(dataRows[i], len(headers)))); extra > 0 {
			warnings = append(warnings, fmt.Sprintf("row %d: %d values beyond the %d header columns were dropped", lines[i], extra, len(headers)))
		}
		dataRows[i] = padRow(dataRows[i], len(headers))
	}

	return tableData{headers: headers, rows: dataRows, warnings: warnings}, nil
}

func cleanRow(row []string) []string {
	var cleaned []string
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			cleaned = append(cleaned, cell)
		}
	}
	return cleaned
}

// sanitizeHeaders lower-cases headers into field names. Blank headers get a
// positional name and repeats get a numeric suffix.
func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.ToLower(strings.TrimSpace(value))
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

// overflow returns the cells of row past the header width.
func overflow(row []string, length int) []string {
	if len(row) <= length {
		return nil
	}
	return row[length:]
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

// filterEmptyRecords drops records whose values are all empty after normalization.
func filterEmptyRecords(records []domain.Record) []domain.Record {
	filtered := make([]domain.Record, 0, len(records))
	for _, record := range records {
		for _, field := range record.Fields() {
			if record.Value(field) != "" {
				filtered = append(filtered, record)
				break
			}
		}
	}
	return filtered
}

func collectHeaders(records []domain.Record) []string {
	seen := map[string]struct{}{}
	var headers []string
	for _, record := range records {
		for _, field := range record.Fields() {
			if _, ok := seen[field]; !ok {
				seen[field] = struct{}{}
				headers = append(headers, field)
			}
		}
	}
	return headers
}
