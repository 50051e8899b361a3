package redcap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rpattn/qcsync/internal/domain"
	"github.com/rpattn/qcsync/internal/repository"
	"github.com/rpattn/qcsync/pkg/validator"
)

var (
	_ repository.RecordStore    = (*Client)(nil)
	_ repository.MetadataSource = (*Client)(nil)
)

// Export fetches flat raw records, optionally narrowed to fields, record ids
// and events. Transient failures are retried.
func (c *Client) Export(ctx context.Context, req repository.ExportRequest) ([]domain.Record, error) {
	form := url.Values{
		"content":                {"record"},
		"action":                 {"export"},
		"format":                 {"json"},
		"type":                   {"flat"},
		"rawOrLabel":             {"raw"},
		"rawOrLabelHeaders":      {"raw"},
		"exportCheckboxLabel":    {"false"},
		"exportSurveyFields":     {"false"},
		"exportDataAccessGroups": {"false"},
	}
	addList(form, "fields", req.Fields)
	addList(form, "records", req.Records)
	addList(form, "events", req.Events)

	body, err := c.call(ctx, "export", form, anyTransient)
	if err != nil {
		return nil, err
	}

	var records []domain.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, &domain.PermanentRemoteError{Op: "export", Body: string(body), Err: fmt.Errorf("decode records: %w", err)}
	}
	c.logger.Info("exported records", "records", len(records), "fields", len(req.Fields), "filtered_records", len(req.Records))
	return records, nil
}

// Import writes records in batches of BatchSize. Each batch is one atomic
// call. A batch is retried only when the request never reached the server.
// On failure the result reports the batches committed before it.
func (c *Client) Import(ctx context.Context, records []domain.Record) (repository.ImportResult, error) {
	result := repository.ImportResult{}
	if len(records) == 0 {
		return result, nil
	}

	total := (len(records) + c.cfg.BatchSize - 1) / c.cfg.BatchSize
	for start := 0; start < len(records); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		batchNumber := result.Batches + 1

		data, err := json.Marshal(records[start:end])
		if err != nil {
			return result, &domain.PermanentRemoteError{Op: "import", Err: fmt.Errorf("encode batch %d: %w", batchNumber, err)}
		}

		form := url.Values{
			"content":           {"record"},
			"action":            {"import"},
			"format":            {"json"},
			"type":              {"flat"},
			"overwriteBehavior": {"overwrite"},
			"forceAutoNumber":   {"false"},
			"returnContent":     {"count"},
			"data":              {string(data)},
		}

		body, err := c.call(ctx, "import", form, notSent)
		if err != nil {
			return result, fmt.Errorf("import batch %d/%d failed after %d committed records: %w", batchNumber, total, result.Count, err)
		}

		count, err := ParseImportCount(body)
		if err != nil {
			return result, fmt.Errorf("import batch %d/%d: %w", batchNumber, total, err)
		}

		result.Count += count
		result.Batches++
		result.Responses = append(result.Responses, json.RawMessage(strings.TrimSpace(string(body))))
		c.logger.Info("imported batch", "batch", batchNumber, "batches", total, "records", end-start, "count", count)
	}
	return result, nil
}

// ExportMetadata fetches the project data dictionary.
func (c *Client) ExportMetadata(ctx context.Context) ([]validator.FieldMetadata, error) {
	body, err := c.call(ctx, "metadata", url.Values{"content": {"metadata"}, "format": {"json"}}, anyTransient)
	if err != nil {
		return nil, err
	}
	var fields []validator.FieldMetadata
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, &domain.PermanentRemoteError{Op: "metadata", Body: string(body), Err: fmt.Errorf("decode metadata: %w", err)}
	}
	return fields, nil
}

// ParseImportCount reads the import response: {"count": n}, a bare integer,
// or digit-only text.
func ParseImportCount(body []byte) (int, error) {
	text := strings.TrimSpace(string(body))

	var payload struct {
		Count json.RawMessage `json:"count"`
	}
	if strings.HasPrefix(text, "{") && json.Unmarshal([]byte(text), &payload) == nil && payload.Count != nil {
		raw := strings.Trim(strings.TrimSpace(string(payload.Count)), `"`)
		if n, err := strconv.Atoi(raw); err == nil {
			return n, nil
		}
	}

	if n, err := strconv.Atoi(strings.Trim(text, `"`)); err == nil {
		return n, nil
	}

	return 0, &domain.PermanentRemoteError{Op: "import", Body: text, Err: fmt.Errorf("unrecognized import response")}
}

func addList(form url.Values, name string, values []string) {
	for i, value := range values {
		form.Set(fmt.Sprintf("%s[%d]", name, i), value)
	}
}
