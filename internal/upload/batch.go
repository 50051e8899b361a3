package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rpattn/qcsync/internal/domain"
	"github.com/rpattn/qcsync/internal/ingestion"
	"github.com/rpattn/qcsync/internal/repository"
)

// FileError is a failure to read or parse one input file. It skips that file
// without aborting the rest of the batch.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("input file %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// BatchRequest selects the input files. When Paths is empty every matching
// file in Dir is considered.
type BatchRequest struct {
	Paths   []string
	Dir     string
	Pattern string
	Options Options
}

// BatchResult summarizes a batch. Results holds one entry per attempted file,
// including the aborted one that stopped the batch.
type BatchResult struct {
	Results   []Result
	Unchanged []string
	Failed    []FileError
}

// Processed is the number of records committed across the batch.
func (b BatchResult) Processed() int {
	total := 0
	for _, r := range b.Results {
		total += r.Processed
	}
	return total
}

// Upload runs one attempt per input file in order. Unchanged files are
// skipped unless Force is set. A file that fails to load is logged and
// skipped; any other failure stops the batch and is returned.
func (o *Orchestrator) Upload(ctx context.Context, req BatchRequest) (BatchResult, error) {
	batch := BatchResult{}

	paths, err := o.selectFiles(ctx, req)
	if err != nil {
		return batch, err
	}
	if len(paths) == 0 {
		o.logger.Info("no input files to upload", "dir", req.Dir, "pattern", req.Pattern)
		return batch, nil
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if !req.Options.Force && o.fingerprints != nil && !o.fingerprints.HasChanged(ctx, path) {
			o.logger.Info("file unchanged, skipping", "path", path)
			batch.Unchanged = append(batch.Unchanged, path)
			continue
		}

		result, err := o.UploadFile(ctx, path, req.Options)
		var fileErr *FileError
		if errors.As(err, &fileErr) {
			o.logger.Error("skipping input file", "path", path, "error", fileErr.Err)
			batch.Failed = append(batch.Failed, *fileErr)
			continue
		}
		batch.Results = append(batch.Results, result)
		if err != nil {
			return batch, err
		}
	}

	o.logger.Info("batch complete", "files", len(batch.Results), "unchanged", len(batch.Unchanged),
		"failed", len(batch.Failed), "records", batch.Processed())
	return batch, nil
}

// UploadFile loads path and runs one attempt for it. The file is read once;
// the records uploaded and the fingerprint recorded both come from those bytes.
func (o *Orchestrator) UploadFile(ctx context.Context, path string, opts Options) (Result, error) {
	if o.loader == nil {
		return Result{}, errors.New("upload: no loader configured")
	}

	source := domain.SourceReference{Path: path}
	var (
		data     []byte
		observed *domain.FileFingerprint
	)
	if o.fingerprints != nil {
		fp, payload, err := o.fingerprints.Observe(path)
		if err != nil {
			return Result{}, &FileError{Path: path, Err: err}
		}
		source.ContentHash = fp.ContentHash
		data, observed = payload, &fp
	} else {
		payload, err := os.ReadFile(path)
		if err != nil {
			return Result{}, &FileError{Path: path, Err: &domain.LocalIOError{Op: "read input file", Path: path, Err: err}}
		}
		data = payload
	}

	loaded, err := o.loader.Load(ctx, ingestion.Request{FileName: path, Data: bytes.NewReader(data)})
	if err != nil {
		return Result{}, &FileError{Path: path, Err: err}
	}

	warnings := append([]string(nil), loaded.Warnings...)
	for _, issue := range loaded.Issues {
		if len(issue.Errors) > 0 {
			warnings = append(warnings, fmt.Sprintf("row %d (%s): %d dictionary errors", issue.Row, issue.PrimaryID, len(issue.Errors)))
		}
	}

	return o.Run(ctx, Attempt{
		Source:   source,
		Records:  loaded.Records,
		Options:  opts,
		Warnings: warnings,
		Observed: observed,
	})
}

// Fetch takes a full snapshot of the remote store without changing it.
func (o *Orchestrator) Fetch(ctx context.Context, actor string) (domain.SnapshotRef, error) {
	at := o.now().UTC()
	operationID := OperationID(at, "fetch", actor)

	start := time.Now()
	records, err := o.store.Export(ctx, repository.ExportRequest{})
	o.metrics.ObserveStep(string(StateFetchCurrent), time.Since(start))
	if err != nil {
		return domain.SnapshotRef{}, fmt.Errorf("fetch current records: %w", err)
	}

	ref, err := o.snapshots.SnapshotFull(operationID, records)
	if err != nil {
		return domain.SnapshotRef{}, err
	}
	o.logger.Info("remote store snapshot saved", "operation_id", operationID, "records", ref.RecordCount, "path", ref.Path)
	return ref, nil
}

func (o *Orchestrator) selectFiles(ctx context.Context, req BatchRequest) ([]string, error) {
	if len(req.Paths) > 0 {
		return req.Paths, nil
	}
	if req.Dir == "" {
		return nil, errors.New("upload: no input files or directory given")
	}
	if o.fingerprints == nil {
		return nil, errors.New("upload: scanning a directory requires a fingerprint store")
	}
	if req.Options.Force {
		return o.fingerprints.Files(req.Dir, req.Pattern)
	}
	return o.fingerprints.NewFiles(ctx, req.Dir, req.Pattern)
}
