// Package upload sequences one differential upload: fetch the remote state,
// diff and dedupe the input, compose audit history, snapshot, then either
// write a dry-run report or commit and write a receipt.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/qcsync/internal/artifact"
	"github.com/rpattn/qcsync/internal/audit"
	"github.com/rpattn/qcsync/internal/diff"
	"github.com/rpattn/qcsync/internal/domain"
	"github.com/rpattn/qcsync/internal/fingerprint"
	"github.com/rpattn/qcsync/internal/idempotency"
	"github.com/rpattn/qcsync/internal/ingestion"
	"github.com/rpattn/qcsync/internal/metrics"
	"github.com/rpattn/qcsync/internal/repository"
)

// State is a step of the upload state machine.
type State string

const (
	StateFetchCurrent  State = "FETCH_CURRENT"
	StateDiffAndDedupe State = "DIFF_AND_DEDUPE"
	StateComposeAudit  State = "COMPOSE_AUDIT"
	StateSnapshot      State = "SNAPSHOT"
	StateDryRunReport  State = "DRY_RUN_REPORT"
	StateCommit        State = "COMMIT"
	StateReceipt       State = "RECEIPT"
	StateAborted       State = "ABORTED"
)

// operationNamespace scopes operation ids derived with uuid.NewSHA1.
var operationNamespace = uuid.MustParse("6f1c2a7e-3d52-4c8e-9a41-0b7d5e9f2c13")

// Snapshotter persists remote state before a mutation.
type Snapshotter interface {
	SnapshotFull(operationID string, records []domain.Record) (domain.SnapshotRef, error)
	SnapshotTargeted(operationID string, records []domain.Record, identities []domain.RecordIdentity, fields []string) (domain.SnapshotRef, error)
}

// ChangeSetLog persists change sets.
type ChangeSetLog interface {
	Save(changeSet domain.ChangeSet) (artifact.Ref, error)
}

// Loader parses input content into records.
type Loader interface {
	Load(ctx context.Context, req ingestion.Request) (ingestion.Result, error)
}

// Settings is the orchestrator policy fixed at construction.
type Settings struct {
	RunMarkerField string
	ExcludeFields  []string
	SnapshotScope  domain.SnapshotScope
	// PreviewLimit caps the record diffs embedded in a dry-run report.
	PreviewLimit int
}

// Dependencies are the collaborators of an Orchestrator. Store, Snapshots,
// AuditLog and Artifacts are required.
type Dependencies struct {
	Store        repository.RecordStore
	Loader       Loader
	Fingerprints *fingerprint.Store
	Snapshots    Snapshotter
	AuditLog     ChangeSetLog
	Artifacts    *artifact.Writer
	UploadLog    repository.UploadLogRepository
	Metrics      *metrics.Metrics

	Scheme   domain.IdentityScheme
	Engine   *diff.Engine
	Guard    *idempotency.Guard
	Composer *audit.Composer

	Logger *slog.Logger
	Now    func() time.Time
}

// Orchestrator runs upload attempts. It is not safe for concurrent use and
// assumes it is the only process writing to its output directory.
type Orchestrator struct {
	store        repository.RecordStore
	loader       Loader
	fingerprints *fingerprint.Store
	snapshots    Snapshotter
	auditLog     ChangeSetLog
	artifacts    *artifact.Writer
	uploadLog    repository.UploadLogRepository
	metrics      *metrics.Metrics

	scheme   domain.IdentityScheme
	engine   *diff.Engine
	guard    *idempotency.Guard
	composer *audit.Composer

	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

// New validates deps and fills in defaults for the optional ones.
func New(deps Dependencies, settings Settings) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("upload: record store is required")
	case deps.Snapshots == nil:
		return nil, errors.New("upload: snapshot manager is required")
	case deps.AuditLog == nil:
		return nil, errors.New("upload: audit log is required")
	case deps.Artifacts == nil:
		return nil, errors.New("upload: artifact writer is required")
	case settings.RunMarkerField == "":
		return nil, errors.New("upload: run marker field is required")
	}

	o := &Orchestrator{
		store:        deps.Store,
		loader:       deps.Loader,
		fingerprints: deps.Fingerprints,
		snapshots:    deps.Snapshots,
		auditLog:     deps.AuditLog,
		artifacts:    deps.Artifacts,
		uploadLog:    deps.UploadLog,
		metrics:      deps.Metrics,
		scheme:       deps.Scheme,
		engine:       deps.Engine,
		guard:        deps.Guard,
		composer:     deps.Composer,
		settings:     settings,
		logger:       deps.Logger,
		now:          deps.Now,
	}
	if o.scheme.PrimaryIDField == "" {
		o.scheme = domain.DefaultIdentityScheme()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.engine == nil {
		o.engine = diff.NewEngine()
		o.engine.Scheme = o.scheme
		o.engine.Now = o.now
	}
	if o.guard == nil {
		o.guard = idempotency.NewGuard(o.scheme, idempotency.PolicyMarker, o.logger)
	}
	if o.composer == nil {
		o.composer = audit.NewComposer()
		o.composer.Now = o.now
	}
	if o.settings.SnapshotScope == "" {
		o.settings.SnapshotScope = domain.SnapshotScopeTargeted
	}
	if o.settings.PreviewLimit <= 0 {
		o.settings.PreviewLimit = 100
	}
	return o, nil
}

// Mode selects how an attempt treats its records.
type Mode string

const (
	// ModeQC dedupes on the run marker and appends an audit entry.
	ModeQC Mode = "qc"
	// ModeQueryResolution sends records as they are: no dedupe, no audit entry.
	ModeQueryResolution Mode = "query_resolution"
)

// Options are the per-invocation switches.
type Options struct {
	Actor  string
	DryRun bool
	// Force bypasses the run-marker dedupe and the fingerprint check.
	Force bool
	// Mode defaults to ModeQC.
	Mode Mode
}

func (o Options) mode() Mode {
	if o.Mode == "" {
		return ModeQC
	}
	return o.Mode
}

// Attempt is one upload of already parsed records.
type Attempt struct {
	Source  domain.SourceReference
	Records []domain.Record
	Options Options
	// Warnings carried in from ingestion, such as dictionary findings.
	Warnings []string
	// Observed is the state of the source file as it was read. Nil means the
	// file is fingerprinted from disk when it is marked processed.
	Observed *domain.FileFingerprint
}

// Result describes how an attempt ended. State is RECEIPT or ABORTED.
type Result struct {
	OperationID string
	Mode        Mode
	State       State
	Status      domain.UploadStatus
	// FailedStep is the step that aborted the attempt.
	FailedStep State
	Cause      error

	Source       domain.SourceReference
	TotalRecords int
	Candidates   int
	Processed    int
	Skipped      int
	Statistics   domain.ChangeStatistics
	Warnings     []string

	ChangeSet artifact.Ref
	Snapshot  *domain.SnapshotRef
	Report    artifact.Ref
	Payload   artifact.Ref
	Receipt   artifact.Ref
	Import    repository.ImportResult

	// Fingerprints lists the input paths marked processed by this attempt.
	Fingerprints []string
}

// Succeeded reports whether the attempt reached RECEIPT.
func (r Result) Succeeded() bool {
	return r.State == StateReceipt
}

// attempt carries the working state of one Run.
type attempt struct {
	Attempt
	result    Result
	timestamp time.Time
	current   []domain.Record
	changes   []domain.FieldChange
	filtered  idempotency.FilterResult
	payload   []domain.Record
}

// Run executes the state machine for one attempt. Cancellation is honored
// between steps only; once the commit has started it runs to completion.
// Every abort returns a Result whose Cause is the returned error.
func (o *Orchestrator) Run(ctx context.Context, in Attempt) (Result, error) {
	a := &attempt{Attempt: in, timestamp: o.now().UTC()}
	a.result = Result{
		OperationID:  OperationID(a.timestamp, in.Source.Path, in.Options.Actor),
		Mode:         in.Options.mode(),
		Source:       in.Source,
		TotalRecords: len(in.Records),
		Warnings:     append([]string(nil), in.Warnings...),
	}
	logger := o.logger.With("operation_id", a.result.OperationID)
	logger.Info("upload started", "source", in.Source.Path, "records", len(in.Records),
		"mode", string(a.result.Mode), "dry_run", in.Options.DryRun, "force", in.Options.Force, "actor", in.Options.Actor)

	steps := []struct {
		state State
		run   func(context.Context, *attempt) (done bool, err error)
	}{
		{StateFetchCurrent, o.fetchCurrent},
		{StateDiffAndDedupe, o.diffAndDedupe},
		{StateComposeAudit, o.composeAudit},
		{StateSnapshot, o.snapshot},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return o.abort(ctx, a, step.state, err)
		}
		start := time.Now()
		done, err := step.run(ctx, a)
		o.metrics.ObserveStep(string(step.state), time.Since(start))
		if err != nil {
			return o.abort(ctx, a, step.state, err)
		}
		if done {
			return o.finishNoop(ctx, a)
		}
	}

	if err := ctx.Err(); err != nil {
		return o.abort(ctx, a, StateCommit, err)
	}
	if in.Options.DryRun {
		return o.dryRun(ctx, a)
	}
	return o.commit(ctx, a)
}

func (o *Orchestrator) fetchCurrent(ctx context.Context, a *attempt) (bool, error) {
	req := repository.ExportRequest{}
	if o.settings.SnapshotScope == domain.SnapshotScopeTargeted {
		req.Records = primaryIDs(a.Records, o.scheme.PrimaryIDField)
	}
	current, err := o.store.Export(ctx, req)
	if err != nil {
		return false, err
	}
	a.current = current
	o.logger.Debug("fetched current records", "operation_id", a.result.OperationID, "records", len(current))
	return false, nil
}

func (o *Orchestrator) diffAndDedupe(_ context.Context, a *attempt) (bool, error) {
	if err := o.completeIdentities(a); err != nil {
		return false, err
	}
	a.changes = o.engine.Compare(a.current, a.Records, o.scheme.KeyFields(), o.settings.ExcludeFields)
	if a.result.Mode == ModeQueryResolution {
		a.filtered = idempotency.FilterResult{Included: a.Records}
	} else {
		a.filtered = o.guard.Filter(idempotency.FilterRequest{
			Candidates:     a.Records,
			Current:        a.current,
			RunMarkerField: o.settings.RunMarkerField,
			Force:          a.Options.Force,
			Changes:        a.changes,
		})
	}

	a.result.Candidates = len(a.filtered.Included)
	a.result.Skipped = len(a.filtered.Skipped)

	if n := len(a.filtered.Unjudgeable); n > 0 {
		for _, verr := range a.filtered.Unjudgeable {
			o.logger.Warn("record cannot be deduplicated", "operation_id", a.result.OperationID, "error", verr)
		}
		if !a.Options.Force && n == len(a.Records) {
			a.result.Warnings = append(a.result.Warnings, fmt.Sprintf("all %d records lack %s or %s; nothing uploaded", n, o.scheme.PrimaryIDField, o.settings.RunMarkerField))
			a.result.Skipped = n
			a.result.Candidates = 0
			return true, nil
		}
		a.result.Warnings = append(a.result.Warnings, fmt.Sprintf("%d records lack %s or %s and were included without dedupe", n, o.scheme.PrimaryIDField, o.settings.RunMarkerField))
	}
	if a.filtered.SkippedWithChanges > 0 {
		a.result.Warnings = append(a.result.Warnings, fmt.Sprintf("%d records skipped with an unchanged %s despite field changes", a.filtered.SkippedWithChanges, o.settings.RunMarkerField))
	}

	included := make(map[string]struct{}, len(a.filtered.Included))
	for _, record := range a.filtered.Included {
		included[o.scheme.Identity(record).Key()] = struct{}{}
	}
	kept := make([]domain.FieldChange, 0, len(a.changes))
	for _, change := range a.changes {
		if _, ok := included[change.Identity.Key()]; ok {
			kept = append(kept, change)
		}
	}
	a.changes = kept
	a.result.Statistics = domain.SummarizeChanges(kept)

	if len(a.filtered.Included) == 0 {
		o.logger.Info("no new records to upload", "operation_id", a.result.OperationID, "skipped", a.result.Skipped)
		return true, nil
	}
	return false, nil
}

// completeIdentities fills the key fields an input record lacks from the one
// remote record it resolves to, so diff, dedupe and audit agree on the target.
func (o *Orchestrator) completeIdentities(a *attempt) error {
	index := domain.NewRecordIndex(o.scheme, a.current)
	records := make([]domain.Record, len(a.Records))
	for idx, record := range a.Records {
		match, found, err := index.Resolve(record)
		if err != nil {
			return &domain.ValidationError{Index: idx, PrimaryID: record.Value(o.scheme.PrimaryIDField), Problems: []string{err.Error()}, Err: err}
		}
		if found {
			record = index.Complete(record, match)
		}
		records[idx] = record
	}
	a.Records = records
	return nil
}

func (o *Orchestrator) composeAudit(_ context.Context, a *attempt) (bool, error) {
	dedupePolicy := string(o.guard.Policy)
	if a.result.Mode == ModeQueryResolution {
		// Records go out unchanged, but they may not rewrite audit history.
		if err := o.composer.VerifyHistoryUnchanged(a.filtered.Included, a.current, o.scheme); err != nil {
			return false, err
		}
		a.payload = a.filtered.Included
		dedupePolicy = "none"
	} else {
		payload, err := o.composer.ComposeAll(a.filtered.Included, a.current, o.scheme, a.Options.Actor)
		if err != nil {
			return false, err
		}
		a.payload = payload
		if err := o.composer.VerifyAll(a.payload, a.current, o.scheme); err != nil {
			return false, err
		}
	}

	changeSet := domain.NewChangeSet(a.result.OperationID, a.timestamp, a.Source, len(a.Records), a.changes, map[string]string{
		"actor":            a.Options.Actor,
		"mode":             string(a.result.Mode),
		"dry_run":          strconv.FormatBool(a.Options.DryRun),
		"force":            strconv.FormatBool(a.Options.Force),
		"dedupe_policy":    dedupePolicy,
		"snapshot_scope":   string(o.settings.SnapshotScope),
		"run_marker_field": o.settings.RunMarkerField,
		"records_included": strconv.Itoa(len(a.payload)),
		"records_skipped":  strconv.Itoa(a.result.Skipped),
	})
	ref, err := o.auditLog.Save(changeSet)
	if err != nil {
		return false, err
	}
	a.result.ChangeSet = ref
	o.logger.Info("change set saved", "operation_id", a.result.OperationID, "path", ref.Path, "changes", changeSet.TotalChanges)
	return false, nil
}

func (o *Orchestrator) snapshot(_ context.Context, a *attempt) (bool, error) {
	var (
		ref domain.SnapshotRef
		err error
	)
	if o.settings.SnapshotScope == domain.SnapshotScopeFull {
		ref, err = o.snapshots.SnapshotFull(a.result.OperationID, a.current)
	} else {
		identities := make([]domain.RecordIdentity, 0, len(a.payload))
		for _, record := range a.payload {
			identities = append(identities, o.scheme.Identity(record))
		}
		ref, err = o.snapshots.SnapshotTargeted(a.result.OperationID, a.current, identities, payloadFields(a.payload))
	}
	if err != nil {
		return false, err
	}
	a.result.Snapshot = &ref
	return false, nil
}

func (o *Orchestrator) dryRun(ctx context.Context, a *attempt) (Result, error) {
	start := time.Now()
	ref, err := o.writeReport(a)
	o.metrics.ObserveStep(string(StateDryRunReport), time.Since(start))
	if err != nil {
		return o.abort(ctx, a, StateDryRunReport, err)
	}

	a.result.Report = ref
	a.result.State = StateReceipt
	a.result.Status = domain.UploadStatusDryRun
	o.logger.Info("dry run complete", "operation_id", a.result.OperationID, "records", len(a.payload), "report", ref.Path)
	o.record(ctx, a, "")
	return a.result, nil
}

func (o *Orchestrator) commit(ctx context.Context, a *attempt) (Result, error) {
	// The write and everything after it must not be interrupted half way.
	writeCtx := context.WithoutCancel(ctx)

	start := time.Now()
	imported, err := o.store.Import(writeCtx, a.payload)
	o.metrics.ObserveStep(string(StateCommit), time.Since(start))
	a.result.Import = imported
	if err != nil {
		snapshotPath := ""
		if a.result.Snapshot != nil {
			snapshotPath = a.result.Snapshot.Path
		}
		return o.abort(ctx, a, StateCommit, fmt.Errorf("commit failed after %d records; change set %s and snapshot %s are kept for recovery: %w",
			imported.Count, a.result.ChangeSet.Path, snapshotPath, err))
	}
	a.result.Processed = len(a.payload)
	if imported.Count != len(a.payload) {
		a.result.Warnings = append(a.result.Warnings, fmt.Sprintf("remote store reported %d records imported, %d sent", imported.Count, len(a.payload)))
	}
	o.logger.Info("records committed", "operation_id", a.result.OperationID, "records", imported.Count, "batches", imported.Batches)

	o.markSource(writeCtx, a)

	if ref, err := o.artifacts.WriteOnce(artifactName(artifact.DirPayloads, "payload", a), a.payload); err != nil {
		o.warn(a, "payload not saved", err)
	} else {
		a.result.Payload = ref
	}

	response, _ := json.Marshal(imported)
	receipt := domain.Receipt{
		OperationID:         a.result.OperationID,
		UploadType:          string(a.result.Mode),
		Timestamp:           a.timestamp,
		Actor:               a.Options.Actor,
		SourcePath:          a.Source.Path,
		SourceHash:          a.Source.ContentHash,
		RecordsProcessed:    a.result.Processed,
		RecordsSkipped:      a.result.Skipped,
		Batches:             imported.Batches,
		ImportResponse:      response,
		FingerprintsUpdated: a.result.Fingerprints,
		ChangeSetPath:       a.result.ChangeSet.Path,
		SnapshotPath:        a.result.Snapshot.Path,
		PayloadPath:         a.result.Payload.Path,
		Forced:              a.Options.Force,
		Success:             true,
		Warnings:            a.result.Warnings,
	}
	if ref, err := o.artifacts.WriteOnce(artifactName(artifact.DirReceipts, "receipt", a), receipt); err != nil {
		o.warn(a, "receipt not saved", err)
	} else {
		a.result.Receipt = ref
	}

	a.result.State = StateReceipt
	a.result.Status = domain.UploadStatusCommitted
	o.record(writeCtx, a, "")
	return a.result, nil
}

func (o *Orchestrator) finishNoop(ctx context.Context, a *attempt) (Result, error) {
	if !a.Options.DryRun {
		o.markSource(ctx, a)
	}
	a.result.State = StateReceipt
	a.result.Status = domain.UploadStatusNoop
	o.record(ctx, a, "")
	return a.result, nil
}

func (o *Orchestrator) abort(ctx context.Context, a *attempt, step State, err error) (Result, error) {
	a.result.State = StateAborted
	a.result.Status = domain.UploadStatusFailed
	a.result.FailedStep = step
	a.result.Cause = err
	o.logger.Error("upload aborted", "operation_id", a.result.OperationID, "step", string(step), "error", err)
	o.record(context.WithoutCancel(ctx), a, err.Error())
	return a.result, err
}

// markSource fingerprints the input file after it was fully handled.
func (o *Orchestrator) markSource(ctx context.Context, a *attempt) {
	if o.fingerprints == nil || a.Source.Path == "" {
		return
	}
	var (
		fp  domain.FileFingerprint
		err error
	)
	if a.Observed != nil {
		fp, err = o.fingerprints.MarkObserved(ctx, *a.Observed, a.result.Processed)
	} else {
		fp, err = o.fingerprints.MarkProcessed(ctx, a.Source.Path, a.result.Processed)
	}
	if err != nil {
		o.warn(a, "fingerprint not updated", err)
		return
	}
	a.result.Fingerprints = append(a.result.Fingerprints, fp.Path)
}

// record appends to the upload log and updates metrics.
func (o *Orchestrator) record(ctx context.Context, a *attempt, failure string) {
	o.metrics.ObserveUpload(string(a.result.Status), a.result.Processed, a.result.Skipped, a.result.Statistics.TotalChanges, o.now())
	if o.uploadLog == nil {
		return
	}
	entry := domain.UploadLogEntry{
		ID:               uuid.New(),
		OperationID:      a.result.OperationID,
		Actor:            a.Options.Actor,
		FileName:         a.Source.Path,
		ContentHash:      a.Source.ContentHash,
		Status:           a.result.Status,
		RecordsProcessed: a.result.Processed,
		ErrorMessage:     failure,
		ReceiptPath:      a.result.Receipt.Path,
		CreatedAt:        o.now().UTC(),
	}
	if err := o.uploadLog.Record(ctx, entry); err != nil {
		o.warn(a, "upload log not updated", err)
	}
}

func (o *Orchestrator) warn(a *attempt, message string, err error) {
	o.logger.Error(message, "operation_id", a.result.OperationID, "error", err)
	a.result.Warnings = append(a.result.Warnings, fmt.Sprintf("%s: %v", message, err))
}

// OperationID derives a stable id from the attempt time, source and actor.
func OperationID(at time.Time, source, actor string) string {
	name := at.UTC().Format(time.RFC3339Nano) + "|" + source + "|" + actor
	return uuid.NewSHA1(operationNamespace, []byte(name)).String()
}

func artifactName(dir, kind string, a *attempt) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s.json", kind, a.timestamp.Format("20060102_150405"), a.result.OperationID))
}

// primaryIDs returns the distinct non-empty primary ids in input order.
func primaryIDs(records []domain.Record, field string) []string {
	seen := make(map[string]struct{}, len(records))
	var ids []string
	for _, record := range records {
		id := record.Value(field)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// payloadFields is the union of the payload's fields in first-seen order.
func payloadFields(records []domain.Record) []string {
	seen := map[string]struct{}{}
	var fields []string
	for _, record := range records {
		for _, field := range record.Fields() {
			if _, ok := seen[field]; !ok {
				seen[field] = struct{}{}
				fields = append(fields, field)
			}
		}
	}
	return fields
}
