package upload

import (
	"time"

	"github.com/rpattn/qcsync/internal/artifact"
	"github.com/rpattn/qcsync/internal/domain"
)

// DryRunReport is what a commit would have sent.
type DryRunReport struct {
	OperationID     string                  `json:"operation_id"`
	Mode            Mode                    `json:"mode"`
	Timestamp       time.Time               `json:"timestamp"`
	Actor           string                  `json:"actor"`
	Source          domain.SourceReference  `json:"source"`
	Forced          bool                    `json:"forced"`
	RecordsToUpload int                     `json:"records_to_upload"`
	RecordsSkipped  int                     `json:"records_skipped"`
	Statistics      domain.ChangeStatistics `json:"statistics"`
	ChangeSetPath   string                  `json:"change_set_path"`
	Snapshot        *domain.SnapshotRef     `json:"snapshot,omitempty"`
	Warnings        []string                `json:"warnings,omitempty"`
	Previews        []string                `json:"previews,omitempty"`
	Payload         []domain.Record         `json:"payload"`
}

func (o *Orchestrator) writeReport(a *attempt) (artifact.Ref, error) {
	report := DryRunReport{
		OperationID:     a.result.OperationID,
		Mode:            a.result.Mode,
		Timestamp:       a.timestamp,
		Actor:           a.Options.Actor,
		Source:          a.Source,
		Forced:          a.Options.Force,
		RecordsToUpload: len(a.payload),
		RecordsSkipped:  a.result.Skipped,
		Statistics:      a.result.Statistics,
		ChangeSetPath:   a.result.ChangeSet.Path,
		Snapshot:        a.result.Snapshot,
		Warnings:        a.result.Warnings,
		Previews:        o.previews(a),
		Payload:         a.payload,
	}
	return o.artifacts.WriteOnce(artifactName(artifact.DirReports, "dry_run", a), report)
}

// previews renders a unified diff per payload record against its remote state.
func (o *Orchestrator) previews(a *attempt) []string {
	current := make(map[string]domain.Record, len(a.current))
	for _, record := range a.current {
		key := o.scheme.Identity(record).Key()
		if _, seen := current[key]; !seen {
			current[key] = record
		}
	}

	var out []string
	for i, record := range a.payload {
		if i >= o.settings.PreviewLimit {
			break
		}
		identity := o.scheme.Identity(record)
		target := &domain.RecordState{Identity: identity, Fields: record}

		var base *domain.RecordState
		if remote, ok := current[identity.Key()]; ok {
			base = &domain.RecordState{Identity: identity, Fields: remote.Project(record.Fields())}
		}
		out = append(out, domain.DiffRecords("remote/"+identity.String(), base, "upload/"+identity.String(), target))
	}
	return out
}
