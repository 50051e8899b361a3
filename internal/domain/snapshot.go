package domain

import "time"

// SnapshotScope distinguishes whole-store backups from backups of the records
// about to be mutated.
type SnapshotScope string

const (
	SnapshotScopeFull     SnapshotScope = "full"
	SnapshotScopeTargeted SnapshotScope = "targeted"
)

// Snapshot is a write-once copy of remote records taken before a mutation.
type Snapshot struct {
	OperationID      string           `json:"operation_id"`
	Timestamp        time.Time        `json:"timestamp"`
	Scope            SnapshotScope    `json:"scope"`
	Fields           []string         `json:"fields,omitempty"`
	TargetIdentities []RecordIdentity `json:"target_identities,omitempty"`
	RecordCount      int              `json:"record_count"`
	Records          []Record         `json:"records"`
}

// SnapshotRef locates a persisted snapshot.
type SnapshotRef struct {
	OperationID string        `json:"operation_id"`
	Scope       SnapshotScope `json:"scope"`
	Path        string        `json:"path"`
	ContentHash string        `json:"content_hash"`
	RecordCount int           `json:"record_count"`
}
