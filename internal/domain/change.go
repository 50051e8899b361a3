package domain

import (
	"sort"
	"time"
)

// FieldChange is one field-level difference between the remote and incoming state.
type FieldChange struct {
	Identity  RecordIdentity `json:"identity"`
	FieldName string         `json:"field_name"`
	OldValue  string         `json:"old_value"`
	NewValue  string         `json:"new_value"`
	Timestamp time.Time      `json:"timestamp"`
}

// SourceReference points at the input that produced a change set.
type SourceReference struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
}

// ChangeSet groups the field changes detected for one upload attempt. It is
// built once by NewChangeSet and must not be modified afterwards.
type ChangeSet struct {
	OperationID  string            `json:"operation_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Source       SourceReference   `json:"source_reference"`
	TotalRecords int               `json:"total_records"`
	TotalChanges int               `json:"total_changes"`
	Changes      []FieldChange     `json:"changes"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewChangeSet copies changes and metadata into a new change set.
func NewChangeSet(operationID string, timestamp time.Time, source SourceReference, totalRecords int, changes []FieldChange, metadata map[string]string) ChangeSet {
	copied := make([]FieldChange, len(changes))
	copy(copied, changes)

	var meta map[string]string
	if len(metadata) > 0 {
		meta = make(map[string]string, len(metadata))
		for k, v := range metadata {
			meta[k] = v
		}
	}

	return ChangeSet{
		OperationID:  operationID,
		Timestamp:    timestamp,
		Source:       source,
		TotalRecords: totalRecords,
		TotalChanges: len(copied),
		Changes:      copied,
		Metadata:     meta,
	}
}

// ChangeStatistics summarizes a list of field changes.
type ChangeStatistics struct {
	TotalChanges   int            `json:"total_changes"`
	UniqueRecords  int            `json:"unique_records"`
	UniqueFields   int            `json:"unique_fields"`
	ChangesByField map[string]int `json:"changes_by_field"`
	ChangedFields  []string       `json:"changed_fields"`
}

// SummarizeChanges computes change statistics.
func SummarizeChanges(changes []FieldChange) ChangeStatistics {
	stats := ChangeStatistics{
		TotalChanges:   len(changes),
		ChangesByField: map[string]int{},
	}
	records := map[string]struct{}{}
	for _, change := range changes {
		records[change.Identity.Key()] = struct{}{}
		stats.ChangesByField[change.FieldName]++
	}
	stats.UniqueRecords = len(records)
	stats.UniqueFields = len(stats.ChangesByField)
	stats.ChangedFields = make([]string, 0, len(stats.ChangesByField))
	for field := range stats.ChangesByField {
		stats.ChangedFields = append(stats.ChangedFields, field)
	}
	sort.Strings(stats.ChangedFields)
	return stats
}

// Statistics summarizes the change set's changes.
func (c ChangeSet) Statistics() ChangeStatistics {
	return SummarizeChanges(c.Changes)
}

// ChangedIdentities returns the distinct identities with at least one change,
// keyed by RecordIdentity.Key.
func ChangedIdentities(changes []FieldChange) map[string]RecordIdentity {
	out := make(map[string]RecordIdentity, len(changes))
	for _, change := range changes {
		out[change.Identity.Key()] = change.Identity
	}
	return out
}
