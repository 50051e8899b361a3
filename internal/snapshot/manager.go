// Package snapshot persists copies of remote records before they are mutated.
package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rpattn/qcsync/internal/artifact"
	"github.com/rpattn/qcsync/internal/domain"
)

// Manager writes full and targeted snapshots. Snapshots are never read back
// by the upload flow; Read exists for human inspection.
type Manager struct {
	writer *artifact.Writer
	scheme domain.IdentityScheme
	now    func() time.Time
	logger *slog.Logger
}

// NewManager wires a manager. A nil logger falls back to slog.Default().
func NewManager(writer *artifact.Writer, scheme domain.IdentityScheme, now func() time.Time, logger *slog.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{writer: writer, scheme: scheme, now: now, logger: logger}
}

// SnapshotFull persists every record as returned by the remote store.
func (m *Manager) SnapshotFull(operationID string, records []domain.Record) (domain.SnapshotRef, error) {
	snap := domain.Snapshot{
		OperationID: operationID,
		Timestamp:   m.now().UTC(),
		Scope:       domain.SnapshotScopeFull,
		RecordCount: len(records),
		Records:     nonNil(records),
	}
	return m.persist(snap)
}

// SnapshotTargeted persists only the records whose identity is in identities,
// restricted to the identity key fields plus fields. An empty fields list
// keeps every field. Records left without any non-key data are dropped.
func (m *Manager) SnapshotTargeted(operationID string, records []domain.Record, identities []domain.RecordIdentity, fields []string) (domain.SnapshotRef, error) {
	wanted := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		wanted[identity.Key()] = struct{}{}
	}

	var projection []string
	if len(fields) > 0 {
		projection = append(projection, m.scheme.KeyFields()...)
		for _, field := range fields {
			if !m.scheme.IsKeyField(field) {
				projection = append(projection, field)
			}
		}
	}

	kept := []domain.Record{}
	for _, record := range records {
		if _, ok := wanted[m.scheme.Identity(record).Key()]; !ok {
			continue
		}
		if projection != nil {
			record = record.Project(projection)
		} else {
			record = record.Clone()
		}
		if !m.hasData(record) {
			continue
		}
		kept = append(kept, record)
	}

	snap := domain.Snapshot{
		OperationID:      operationID,
		Timestamp:        m.now().UTC(),
		Scope:            domain.SnapshotScopeTargeted,
		Fields:           fields,
		TargetIdentities: identities,
		RecordCount:      len(kept),
		Records:          kept,
	}
	return m.persist(snap)
}

// Read loads a persisted snapshot.
func Read(path string) (domain.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Snapshot{}, &domain.LocalIOError{Op: "read snapshot", Path: path, Err: err}
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, &domain.LocalIOError{Op: "decode snapshot", Path: path, Err: err}
	}
	return snap, nil
}

func (m *Manager) persist(snap domain.Snapshot) (domain.SnapshotRef, error) {
	name := fmt.Sprintf("snapshot_%s_%s_%s.json", snap.Scope, snap.Timestamp.Format("20060102_150405"), snap.OperationID)
	ref, err := m.writer.WriteOnce(filepath.Join(artifact.DirSnapshots, name), snap)
	if err != nil {
		return domain.SnapshotRef{}, err
	}

	m.logger.Info("snapshot written",
		"operation_id", snap.OperationID,
		"scope", string(snap.Scope),
		"records", snap.RecordCount,
		"path", ref.Path,
	)
	return domain.SnapshotRef{
		OperationID: snap.OperationID,
		Scope:       snap.Scope,
		Path:        ref.Path,
		ContentHash: ref.SHA256,
		RecordCount: snap.RecordCount,
	}, nil
}

func (m *Manager) hasData(record domain.Record) bool {
	for _, field := range record.Fields() {
		if !m.scheme.IsKeyField(field) {
			return true
		}
	}
	return false
}

func nonNil(records []domain.Record) []domain.Record {
	if records == nil {
		return []domain.Record{}
	}
	return records
}
