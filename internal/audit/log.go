package audit

import (
	"fmt"
	"path/filepath"

	"github.com/rpattn/qcsync/internal/artifact"
	"github.com/rpattn/qcsync/internal/domain"
)

// Log persists change sets as write-once JSON documents.
type Log struct {
	writer *artifact.Writer
}

// NewLog writes change sets under the writer's audit directory.
func NewLog(writer *artifact.Writer) *Log {
	return &Log{writer: writer}
}

// Save writes audit_<timestamp>_<operation>.json. It fails if the document exists.
func (l *Log) Save(changeSet domain.ChangeSet) (artifact.Ref, error) {
	name := fmt.Sprintf("audit_%s_%s.json", changeSet.Timestamp.UTC().Format("20060102_150405"), changeSet.OperationID)
	return l.writer.WriteOnce(filepath.Join(artifact.DirAudit, name), changeSet)
}
