// Package artifact persists write-once JSON documents under the output directory.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rpattn/qcsync/internal/domain"
	"github.com/rpattn/qcsync/internal/fingerprint"
)

// Output subdirectories.
const (
	DirAudit     = "audit"
	DirSnapshots = "snapshots"
	DirReceipts  = "receipts"
	DirReports   = "reports"
	DirPayloads  = "payloads"
)

// ErrExists is wrapped when the target artifact already exists.
var ErrExists = errors.New("artifact already exists")

// Ref locates a persisted artifact.
type Ref struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Writer writes artifacts beneath a root directory.
type Writer struct {
	root   string
	hasher fingerprint.Hasher
}

// NewWriter returns a writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{root: dir, hasher: fingerprint.SHA256()}
}

// Root is the output directory.
func (w *Writer) Root() string {
	return w.root
}

// WriteOnce encodes v as indented JSON at root/name. The document is synced
// to a temp file and then linked into place, so the final name either does
// not exist or holds the complete document. An existing name is never
// overwritten.
func (w *Writer) WriteOnce(name string, v any) (Ref, error) {
	finalPath := filepath.Join(w.root, name)
	dir := filepath.Dir(finalPath)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Ref{}, &domain.LocalIOError{Op: "encode artifact", Path: finalPath, Err: err}
	}
	data = append(data, '\n')

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, &domain.LocalIOError{Op: "create artifact directory", Path: dir, Err: err}
	}

	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(name)+"-*.tmp")
	if err != nil {
		return Ref{}, &domain.LocalIOError{Op: "create artifact", Path: finalPath, Err: err}
	}
	tempPath := tempFile.Name()
	defer func() {
		_ = os.Remove(tempPath)
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return Ref{}, &domain.LocalIOError{Op: "write artifact", Path: finalPath, Err: err}
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return Ref{}, &domain.LocalIOError{Op: "flush artifact", Path: finalPath, Err: err}
	}
	if err := tempFile.Close(); err != nil {
		return Ref{}, &domain.LocalIOError{Op: "close artifact", Path: finalPath, Err: err}
	}

	if err := os.Link(tempPath, finalPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			err = fmt.Errorf("%w: %s", ErrExists, name)
		}
		return Ref{}, &domain.LocalIOError{Op: "publish artifact", Path: finalPath, Err: err}
	}
	syncDir(dir)

	return Ref{
		Path:   finalPath,
		SHA256: w.hasher.HashBytes(data),
		Bytes:  int64(len(data)),
	}, nil
}

// syncDir makes the new directory entry durable where the platform allows it.
func syncDir(dir string) {
	handle, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = handle.Sync()
	_ = handle.Close()
}
